package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of a board access token. the client only reads claims to display
// who it is connecting as; verification happens on the server side

type ByBoardJwt struct {
	BoardId  Id
	UserId   Id
	UserName string
}

func ParseByBoardJwtUnverified(byJwt string) (*ByBoardJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byBoardJwt := &ByBoardJwt{}

	if boardIdStr, ok := claims["board_id"]; ok {
		if boardId, err := ParseId(boardIdStr.(string)); err == nil {
			byBoardJwt.BoardId = boardId
		}
	}
	if userIdStr, ok := claims["user_id"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			byBoardJwt.UserId = userId
		}
	}
	if userName, ok := claims["user_name"]; ok {
		byBoardJwt.UserName = userName.(string)
	}

	return byBoardJwt, nil
}
