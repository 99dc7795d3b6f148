package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/shivamd20/liva-sub001/collab"
	"github.com/shivamd20/liva-sub001/relay"
)

const Version = "0.1.0"

const DefaultRelayUrl = "ws://127.0.0.1:8080"

func main() {
	usage := fmt.Sprintf(
		`Board control.

Connects to a board relay and follows a board.

The default relay url is %s.

Usage:
    boardctl tail --board=<board_id> [--url=<url>] [--token=<token>] [--sign]
    boardctl touch --board=<board_id> [--url=<url>] [--token=<token>] [--sign]
        [--title=<title>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Relay websocket url.
    --board=<board_id>   Board id (uuid).
    --token=<token>      Board access token.
    --sign               Prompt for the relay secret and sign a token locally.
    --title=<title>      Title for the touch write [default: touched].`,
		DefaultRelayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if touch_, _ := opts.Bool("touch"); touch_ {
		touch(opts)
	}
}

func tail(opts docopt.Opts) {
	ctx, boardId, syncManager := openManager(opts)
	defer syncManager.Close()

	unsubChanges := syncManager.SubscribeToChanges(boardId, func(document *collab.Document) {
		fmt.Printf("v%d %q elements=%d\n", document.Version, document.Title, len(document.Elements))
	})
	defer unsubChanges()

	unsubEphemeral := syncManager.SubscribeToEphemeral(boardId, func(presence map[collab.Id]*collab.EphemeralData) {
		fmt.Printf("presence n=%d\n", len(presence))
		for sessionId, data := range presence {
			if data.Payload != nil && data.Payload.Pointer != nil {
				fmt.Printf("    %s %s (%.0f,%.0f)\n", sessionId, data.Payload.Username, data.Payload.Pointer.X, data.Payload.Pointer.Y)
			}
		}
	})
	defer unsubEphemeral()

	select {
	case <-ctx.Done():
	}
}

func touch(opts docopt.Opts) {
	ctx, boardId, syncManager := openManager(opts)
	defer syncManager.Close()

	var title string
	if titleAny := opts["--title"]; titleAny != nil {
		title = titleAny.(string)
	}

	initial := make(chan *collab.Document, 1)
	unsub := syncManager.SubscribeToChanges(boardId, func(document *collab.Document) {
		select {
		case initial <- document:
		default:
		}
	})
	defer unsub()

	var baseVersion collab.Version
	select {
	case <-ctx.Done():
		return
	case document := <-initial:
		baseVersion = document.Version
	case <-time.After(10 * time.Second):
		fmt.Printf("no response from relay\n")
		os.Exit(1)
	}

	markerData, _ := json.Marshal(map[string]any{
		"text": fmt.Sprintf("touched by boardctl %s", Version),
	})
	marker := &collab.Element{
		ElementId: collab.NewId(),
		Kind:      "text",
		Data:      markerData,
	}

	syncManager.UpdateViaWs(&collab.Document{
		DocumentId: boardId,
		Title:      title,
		Elements:   []*collab.Element{marker},
	})

	// the echo of our own write does not raise a change callback.
	// it advances the tracked document, so poll for the version to move
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		if document, ok := syncManager.Document(boardId); ok && baseVersion < document.Version {
			fmt.Printf("board now v%d %q\n", document.Version, document.Title)
			return
		}
	}
	fmt.Printf("no response from relay\n")
	os.Exit(1)
}

func openManager(opts docopt.Opts) (context.Context, collab.Id, *collab.SyncManager) {
	var url string
	if urlAny := opts["--url"]; urlAny != nil {
		url = urlAny.(string)
	} else {
		url = DefaultRelayUrl
	}

	boardId, err := collab.ParseId(opts["--board"].(string))
	if err != nil {
		panic(err)
	}

	var byJwt string
	if tokenAny := opts["--token"]; tokenAny != nil {
		byJwt = tokenAny.(string)
	} else if sign_, _ := opts.Bool("--sign"); sign_ {
		byJwt = signToken(boardId)
	}

	if byJwt != "" {
		if claims, err := collab.ParseByBoardJwtUnverified(byJwt); err == nil {
			fmt.Printf("connecting as %s\n", claims.UserName)
		}
	}

	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	syncManager := collab.NewSyncManagerWithDefaults(ctx, url)
	syncManager.SetByJwt(byJwt)
	return ctx, boardId, syncManager
}

func signToken(boardId collab.Id) string {
	fmt.Print("Enter relay secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")

	byJwt, err := relay.SignBoardJwt(secretBytes, boardId, collab.NewId(), "boardctl")
	if err != nil {
		panic(err)
	}
	return byJwt
}
