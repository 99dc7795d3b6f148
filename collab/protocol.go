package collab

import (
	"encoding/json"
	"fmt"
)

// json wire protocol over the board websocket.
// document-state messages always carry a full snapshot, never a diff

const (
	// server -> client, once per connection. carries the assigned session id
	MessageTypeInitial = "initial"
	// server -> client, an accepted write from any session
	MessageTypeUpdate = "update"
	// server -> client, a revert accepted as a forward-version write
	MessageTypeRevert = "revert"
	// server -> client, document was just created
	MessageTypeCreate = "create"
	// both directions. presence delta for a single sender. null data is a disconnect
	MessageTypeEphemeral = "ephemeral"
	// server -> client, once after connect. full presence snapshot
	MessageTypeEphemeralState = "ephemeral_state"
	// client -> server, a document write. the server assigns the version
	MessageTypeUpdateEvent = "update_event"
)

type Message struct {
	Type      string          `json:"type"`
	SessionId *Id             `json:"sessionId,omitempty"`
	SenderId  *Id             `json:"senderId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (self *Message) IsDocumentState() bool {
	switch self.Type {
	case MessageTypeInitial, MessageTypeUpdate, MessageTypeRevert, MessageTypeCreate:
		return true
	default:
		return false
	}
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return message, nil
}

func (self *Message) DocumentSnapshot() (*Document, error) {
	if !self.IsDocumentState() {
		return nil, fmt.Errorf("not a document state message: %s", self.Type)
	}
	document := &Document{}
	if err := json.Unmarshal(self.Data, document); err != nil {
		return nil, err
	}
	return document, nil
}

// nil data is a valid decode and means the sender disconnected
func (self *Message) EphemeralData() (*EphemeralData, error) {
	if self.Type != MessageTypeEphemeral {
		return nil, fmt.Errorf("not an ephemeral message: %s", self.Type)
	}
	if len(self.Data) == 0 || string(self.Data) == "null" {
		return nil, nil
	}
	data := &EphemeralData{}
	if err := json.Unmarshal(self.Data, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (self *Message) EphemeralState() (map[Id]*EphemeralData, error) {
	if self.Type != MessageTypeEphemeralState {
		return nil, fmt.Errorf("not an ephemeral state message: %s", self.Type)
	}
	stateJson := map[string]*EphemeralData{}
	if err := json.Unmarshal(self.Data, &stateJson); err != nil {
		return nil, err
	}
	state := map[Id]*EphemeralData{}
	for senderIdStr, data := range stateJson {
		senderId, err := ParseId(senderIdStr)
		if err != nil {
			return nil, err
		}
		state[senderId] = data
	}
	return state, nil
}

func (self *Message) UpdateEvent() (*UpdateEvent, error) {
	if self.Type != MessageTypeUpdateEvent {
		return nil, fmt.Errorf("not an update event message: %s", self.Type)
	}
	updateEvent := &UpdateEvent{}
	if err := json.Unmarshal(self.Data, updateEvent); err != nil {
		return nil, err
	}
	return updateEvent, nil
}

// the outbound write shape. `Blob` is the full element list;
// the server stamps the authoritative post-write version
type UpdateEvent struct {
	Title string     `json:"title"`
	Blob  []*Element `json:"blob"`
}

const EphemeralDataTypePointer = "pointer"

type EphemeralData struct {
	Type    string           `json:"type"`
	Payload *PresencePayload `json:"payload,omitempty"`
}

func (self *EphemeralData) Copy() *EphemeralData {
	if self == nil {
		return nil
	}
	copy_ := *self
	if self.Payload != nil {
		payload := *self.Payload
		copy_.Payload = &payload
	}
	return &copy_
}

type PresencePayload struct {
	Pointer   *Pointer `json:"pointer,omitempty"`
	Username  string   `json:"username,omitempty"`
	AvatarUrl string   `json:"avatarUrl,omitempty"`
	Color     string   `json:"color,omitempty"`
	Tool      string   `json:"tool,omitempty"`
}

type Pointer struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func NewDocumentStateMessage(messageType string, document *Document) (*Message, error) {
	documentJson, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type: messageType,
		Data: documentJson,
	}, nil
}

func NewInitialMessage(sessionId Id, document *Document) (*Message, error) {
	message, err := NewDocumentStateMessage(MessageTypeInitial, document)
	if err != nil {
		return nil, err
	}
	message.SessionId = &sessionId
	return message, nil
}

func NewEphemeralMessage(senderId Id, data *EphemeralData) (*Message, error) {
	message := &Message{
		Type:     MessageTypeEphemeral,
		SenderId: &senderId,
	}
	if data != nil {
		dataJson, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		message.Data = dataJson
	}
	return message, nil
}

func NewEphemeralStateMessage(state map[Id]*EphemeralData) (*Message, error) {
	stateJson := map[string]*EphemeralData{}
	for senderId, data := range state {
		stateJson[senderId.String()] = data
	}
	dataJson, err := json.Marshal(stateJson)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type: MessageTypeEphemeralState,
		Data: dataJson,
	}, nil
}

func NewUpdateEventMessage(title string, elements []*Element) (*Message, error) {
	dataJson, err := json.Marshal(&UpdateEvent{
		Title: title,
		Blob:  elements,
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type: MessageTypeUpdateEvent,
		Data: dataJson,
	}, nil
}
