package relay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"

	"golang.org/x/exp/maps"

	"github.com/shivamd20/liva-sub001/collab"
)

// reference board relay. holds board state in memory, mints one session
// identity per connection, assigns the authoritative version on every
// accepted write, and fans document and presence messages out per room.
// every message is fanned out to all sessions of the room, the sender
// included: the client treats its own update broadcast coming back as the
// implicit ack, and discards its own ephemeral echoes by session identity

const SessionSendBufferSize = 32

type RelaySettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	// number of accepted writes retained per board for revert
	HistoryLimit int
	// empty disables board token checks
	BoardJwtSecret []byte
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  30 * time.Second,
		PingTimeout:  10 * time.Second,
		HistoryLimit: 64,
	}
}

type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RelaySettings

	mutex sync.Mutex
	rooms map[collab.Id]*room
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Relay{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		rooms:    map[collab.Id]*room{},
	}
}

func (self *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/board/{documentId}", self.serveWs)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok\n")
	})
	return router
}

// places a document into the relay store. if the room has live sessions,
// they see a `create` broadcast
func (self *Relay) SeedDocument(document *collab.Document) {
	room := self.openRoom(document.DocumentId)
	room.seed(document)
}

// restores the content of a prior accepted write as a normal forward-version
// write, broadcast as `revert`. the version still moves forward
func (self *Relay) Revert(documentId collab.Id, toVersion collab.Version) error {
	self.mutex.Lock()
	room, ok := self.rooms[documentId]
	self.mutex.Unlock()
	if !ok {
		return fmt.Errorf("no such board %s", documentId)
	}
	return room.revert(toVersion)
}

// number of live sessions on a board
func (self *Relay) SessionCount(documentId collab.Id) int {
	self.mutex.Lock()
	room, ok := self.rooms[documentId]
	self.mutex.Unlock()
	if !ok {
		return 0
	}
	room.mutex.Lock()
	defer room.mutex.Unlock()
	return len(room.sessions)
}

// kicks every session on a board. clients with live subscribers reconnect
// after their fixed delay
func (self *Relay) DisconnectSessions(documentId collab.Id) {
	self.mutex.Lock()
	room, ok := self.rooms[documentId]
	self.mutex.Unlock()
	if !ok {
		return
	}
	room.mutex.Lock()
	sessions := maps.Values(room.sessions)
	room.mutex.Unlock()
	for _, session := range sessions {
		session.close()
	}
}

func (self *Relay) Document(documentId collab.Id) (*collab.Document, bool) {
	self.mutex.Lock()
	room, ok := self.rooms[documentId]
	self.mutex.Unlock()
	if !ok {
		return nil, false
	}
	return room.snapshot()
}

func (self *Relay) Close() {
	self.cancel()
}

func (self *Relay) openRoom(documentId collab.Id) *room {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if room, ok := self.rooms[documentId]; ok {
		return room
	}
	room := newRoom(self, documentId)
	self.rooms[documentId] = room
	return room
}

func (self *Relay) serveWs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	documentId, err := collab.ParseId(vars["documentId"])
	if err != nil {
		http.Error(w, "bad board id", http.StatusBadRequest)
		return
	}

	if 0 < len(self.settings.BoardJwtSecret) {
		if err := self.checkBoardJwt(r, documentId); err != nil {
			glog.Infof("[relay]%s auth error = %s\n", documentId, err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	upgrader := &websocket.Upgrader{
		// the board token is the access control, not the origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]%s upgrade error = %s\n", documentId, err)
		return
	}

	room := self.openRoom(documentId)
	session := newSession(self.ctx, collab.NewId(), ws, self.settings)
	room.join(session)

	glog.V(1).Infof("[relay]%s join %s\n", documentId, session.sessionId)

	go session.writePump()
	session.readPump(room)

	room.leave(session)
	session.close()
	glog.V(1).Infof("[relay]%s leave %s\n", documentId, session.sessionId)
}

func (self *Relay) checkBoardJwt(r *http.Request, documentId collab.Id) error {
	byJwt := r.URL.Query().Get("token")
	if byJwt == "" {
		auth := r.Header.Get("Authorization")
		byJwt = strings.TrimPrefix(auth, "Bearer ")
	}
	if byJwt == "" {
		return fmt.Errorf("missing board token")
	}

	token, err := gojwt.Parse(byJwt, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return self.settings.BoardJwtSecret, nil
	})
	if err != nil {
		return err
	}
	claims := token.Claims.(gojwt.MapClaims)
	boardIdStr, _ := claims["board_id"].(string)
	boardId, err := collab.ParseId(boardIdStr)
	if err != nil {
		return fmt.Errorf("bad board_id claim")
	}
	if boardId != documentId {
		return fmt.Errorf("token is for another board")
	}
	return nil
}

// signs a board access token for `documentId`
func SignBoardJwt(secret []byte, documentId collab.Id, userId collab.Id, userName string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"board_id":  documentId.String(),
		"user_id":   userId.String(),
		"user_name": userName,
	})
	return token.SignedString(secret)
}

type room struct {
	relay      *Relay
	documentId collab.Id

	mutex    sync.Mutex
	document *collab.Document
	history  []*collab.Document
	sessions map[collab.Id]*session
	presence map[collab.Id]*collab.EphemeralData
}

func newRoom(relay *Relay, documentId collab.Id) *room {
	return &room{
		relay:      relay,
		documentId: documentId,
		history:    []*collab.Document{},
		sessions:   map[collab.Id]*session{},
		presence:   map[collab.Id]*collab.EphemeralData{},
	}
}

func (self *room) seed(document *collab.Document) {
	self.mutex.Lock()
	self.document = document.Copy()
	self.appendHistory(self.document)
	sessions := maps.Values(self.sessions)
	self.mutex.Unlock()

	message, err := collab.NewDocumentStateMessage(collab.MessageTypeCreate, document)
	if err != nil {
		glog.Infof("[room]%s seed encode error = %s\n", self.documentId, err)
		return
	}
	for _, session := range sessions {
		session.send(message)
	}
}

func (self *room) snapshot() (*collab.Document, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.document == nil {
		return nil, false
	}
	return self.document.Copy(), true
}

func (self *room) join(joining *session) {
	self.mutex.Lock()
	if self.document == nil {
		// first contact creates an empty board
		self.document = &collab.Document{
			DocumentId: self.documentId,
			Elements:   []*collab.Element{},
			UpdatedAt:  time.Now(),
		}
		self.appendHistory(self.document)
	}
	self.sessions[joining.sessionId] = joining
	document := self.document.Copy()
	presence := map[collab.Id]*collab.EphemeralData{}
	for _, senderId := range maps.Keys(self.presence) {
		presence[senderId] = self.presence[senderId]
	}
	self.mutex.Unlock()

	initial, err := collab.NewInitialMessage(joining.sessionId, document)
	if err != nil {
		glog.Infof("[room]%s initial encode error = %s\n", self.documentId, err)
		return
	}
	joining.send(initial)

	state, err := collab.NewEphemeralStateMessage(presence)
	if err != nil {
		glog.Infof("[room]%s state encode error = %s\n", self.documentId, err)
		return
	}
	joining.send(state)
}

func (self *room) leave(leaving *session) {
	self.mutex.Lock()
	delete(self.sessions, leaving.sessionId)
	_, hadPresence := self.presence[leaving.sessionId]
	delete(self.presence, leaving.sessionId)
	others := maps.Values(self.sessions)
	self.mutex.Unlock()

	if !hadPresence {
		return
	}
	// a null payload removes the presence entry on every peer
	message, err := collab.NewEphemeralMessage(leaving.sessionId, nil)
	if err != nil {
		return
	}
	for _, other := range others {
		other.send(message)
	}
}

// an accepted write. the relay is the single source of truth for the
// authoritative post-write version
func (self *room) applyUpdateEvent(from *session, updateEvent *collab.UpdateEvent) {
	self.mutex.Lock()
	next := &collab.Document{
		DocumentId: self.documentId,
		Title:      updateEvent.Title,
		Elements:   collab.CopyElements(updateEvent.Blob),
		Version:    self.document.Version + 1,
		OwnerId:    self.document.OwnerId,
		Public:     self.document.Public,
		UpdatedAt:  time.Now(),
	}
	self.document = next
	self.appendHistory(next)
	sessions := maps.Values(self.sessions)
	document := next.Copy()
	self.mutex.Unlock()

	glog.V(1).Infof("[room]%s update v%d by %s\n", self.documentId, document.Version, from.sessionId)

	message, err := collab.NewDocumentStateMessage(collab.MessageTypeUpdate, document)
	if err != nil {
		glog.Infof("[room]%s update encode error = %s\n", self.documentId, err)
		return
	}
	// including the sender: the echo is the sender's implicit ack
	for _, session := range sessions {
		session.send(message)
	}
}

func (self *room) applyEphemeral(from *session, data *collab.EphemeralData) {
	self.mutex.Lock()
	if data == nil {
		delete(self.presence, from.sessionId)
	} else {
		self.presence[from.sessionId] = data
	}
	sessions := maps.Values(self.sessions)
	self.mutex.Unlock()

	message, err := collab.NewEphemeralMessage(from.sessionId, data)
	if err != nil {
		glog.Infof("[room]%s ephemeral encode error = %s\n", self.documentId, err)
		return
	}
	// stamped with the sender session and fanned out to everyone.
	// the sender discards its own echo by session identity
	for _, session := range sessions {
		session.send(message)
	}
}

func (self *room) revert(toVersion collab.Version) error {
	self.mutex.Lock()
	var restored *collab.Document
	for _, prior := range self.history {
		if prior.Version == toVersion {
			restored = prior
			break
		}
	}
	if restored == nil {
		self.mutex.Unlock()
		return fmt.Errorf("version %d not retained for board %s", toVersion, self.documentId)
	}
	next := restored.Copy()
	next.Version = self.document.Version + 1
	next.UpdatedAt = time.Now()
	self.document = next
	self.appendHistory(next)
	sessions := maps.Values(self.sessions)
	document := next.Copy()
	self.mutex.Unlock()

	message, err := collab.NewDocumentStateMessage(collab.MessageTypeRevert, document)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		session.send(message)
	}
	return nil
}

// caller holds the mutex
func (self *room) appendHistory(document *collab.Document) {
	self.history = append(self.history, document)
	if limit := self.relay.settings.HistoryLimit; 0 < limit && limit < len(self.history) {
		self.history = self.history[len(self.history)-limit:]
	}
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId collab.Id
	ws        *websocket.Conn

	sendChan chan []byte

	settings *RelaySettings
}

func newSession(ctx context.Context, sessionId collab.Id, ws *websocket.Conn, settings *RelaySettings) *session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &session{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: sessionId,
		ws:        ws,
		sendChan:  make(chan []byte, SessionSendBufferSize),
		settings:  settings,
	}
}

func (self *session) send(message *collab.Message) {
	messageBytes, err := collab.EncodeMessage(message)
	if err != nil {
		glog.Infof("[rs]%s encode error = %s\n", self.sessionId, err)
		return
	}
	select {
	case <-self.ctx.Done():
	case self.sendChan <- messageBytes:
	default:
		// a slow session drops messages rather than stalling the room
		glog.Infof("[rs]drop %s->\n", self.sessionId)
	}
}

func (self *session) writePump() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case messageBytes, ok := <-self.sendChan:
			if !ok {
				return
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
				return
			}
		case <-time.After(self.settings.PingTimeout):
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := self.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (self *session) readPump(room *room) {
	defer self.cancel()

	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	self.ws.SetPingHandler(func(appData string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		deadline := time.Now().Add(self.settings.WriteTimeout)
		return self.ws.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
			return
		}

		message, err := collab.DecodeMessage(messageBytes)
		if err != nil {
			// logged and dropped, the connection stays open
			glog.Infof("[rs]drop %s<- = %s\n", self.sessionId, err)
			continue
		}

		switch message.Type {
		case collab.MessageTypeUpdateEvent:
			updateEvent, err := message.UpdateEvent()
			if err != nil {
				glog.Infof("[rs]drop %s<- update_event = %s\n", self.sessionId, err)
				continue
			}
			room.applyUpdateEvent(self, updateEvent)
		case collab.MessageTypeEphemeral:
			data, err := message.EphemeralData()
			if err != nil {
				glog.Infof("[rs]drop %s<- ephemeral = %s\n", self.sessionId, err)
				continue
			}
			room.applyEphemeral(self, data)
		default:
			glog.Infof("[rs]drop %s<- %s\n", self.sessionId, message.Type)
		}
	}
}

func (self *session) close() {
	self.cancel()
	self.ws.Close()
}
