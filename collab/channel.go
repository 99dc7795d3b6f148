package collab

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// the logical per-document pairing of one transport connection with its
// subscriber sets. all inbound messages are applied in arrival order;
// the merge version check is the only defense against out-of-order
// delivery after a reconnect
type channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId Id

	changeCallbacks   *CallbackList[ChangeFunction]
	presenceCallbacks *CallbackList[PresenceFunction]

	transport *channelTransport
	pipeline  *editPipeline
	presence  *presenceSet

	stateMutex sync.Mutex
	// transport-assigned, valid for the lifetime of one connection.
	// used only to filter self-originated presence echoes
	sessionId *Id
	// last known good document state
	document *Document
	closed   bool
}

func newChannel(syncManager *SyncManager, documentId Id) *channel {
	cancelCtx, cancel := context.WithCancel(syncManager.ctx)
	channel := &channel{
		ctx:               cancelCtx,
		cancel:            cancel,
		documentId:        documentId,
		changeCallbacks:   NewCallbackList[ChangeFunction](),
		presenceCallbacks: NewCallbackList[PresenceFunction](),
		presence:          newPresenceSet(),
	}
	channel.transport = newChannelTransport(
		cancelCtx,
		syncManager.boardUrl(documentId),
		documentId,
		syncManager.byJwt,
		channel.receive,
		channel.handleDisconnect,
		syncManager.settings.TransportSettings,
	)
	channel.pipeline = newEditPipeline(
		func(title string, elements []*Element) {
			message, err := NewUpdateEventMessage(title, elements)
			if err != nil {
				glog.Infof("[ch]%s update encode error = %s\n", documentId, err)
				return
			}
			channel.transport.Send(message)
		},
		syncManager.settings.PipelineSettings,
	)
	return channel
}

func (self *channel) receive(message *Message) {
	switch {
	case message.IsDocumentState():
		self.receiveDocumentState(message)
	case message.Type == MessageTypeEphemeral:
		self.receiveEphemeral(message)
	case message.Type == MessageTypeEphemeralState:
		self.receiveEphemeralState(message)
	default:
		glog.Infof("[ch]drop %s<- %s\n", self.documentId, message.Type)
	}
}

func (self *channel) receiveDocumentState(message *Message) {
	remote, err := message.DocumentSnapshot()
	if err != nil {
		glog.Infof("[ch]drop %s<- %s = %s\n", self.documentId, message.Type, err)
		return
	}

	if message.Type == MessageTypeInitial && message.SessionId != nil {
		self.stateMutex.Lock()
		sessionId := *message.SessionId
		self.sessionId = &sessionId
		self.stateMutex.Unlock()
		glog.V(1).Infof("[ch]%s session %s\n", self.documentId, sessionId)
	}

	// a round trip of our own write is the implicit acknowledgment.
	// advance the version without re-applying to the canvas
	if self.pipeline.isEcho(remote.Elements) {
		self.pipeline.confirm()
		self.stateMutex.Lock()
		if self.document == nil || self.document.Version <= remote.Version {
			self.document = remote
		}
		self.stateMutex.Unlock()
		glog.V(1).Infof("[ch]%s<- echo v%d\n", self.documentId, remote.Version)
		return
	}

	self.stateMutex.Lock()
	var decision MergeDecision
	if self.document == nil {
		decision = MergeNewer
	} else {
		decision = Reconcile(self.document.Version, self.pipeline.hasPending(), remote.Version)
	}
	if decision.Apply() {
		self.document = remote
	}
	self.stateMutex.Unlock()

	glog.V(1).Infof("[ch]%s<- %s v%d %s\n", self.documentId, message.Type, remote.Version, decision)

	if !decision.Apply() {
		return
	}
	if decision == MergeNewer {
		// any local intent in flight lost to a newer write
		self.pipeline.confirm()
	}

	for _, callback := range self.changeCallbacks.Get() {
		callback(remote)
	}
}

func (self *channel) receiveEphemeral(message *Message) {
	if message.SenderId == nil {
		glog.Infof("[ch]drop %s<- ephemeral without sender\n", self.documentId)
		return
	}
	senderId := *message.SenderId

	self.stateMutex.Lock()
	echo := self.sessionId != nil && *self.sessionId == senderId
	self.stateMutex.Unlock()
	if echo {
		glog.V(2).Infof("[ch]%s<- ephemeral echo\n", self.documentId)
		return
	}

	data, err := message.EphemeralData()
	if err != nil {
		glog.Infof("[ch]drop %s<- ephemeral = %s\n", self.documentId, err)
		return
	}

	if self.presence.apply(senderId, data) {
		self.fanOutPresence()
	}
}

func (self *channel) receiveEphemeralState(message *Message) {
	state, err := message.EphemeralState()
	if err != nil {
		glog.Infof("[ch]drop %s<- ephemeral_state = %s\n", self.documentId, err)
		return
	}
	self.presence.replaceAll(state)
	self.fanOutPresence()
}

func (self *channel) fanOutPresence() {
	self.stateMutex.Lock()
	closed := self.closed
	self.stateMutex.Unlock()
	if closed {
		return
	}

	snapshot := self.presence.snapshot()
	for _, callback := range self.presenceCallbacks.Get() {
		callback(snapshot)
	}
}

// the connection dropped. the session identity is connection-scoped and the
// server replays a full `ephemeral_state` after reconnect, so local presence
// is cleared rather than left stale
func (self *channel) handleDisconnect() {
	self.stateMutex.Lock()
	self.sessionId = nil
	self.stateMutex.Unlock()

	self.presence.clear()
	self.fanOutPresence()
}

func (self *channel) currentSessionId() (Id, bool) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.sessionId == nil {
		return Id{}, false
	}
	return *self.sessionId, true
}

// latest accepted snapshot, if any state has arrived
func (self *channel) currentDocument() (*Document, bool) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.document == nil {
		return nil, false
	}
	return self.document, true
}

func (self *channel) close() {
	self.stateMutex.Lock()
	self.closed = true
	self.stateMutex.Unlock()

	self.pipeline.close()
	self.cancel()
}
