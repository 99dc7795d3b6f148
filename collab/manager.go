package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// (latest accepted document snapshot)
type ChangeFunction func(document *Document)

// (full presence set after each change, keyed by sender session)
type PresenceFunction func(presence map[Id]*EphemeralData)

type SyncManagerSettings struct {
	TransportSettings *ChannelTransportSettings
	PipelineSettings  *EditPipelineSettings
}

func DefaultSyncManagerSettings() *SyncManagerSettings {
	return &SyncManagerSettings{
		TransportSettings: DefaultChannelTransportSettings(),
		PipelineSettings:  DefaultEditPipelineSettings(),
	}
}

// owns one channel per open document: the pairing of one live transport with
// the document-change and presence subscriber sets. channels are created
// lazily on first subscribe and torn down when both subscriber sets empty.
// the manager is an explicit constructed object with init/dispose lifecycle,
// owned by the application root
type SyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	byJwt       string

	settings *SyncManagerSettings

	channelUpdate *Monitor

	mutex    sync.Mutex
	channels map[Id]*channel
}

func NewSyncManagerWithDefaults(ctx context.Context, platformUrl string) *SyncManager {
	return NewSyncManager(ctx, platformUrl, DefaultSyncManagerSettings())
}

func NewSyncManager(ctx context.Context, platformUrl string, settings *SyncManagerSettings) *SyncManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncManager{
		ctx:           cancelCtx,
		cancel:        cancel,
		platformUrl:   platformUrl,
		settings:      settings,
		channelUpdate: NewMonitor(),
		channels:      map[Id]*channel{},
	}
}

// this gets attached to board connections that need it
func (self *SyncManager) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

// registers a document-change callback, opening a connection if none exists.
// the returned unsubscribe is idempotent
func (self *SyncManager) SubscribeToChanges(documentId Id, callback ChangeFunction) func() {
	self.mutex.Lock()
	channel := self.openChannelLocked(documentId)
	callbackId := channel.changeCallbacks.Add(callback)
	self.mutex.Unlock()
	return func() {
		channel.changeCallbacks.Remove(callbackId)
		self.closeChannelIfIdle(channel)
	}
}

// same lifecycle as `SubscribeToChanges` but for presence.
// the connection is shared between the two kinds
func (self *SyncManager) SubscribeToEphemeral(documentId Id, callback PresenceFunction) func() {
	self.mutex.Lock()
	channel := self.openChannelLocked(documentId)
	callbackId := channel.presenceCallbacks.Add(callback)
	self.mutex.Unlock()
	return func() {
		channel.presenceCallbacks.Remove(callbackId)
		self.closeChannelIfIdle(channel)
	}
}

// feeds a local mutation into the debounced edit pipeline.
// the server assigns the authoritative post-write version
func (self *SyncManager) UpdateViaWs(document *Document) {
	self.mutex.Lock()
	channel, ok := self.channels[document.DocumentId]
	self.mutex.Unlock()
	if !ok {
		// writes only flow on an open channel
		glog.Infof("[sm]drop update %s no channel\n", document.DocumentId)
		return
	}
	channel.pipeline.update(document.Title, document.Elements)
}

// broadcasts ephemeral presence data. nil data is the disconnect signal.
// bypasses the merge engine entirely
func (self *SyncManager) SendEphemeral(documentId Id, data *EphemeralData) {
	self.mutex.Lock()
	channel, ok := self.channels[documentId]
	self.mutex.Unlock()
	if !ok {
		glog.Infof("[sm]drop ephemeral %s no channel\n", documentId)
		return
	}
	// the server stamps the sender session id on fan-out
	message := &Message{
		Type: MessageTypeEphemeral,
	}
	if data != nil {
		dataJson, err := json.Marshal(data)
		if err != nil {
			glog.Infof("[sm]ephemeral encode error = %s\n", err)
			return
		}
		message.Data = dataJson
	}
	channel.transport.Send(message)
}

// latest accepted snapshot for an open channel, if any state has arrived.
// echoes of one's own writes advance this without a change callback
func (self *SyncManager) Document(documentId Id) (*Document, bool) {
	self.mutex.Lock()
	channel, ok := self.channels[documentId]
	self.mutex.Unlock()
	if !ok {
		return nil, false
	}
	return channel.currentDocument()
}

// the session identity assigned on the current connection, if connected
func (self *SyncManager) SessionId(documentId Id) (Id, bool) {
	self.mutex.Lock()
	channel, ok := self.channels[documentId]
	self.mutex.Unlock()
	if !ok {
		return Id{}, false
	}
	return channel.currentSessionId()
}

// tears down every channel. pending reconnects are canceled
func (self *SyncManager) Close() {
	self.cancel()

	self.mutex.Lock()
	channels := maps.Values(self.channels)
	self.channels = map[Id]*channel{}
	self.mutex.Unlock()

	for _, channel := range channels {
		channel.close()
	}
	self.channelUpdate.NotifyAll()
}

// notified whenever a channel opens or closes.
// callers poll `OpenChannelCount` and wait on the monitor to observe teardown
func (self *SyncManager) ChannelUpdateMonitor() *Monitor {
	return self.channelUpdate
}

func (self *SyncManager) OpenChannelCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.channels)
}

// caller holds the mutex.
// connect guard: reuse an existing connection before opening a new one
func (self *SyncManager) openChannelLocked(documentId Id) *channel {
	if channel, ok := self.channels[documentId]; ok {
		return channel
	}
	channel := newChannel(self, documentId)
	self.channels[documentId] = channel
	self.channelUpdate.NotifyAll()
	return channel
}

func (self *SyncManager) closeChannelIfIdle(channel *channel) {
	self.mutex.Lock()
	if self.channels[channel.documentId] != channel {
		// a stale unsubscribe. the slot holds a replacement channel
		self.mutex.Unlock()
		return
	}
	if 0 < channel.changeCallbacks.Len() || 0 < channel.presenceCallbacks.Len() {
		self.mutex.Unlock()
		return
	}
	delete(self.channels, channel.documentId)
	self.mutex.Unlock()

	channel.close()
	self.channelUpdate.NotifyAll()
}

func (self *SyncManager) boardUrl(documentId Id) string {
	return fmt.Sprintf("%s/board/%s", self.platformUrl, documentId)
}
