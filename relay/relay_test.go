package relay

import (
	"context"
	"encoding/json"
	"flag"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/shivamd20/liva-sub001/collab"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const testTimeout = 5 * time.Second

func startTestRelay(t *testing.T, settings *RelaySettings) (*Relay, string) {
	ctx, cancel := context.WithCancel(context.Background())
	boardRelay := NewRelay(ctx, settings)
	server := httptest.NewServer(boardRelay.Router())
	t.Cleanup(func() {
		server.Close()
		boardRelay.Close()
		cancel()
	})
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	return boardRelay, wsUrl
}

// fast timers so reconnects and debounces settle inside the test timeout
func testManagerSettings() *collab.SyncManagerSettings {
	settings := collab.DefaultSyncManagerSettings()
	settings.TransportSettings.ReconnectTimeout = 200 * time.Millisecond
	settings.PipelineSettings.DebounceTimeout = 50 * time.Millisecond
	return settings
}

func newTestManager(t *testing.T, wsUrl string) *collab.SyncManager {
	syncManager := collab.NewSyncManager(context.Background(), wsUrl, testManagerSettings())
	t.Cleanup(syncManager.Close)
	return syncManager
}

// collects callback payloads so tests can await and inspect them
type collector[T any] struct {
	mutex  sync.Mutex
	values []T
	c      chan T
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{
		c: make(chan T, 64),
	}
}

func (self *collector[T]) collect(value T) {
	self.mutex.Lock()
	self.values = append(self.values, value)
	self.mutex.Unlock()
	self.c <- value
}

func (self *collector[T]) await(t *testing.T, accept func(T) bool) T {
	for {
		select {
		case value := <-self.c:
			if accept(value) {
				return value
			}
		case <-time.After(testTimeout):
			t.Fatal("timeout waiting for value")
			panic("unreachable")
		}
	}
}

func (self *collector[T]) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.values)
}

func textElement(text string) *collab.Element {
	data, _ := json.Marshal(map[string]string{"text": text})
	return &collab.Element{
		ElementId: collab.NewId(),
		Kind:      "text",
		Data:      data,
	}
}

func awaitSessionCount(t *testing.T, boardRelay *Relay, documentId collab.Id, count int) {
	deadline := time.Now().Add(testTimeout)
	for boardRelay.SessionCount(documentId) != count {
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for %d sessions, have %d", count, boardRelay.SessionCount(documentId))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInitialSnapshotOnSubscribe(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())

	boardId := collab.NewId()
	boardRelay.SeedDocument(&collab.Document{
		DocumentId: boardId,
		Title:      "seeded",
		Elements:   []*collab.Element{textElement("hello")},
		Version:    5,
	})

	syncManager := newTestManager(t, wsUrl)

	documents := newCollector[*collab.Document]()
	unsub := syncManager.SubscribeToChanges(boardId, documents.collect)
	defer unsub()

	document := documents.await(t, func(d *collab.Document) bool { return true })
	assert.Equal(t, document.Title, "seeded")
	assert.Equal(t, document.Version, collab.Version(5))
	assert.Equal(t, len(document.Elements), 1)

	sessionId, ok := syncManager.SessionId(boardId)
	assert.Equal(t, ok, true)
	assert.NotEqual(t, sessionId, collab.Id{})
}

func TestUpdateFanOutAndEchoSuppression(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	alice := newTestManager(t, wsUrl)
	bob := newTestManager(t, wsUrl)

	aliceDocuments := newCollector[*collab.Document]()
	unsubAlice := alice.SubscribeToChanges(boardId, aliceDocuments.collect)
	defer unsubAlice()

	bobDocuments := newCollector[*collab.Document]()
	unsubBob := bob.SubscribeToChanges(boardId, bobDocuments.collect)
	defer unsubBob()

	// both get the empty initial snapshot
	aliceDocuments.await(t, func(d *collab.Document) bool { return d.Version == 0 })
	bobDocuments.await(t, func(d *collab.Document) bool { return d.Version == 0 })

	elements := []*collab.Element{textElement("from alice")}
	alice.UpdateViaWs(&collab.Document{
		DocumentId: boardId,
		Title:      "alice's board",
		Elements:   elements,
	})

	// bob merges the accepted write
	document := bobDocuments.await(t, func(d *collab.Document) bool { return d.Version == 1 })
	assert.Equal(t, document.Title, "alice's board")
	assert.Equal(t, collab.ElementsEqual(document.Elements, elements), true)

	// the echo of alice's own write is the implicit ack and is not re-applied
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, aliceDocuments.count(), 1)

	// the relay holds the authoritative version
	stored, ok := boardRelay.Document(boardId)
	assert.Equal(t, ok, true)
	assert.Equal(t, stored.Version, collab.Version(1))
}

func TestDebouncedBurstSendsOnlyLastState(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	alice := newTestManager(t, wsUrl)
	bob := newTestManager(t, wsUrl)

	unsubAlice := alice.SubscribeToChanges(boardId, func(*collab.Document) {})
	defer unsubAlice()

	bobDocuments := newCollector[*collab.Document]()
	unsubBob := bob.SubscribeToChanges(boardId, bobDocuments.collect)
	defer unsubBob()

	bobDocuments.await(t, func(d *collab.Document) bool { return d.Version == 0 })

	last := []*collab.Element{textElement("three")}
	for _, elements := range [][]*collab.Element{
		{textElement("one")},
		{textElement("two")},
		last,
	} {
		alice.UpdateViaWs(&collab.Document{
			DocumentId: boardId,
			Title:      "burst",
			Elements:   elements,
		})
	}

	// the burst collapses into a single accepted write carrying the last state
	document := bobDocuments.await(t, func(d *collab.Document) bool { return 0 < d.Version })
	assert.Equal(t, document.Version, collab.Version(1))
	assert.Equal(t, collab.ElementsEqual(document.Elements, last), true)

	stored, _ := boardRelay.Document(boardId)
	assert.Equal(t, stored.Version, collab.Version(1))
}

func TestPresenceFanOutAndEchoSuppression(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	alice := newTestManager(t, wsUrl)
	bob := newTestManager(t, wsUrl)

	alicePresence := newCollector[map[collab.Id]*collab.EphemeralData]()
	unsubAlice := alice.SubscribeToEphemeral(boardId, alicePresence.collect)
	defer unsubAlice()

	bobPresence := newCollector[map[collab.Id]*collab.EphemeralData]()
	unsubBob := bob.SubscribeToEphemeral(boardId, bobPresence.collect)
	defer unsubBob()

	awaitSessionCount(t, boardRelay, boardId, 2)

	alice.SendEphemeral(boardId, &collab.EphemeralData{
		Type: collab.EphemeralDataTypePointer,
		Payload: &collab.PresencePayload{
			Pointer:  &collab.Pointer{X: 10, Y: 20},
			Username: "alice",
		},
	})

	// bob sees alice's cursor
	snapshot := bobPresence.await(t, func(p map[collab.Id]*collab.EphemeralData) bool { return len(p) == 1 })
	for _, data := range snapshot {
		assert.Equal(t, data.Payload.Username, "alice")
		assert.Equal(t, data.Payload.Pointer.X, float64(10))
	}

	// alice's own echo comes back stamped with her session and is discarded
	time.Sleep(300 * time.Millisecond)
	alicePresence.mutex.Lock()
	for _, p := range alicePresence.values {
		assert.Equal(t, len(p), 0)
	}
	alicePresence.mutex.Unlock()
}

func TestPresenceRemovedOnPeerDisconnect(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	alice := newTestManager(t, wsUrl)
	bob := newTestManager(t, wsUrl)

	bobPresence := newCollector[map[collab.Id]*collab.EphemeralData]()
	unsubBob := bob.SubscribeToEphemeral(boardId, bobPresence.collect)
	defer unsubBob()

	unsubAlice := alice.SubscribeToEphemeral(boardId, func(map[collab.Id]*collab.EphemeralData) {})
	awaitSessionCount(t, boardRelay, boardId, 2)

	alice.SendEphemeral(boardId, &collab.EphemeralData{
		Type:    collab.EphemeralDataTypePointer,
		Payload: &collab.PresencePayload{Username: "alice"},
	})
	bobPresence.await(t, func(p map[collab.Id]*collab.EphemeralData) bool { return len(p) == 1 })

	// alice's last unsubscribe closes her transport. the relay broadcasts a
	// null payload for her session which removes exactly her entry
	unsubAlice()
	bobPresence.await(t, func(p map[collab.Id]*collab.EphemeralData) bool { return len(p) == 0 })
}

func TestLastUnsubscribeClosesTransport(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	syncManager := newTestManager(t, wsUrl)

	unsubChanges := syncManager.SubscribeToChanges(boardId, func(*collab.Document) {})
	unsubEphemeral := syncManager.SubscribeToEphemeral(boardId, func(map[collab.Id]*collab.EphemeralData) {})

	awaitSessionCount(t, boardRelay, boardId, 1)
	assert.Equal(t, syncManager.OpenChannelCount(), 1)

	// one kind left, the shared connection stays
	unsubChanges()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, boardRelay.SessionCount(boardId), 1)
	assert.Equal(t, syncManager.OpenChannelCount(), 1)

	notify := syncManager.ChannelUpdateMonitor().NotifyChannel()
	unsubEphemeral()
	select {
	case <-notify:
	case <-time.After(testTimeout):
		t.Fatal("channel never closed")
	}
	assert.Equal(t, syncManager.OpenChannelCount(), 0)

	awaitSessionCount(t, boardRelay, boardId, 0)

	// no reconnect is ever scheduled with zero subscribers
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, boardRelay.SessionCount(boardId), 0)
}

func TestStaleUnsubscribeKeepsReplacementChannel(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	syncManager := newTestManager(t, wsUrl)

	unsubFirst := syncManager.SubscribeToChanges(boardId, func(*collab.Document) {})
	awaitSessionCount(t, boardRelay, boardId, 1)
	unsubFirst()
	awaitSessionCount(t, boardRelay, boardId, 0)

	documents := newCollector[*collab.Document]()
	unsubSecond := syncManager.SubscribeToChanges(boardId, documents.collect)
	defer unsubSecond()
	awaitSessionCount(t, boardRelay, boardId, 1)
	documents.await(t, func(d *collab.Document) bool { return true })

	// the unsubscribe closure is idempotent. calling it again after a fresh
	// subscriber opened a replacement channel must not evict the replacement
	unsubFirst()
	assert.Equal(t, syncManager.OpenChannelCount(), 1)

	// a further subscribe reuses the replacement instead of opening a
	// second connection for the same document
	unsubThird := syncManager.SubscribeToChanges(boardId, func(*collab.Document) {})
	defer unsubThird()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, syncManager.OpenChannelCount(), 1)
	assert.Equal(t, boardRelay.SessionCount(boardId), 1)
}

func TestReconnectRepopulatesPresence(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	alice := newTestManager(t, wsUrl)
	bob := newTestManager(t, wsUrl)

	alicePresence := newCollector[map[collab.Id]*collab.EphemeralData]()
	unsubAlice := alice.SubscribeToEphemeral(boardId, alicePresence.collect)
	defer unsubAlice()

	unsubBob := bob.SubscribeToEphemeral(boardId, func(map[collab.Id]*collab.EphemeralData) {})
	defer unsubBob()

	awaitSessionCount(t, boardRelay, boardId, 2)
	sessionBefore, ok := alice.SessionId(boardId)
	assert.Equal(t, ok, true)

	sendBobPresence := func(x float64) {
		bob.SendEphemeral(boardId, &collab.EphemeralData{
			Type: collab.EphemeralDataTypePointer,
			Payload: &collab.PresencePayload{
				Pointer:  &collab.Pointer{X: x},
				Username: "bob",
			},
		})
	}

	sendBobPresence(1)
	alicePresence.await(t, func(p map[collab.Id]*collab.EphemeralData) bool { return len(p) == 1 })

	// kick everyone. both sides reconnect within the fixed delay and get a
	// fresh session identity plus a wholesale ephemeral_state
	boardRelay.DisconnectSessions(boardId)
	awaitSessionCount(t, boardRelay, boardId, 2)

	deadline := time.Now().Add(testTimeout)
	for {
		sessionAfter, ok := alice.SessionId(boardId)
		if ok && sessionAfter != sessionBefore {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatal("alice never got a fresh session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// bob's cursor reappears with exactly one entry. the stale entry for his
	// previous session identity cannot survive the wholesale replacement
	sendBobPresence(2)
	sendBobPresence(3)
	snapshot := alicePresence.await(t, func(p map[collab.Id]*collab.EphemeralData) bool {
		for _, data := range p {
			if data.Payload != nil && data.Payload.Pointer != nil && data.Payload.Pointer.X == 3 {
				return true
			}
		}
		return false
	})
	assert.Equal(t, len(snapshot), 1)
}

func TestReconnectWaitsFullDelayAfterDrop(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	syncManager := newTestManager(t, wsUrl)
	unsub := syncManager.SubscribeToChanges(boardId, func(*collab.Document) {})
	defer unsub()
	awaitSessionCount(t, boardRelay, boardId, 1)

	// let the connection outlive the reconnect delay before dropping it
	time.Sleep(300 * time.Millisecond)
	boardRelay.DisconnectSessions(boardId)

	// the delay restarts on the drop, so no redial lands inside it
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, boardRelay.SessionCount(boardId), 0)

	awaitSessionCount(t, boardRelay, boardId, 1)
}

func TestStaleSnapshotDiscardedAfterNewer(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	// seed at a high version. the initial snapshot lands at 10
	boardRelay.SeedDocument(&collab.Document{
		DocumentId: boardId,
		Title:      "late",
		Elements:   []*collab.Element{textElement("new")},
		Version:    10,
	})

	syncManager := newTestManager(t, wsUrl)
	documents := newCollector[*collab.Document]()
	unsub := syncManager.SubscribeToChanges(boardId, documents.collect)
	defer unsub()

	documents.await(t, func(d *collab.Document) bool { return d.Version == 10 })

	// a seed at a lower version broadcasts a stale `create` snapshot,
	// which the merge engine silently discards
	boardRelay.SeedDocument(&collab.Document{
		DocumentId: boardId,
		Title:      "stale",
		Elements:   []*collab.Element{textElement("old")},
		Version:    3,
	})

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, documents.count(), 1)
}

func TestRevertLandsAsForwardWrite(t *testing.T) {
	boardRelay, wsUrl := startTestRelay(t, DefaultRelaySettings())
	boardId := collab.NewId()

	alice := newTestManager(t, wsUrl)
	bob := newTestManager(t, wsUrl)

	unsubAlice := alice.SubscribeToChanges(boardId, func(*collab.Document) {})
	defer unsubAlice()

	bobDocuments := newCollector[*collab.Document]()
	unsubBob := bob.SubscribeToChanges(boardId, bobDocuments.collect)
	defer unsubBob()
	bobDocuments.await(t, func(d *collab.Document) bool { return d.Version == 0 })

	one := []*collab.Element{textElement("one")}
	alice.UpdateViaWs(&collab.Document{DocumentId: boardId, Title: "b", Elements: one})
	bobDocuments.await(t, func(d *collab.Document) bool { return d.Version == 1 })

	two := []*collab.Element{textElement("two")}
	alice.UpdateViaWs(&collab.Document{DocumentId: boardId, Title: "b", Elements: two})
	bobDocuments.await(t, func(d *collab.Document) bool { return d.Version == 2 })

	// the revert restores v1 content but the version still moves forward
	err := boardRelay.Revert(boardId, 1)
	assert.Equal(t, err, nil)

	document := bobDocuments.await(t, func(d *collab.Document) bool { return d.Version == 3 })
	assert.Equal(t, collab.ElementsEqual(document.Elements, one), true)
}

func TestBoardJwtCheck(t *testing.T) {
	secret := []byte("test-relay-secret")
	settings := DefaultRelaySettings()
	settings.BoardJwtSecret = secret

	boardRelay, wsUrl := startTestRelay(t, settings)
	boardId := collab.NewId()

	// without a token the upgrade is rejected and nothing connects
	anonymous := newTestManager(t, wsUrl)
	unsubAnonymous := anonymous.SubscribeToChanges(boardId, func(*collab.Document) {})
	defer unsubAnonymous()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, boardRelay.SessionCount(boardId), 0)

	userId := collab.NewId()
	byJwt, err := SignBoardJwt(secret, boardId, userId, "alice")
	assert.Equal(t, err, nil)

	// the client reads its own claims without verifying
	claims, err := collab.ParseByBoardJwtUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.BoardId, boardId)
	assert.Equal(t, claims.UserId, userId)
	assert.Equal(t, claims.UserName, "alice")

	authorized := collab.NewSyncManager(context.Background(), wsUrl, testManagerSettings())
	t.Cleanup(authorized.Close)
	authorized.SetByJwt(byJwt)

	documents := newCollector[*collab.Document]()
	unsub := authorized.SubscribeToChanges(boardId, documents.collect)
	defer unsub()

	documents.await(t, func(d *collab.Document) bool { return true })
	awaitSessionCount(t, boardRelay, boardId, 1)

	// a token for another board is refused
	otherJwt, err := SignBoardJwt(secret, collab.NewId(), userId, "alice")
	assert.Equal(t, err, nil)
	wrongBoard := collab.NewSyncManager(context.Background(), wsUrl, testManagerSettings())
	t.Cleanup(wrongBoard.Close)
	wrongBoard.SetByJwt(otherJwt)
	unsubWrong := wrongBoard.SubscribeToChanges(boardId, func(*collab.Document) {})
	defer unsubWrong()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, boardRelay.SessionCount(boardId), 1)
}
