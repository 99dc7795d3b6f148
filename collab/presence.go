package collab

import (
	"sync"

	"golang.org/x/exp/maps"
)

// last-value-wins presence per sender session. no versioning, no merge.
// out-of-order deltas resolve to the last received, not the last sent

type presenceSet struct {
	mutex   sync.Mutex
	entries map[Id]*EphemeralData
}

func newPresenceSet() *presenceSet {
	return &presenceSet{
		entries: map[Id]*EphemeralData{},
	}
}

// nil data removes exactly the entry for `senderId`.
// returns whether the set changed
func (self *presenceSet) apply(senderId Id, data *EphemeralData) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if data == nil {
		if _, ok := self.entries[senderId]; !ok {
			return false
		}
		delete(self.entries, senderId)
		return true
	}
	self.entries[senderId] = data
	return true
}

// replaces the set wholesale with the server's `ephemeral_state` snapshot
func (self *presenceSet) replaceAll(state map[Id]*EphemeralData) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries = map[Id]*EphemeralData{}
	for _, senderId := range maps.Keys(state) {
		if data := state[senderId]; data != nil {
			self.entries[senderId] = data
		}
	}
}

func (self *presenceSet) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.entries = map[Id]*EphemeralData{}
}

func (self *presenceSet) snapshot() map[Id]*EphemeralData {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := map[Id]*EphemeralData{}
	for _, senderId := range maps.Keys(self.entries) {
		out[senderId] = self.entries[senderId].Copy()
	}
	return out
}
