package collab

import (
	"bytes"
	"sync"
	"time"

	"github.com/golang/glog"
)

type EditPipelineSettings struct {
	DebounceTimeout time.Duration
}

func DefaultEditPipelineSettings() *EditPipelineSettings {
	return &EditPipelineSettings{
		DebounceTimeout: 300 * time.Millisecond,
	}
}

// (title, full element list)
type SendFunction func(title string, elements []*Element)

// converts a burst of rapid local mutations into a bounded-rate stream of
// outbound writes. mutations inside one debounce window collapse into a
// single write carrying only the latest state
type editPipeline struct {
	send     SendFunction
	settings *EditPipelineSettings

	mutex           sync.Mutex
	debounce        *time.Timer
	// bumped by every update. a timer that already fired but lost the lock
	// race to a newer update must not flush that newer state early
	gen             int
	pendingTitle    string
	pendingElements []*Element
	// the canonical encoding of the last state this pipeline sent.
	// a remote update with identical content is an echo of our own write
	lastSentJson []byte
	// a local write is scheduled or sent but not yet confirmed by its echo
	pending bool
	closed  bool
}

func newEditPipeline(send SendFunction, settings *EditPipelineSettings) *editPipeline {
	return &editPipeline{
		send:     send,
		settings: settings,
	}
}

// called synchronously on every local mutation event from the canvas.
// resets the debounce window so only the final state of a burst is sent
func (self *editPipeline) update(title string, elements []*Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}

	self.pendingTitle = title
	self.pendingElements = CopyElements(elements)
	self.pending = true

	self.gen += 1
	gen := self.gen

	if self.debounce != nil {
		self.debounce.Stop()
	}
	self.debounce = time.AfterFunc(self.settings.DebounceTimeout, func() {
		self.flush(gen)
	})
}

func (self *editPipeline) flush(gen int) {
	self.mutex.Lock()
	if self.closed || gen != self.gen || self.pendingElements == nil {
		self.mutex.Unlock()
		return
	}
	title := self.pendingTitle
	elements := self.pendingElements
	self.pendingElements = nil
	self.debounce = nil
	self.lastSentJson = canonicalElementsJson(elements)
	self.mutex.Unlock()

	glog.V(1).Infof("[pipe]send n=%d\n", len(elements))
	self.send(title, elements)
}

// whether a remote element list is structurally identical to the last state
// this pipeline sent. echoes are not re-applied to the canvas
func (self *editPipeline) isEcho(elements []*Element) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.lastSentJson == nil {
		return false
	}
	return bytes.Equal(self.lastSentJson, canonicalElementsJson(elements))
}

// whether local intent is in flight, for the merge tie-break
func (self *editPipeline) hasPending() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.pending
}

// the local write round-tripped. clears the pending flag but keeps the last
// sent state for late duplicate echoes
func (self *editPipeline) confirm() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pending = false
}

// stops the debounce timer so nothing is sent after teardown
func (self *editPipeline) close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.closed = true
	if self.debounce != nil {
		self.debounce.Stop()
		self.debounce = nil
	}
	self.pendingElements = nil
	self.pending = false
}
