package collab

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"
)

// a drawable element on the board. the sync core treats the payload as opaque
// and never merges inside an element, so the canvas owns the `Data` schema.
// deleted elements stay in the list as tombstones until the canvas compacts them
type Element struct {
	ElementId Id              `json:"id"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
}

func (self *Element) Copy() *Element {
	copy_ := *self
	copy_.Data = slices.Clone(self.Data)
	return &copy_
}

// a board document. `Version` is assigned by the server on every accepted
// write and never decreases. a revert lands as a normal forward-version write
type Document struct {
	DocumentId Id         `json:"id"`
	Title      string     `json:"title"`
	Elements   []*Element `json:"elements"`
	Version    Version    `json:"version"`
	OwnerId    Id         `json:"ownerId,omitempty"`
	Public     bool       `json:"public,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt,omitempty"`
}

func (self *Document) Copy() *Document {
	copy_ := *self
	copy_.Elements = CopyElements(self.Elements)
	return &copy_
}

func CopyElements(elements []*Element) []*Element {
	out := make([]*Element, len(elements))
	for i, element := range elements {
		out[i] = element.Copy()
	}
	return out
}

// structural equality via the canonical json encoding.
// used for echo detection, where the round-tripped write must compare equal
// to the state that produced it
func ElementsEqual(a []*Element, b []*Element) bool {
	return bytes.Equal(canonicalElementsJson(a), canonicalElementsJson(b))
}

func canonicalElementsJson(elements []*Element) []byte {
	if elements == nil {
		elements = []*Element{}
	}
	elementsJson, err := json.Marshal(elements)
	if err != nil {
		// elements are plain data and always encode
		panic(err)
	}
	return elementsJson
}
