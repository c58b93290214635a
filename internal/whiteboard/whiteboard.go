// Package whiteboard keeps a room's shared drawing surface eventually
// consistent by exchanging full-state snapshots, last-writer-wins. There is
// no operation log and no merge; concurrent edits in the same instant clobber
// each other, which is acceptable for the synchronous small-group sessions
// this serves.
package whiteboard

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Object is one element on the drawing surface.
type Object struct {
	ID   string `json:"id"`
	Kind Kind   `json:"type"`

	// Path geometry; unused for shapes.
	Points [][2]float64 `json:"points,omitempty"`

	// Bounding box for shapes and text anchor for text.
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`

	Text        string  `json:"text,omitempty"`
	Color       string  `json:"color,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

type Kind string

const (
	KindPath    Kind = "path"
	KindLine    Kind = "line"
	KindRect    Kind = "rect"
	KindEllipse Kind = "ellipse"
	KindText    Kind = "text"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPath, KindLine, KindRect, KindEllipse, KindText:
		return true
	}
	return false
}

// Snapshot is the entire surface. An empty snapshot is a cleared board.
type Snapshot struct {
	Objects []Object `json:"objects"`
}

// Codec translates snapshots to and from the relay's opaque board payload.
type Codec interface {
	Encode(Snapshot) (json.RawMessage, error)
	Decode(json.RawMessage) (Snapshot, error)
}

// JSONCodec is the wire format every client in a room must agree on.
type JSONCodec struct{}

func (JSONCodec) Encode(s Snapshot) (json.RawMessage, error) {
	if s.Objects == nil {
		s.Objects = []Object{}
	}
	return json.Marshal(s)
}

func (JSONCodec) Decode(raw json.RawMessage) (Snapshot, error) {
	if len(raw) == 0 {
		return Snapshot{Objects: []Object{}}, nil
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("whiteboard: decode snapshot: %w", err)
	}
	for _, o := range s.Objects {
		if !o.Kind.Valid() {
			return Snapshot{}, fmt.Errorf("whiteboard: unknown object type %q", o.Kind)
		}
	}
	if s.Objects == nil {
		s.Objects = []Object{}
	}
	return s, nil
}

// SendFunc pushes an encoded snapshot onto the room's broadcast path.
type SendFunc func(json.RawMessage) error

// ChangeFunc observes every surface replacement, local or remote, so the
// embedder can repaint.
type ChangeFunc func(Snapshot)

// Board is one participant's view of the shared surface.
//
// OnLocalChange replaces the surface and broadcasts it. ApplyRemote replaces
// the surface without broadcasting; re-entrant OnLocalChange calls made from
// the change callback during a remote apply are suppressed too, otherwise two
// boards would bounce the same snapshot between each other forever.
type Board struct {
	codec    Codec
	send     SendFunc
	onChange ChangeFunc

	mu       sync.Mutex
	objects  []Object
	applying bool
}

func NewBoard(send SendFunc, onChange ChangeFunc) *Board {
	return &Board{
		codec:    JSONCodec{},
		send:     send,
		onChange: onChange,
	}
}

// OnLocalChange records a local mutation of the surface and broadcasts the
// resulting snapshot. Calls made while a remote snapshot is being applied are
// dropped silently.
func (b *Board) OnLocalChange(objects []Object) error {
	b.mu.Lock()
	if b.applying {
		b.mu.Unlock()
		return nil
	}
	b.objects = cloneObjects(objects)
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if b.onChange != nil {
		b.onChange(snap)
	}
	raw, err := b.codec.Encode(snap)
	if err != nil {
		return err
	}
	return b.send(raw)
}

// Clear wipes the surface and broadcasts the empty snapshot, so remote boards
// clear too.
func (b *Board) Clear() error {
	return b.OnLocalChange(nil)
}

// ApplyRemote fully replaces the surface with an incoming snapshot.
func (b *Board) ApplyRemote(raw json.RawMessage) error {
	snap, err := b.codec.Decode(raw)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.objects = cloneObjects(snap.Objects)
	b.applying = true
	b.mu.Unlock()

	if b.onChange != nil {
		b.onChange(snap)
	}

	b.mu.Lock()
	b.applying = false
	b.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current surface.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Board) snapshotLocked() Snapshot {
	return Snapshot{Objects: cloneObjects(b.objects)}
}

func cloneObjects(objects []Object) []Object {
	out := make([]Object, len(objects))
	copy(out, objects)
	return out
}
