// Package refs tracks acquired resource handles and map lookup generations
// along a verification path.
package refs

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// State is the lifecycle state of a handle on the current path.
type State uint8

const (
	// Allocated handles are live on every path reaching this point.
	Allocated State = iota + 1
	// Freed handles were released on every path reaching this point.
	Freed
	// Maybe handles are live on some incoming paths only.
	Maybe
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case Freed:
		return "freed"
	case Maybe:
		return "maybe-allocated"
	}
	return "absent"
}

var (
	// ErrUseAfterRelease is returned for operations on freed, maybe-live or
	// unknown handles.
	ErrUseAfterRelease = errors.New("use after release")

	// ErrLeak is returned when a handle is acquired again while still live.
	ErrLeak = errors.New("leaked reference")

	// ErrCapacity is returned when too many handles are live at once.
	ErrCapacity = errors.New("too many live references")
)

// Handle is one acquired resource. ID is the per-run index of the acquiring
// call site and Kind the acquiring helper id.
type Handle struct {
	ID            int
	Kind          int32
	State         State
	FireAndForget bool
}

func (h Handle) String() string {
	return fmt.Sprintf("#%d(%s)", h.ID, h.State)
}

// Set is the reference set of one abstract state. The zero value is empty.
// Handles are kept sorted by ID.
type Set struct {
	handles []Handle
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	return Set{handles: slices.Clone(s.handles)}
}

func (s Set) find(id int) (int, bool) {
	return slices.BinarySearchFunc(s.handles, id, func(h Handle, id int) int { return h.ID - id })
}

// Get returns the handle with the given id.
func (s Set) Get(id int) (Handle, bool) {
	if i, ok := s.find(id); ok {
		return s.handles[i], true
	}
	return Handle{}, false
}

// Retired returns the id taken over by earlier handles or lookups of id once
// their site issues a new one. Retired ids are below -1 and are never issued
// again.
func Retired(id int) int {
	if id < 0 {
		return id
	}
	return -id - 2
}

// Origin returns the site index behind a live or retired id.
func Origin(id int) int {
	if id < 0 {
		return -id - 2
	}
	return id
}

// Acquire records a new allocated handle. Acquiring at a site whose previous
// handle is still live leaks that handle. A previous handle that was freed,
// or that is fire-and-forget, moves to Retired(id) so the new handle starts
// with a fresh history.
func (s *Set) Acquire(id int, kind int32, fireAndForget bool, max int) error {
	i, ok := s.find(id)
	if ok {
		h := s.handles[i]
		if (h.State == Allocated || h.State == Maybe) && !h.FireAndForget {
			return fmt.Errorf("%w: handle %d acquired again while %v", ErrLeak, id, h.State)
		}
	}
	if max > 0 && s.Live() >= max {
		return fmt.Errorf("%w: limit %d", ErrCapacity, max)
	}
	h := Handle{ID: id, Kind: kind, State: Allocated, FireAndForget: fireAndForget}
	if !ok {
		s.handles = slices.Insert(s.handles, i, h)
		return nil
	}
	old := s.handles[i]
	s.handles[i] = h
	s.retire(old)
	return nil
}

// retire files h under its retired id, merging with handles retired before.
func (s *Set) retire(h Handle) {
	h.ID = Retired(h.ID)
	if i, ok := s.find(h.ID); ok {
		h.State = joinState(s.handles[i].State, h.State)
		s.handles[i] = h
		return
	}
	i, _ := s.find(h.ID)
	s.handles = slices.Insert(s.handles, i, h)
}

// Use checks that the handle is definitely allocated.
func (s Set) Use(id int) error {
	h, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: handle %d was never acquired on this path", ErrUseAfterRelease, id)
	}
	if h.State != Allocated {
		return fmt.Errorf("%w: handle %d is %v", ErrUseAfterRelease, id, h.State)
	}
	return nil
}

// Release frees an allocated handle.
func (s *Set) Release(id int) error {
	if err := s.Use(id); err != nil {
		return err
	}
	i, _ := s.find(id)
	s.handles[i].State = Freed
	return nil
}

// Live returns the number of handles that are allocated or maybe allocated.
func (s Set) Live() int {
	n := 0
	for _, h := range s.handles {
		if h.State == Allocated || h.State == Maybe {
			n++
		}
	}
	return n
}

// Leaked returns the live handles that must have been released, in ID order.
func (s Set) Leaked() []Handle {
	var out []Handle
	for _, h := range s.handles {
		if (h.State == Allocated || h.State == Maybe) && !h.FireAndForget {
			out = append(out, h)
		}
	}
	return out
}

// Join merges the sets of two incoming paths.
func (s Set) Join(o Set) Set {
	out := make([]Handle, 0, len(s.handles)+len(o.handles))
	i, j := 0, 0
	for i < len(s.handles) || j < len(o.handles) {
		switch {
		case j == len(o.handles) || (i < len(s.handles) && s.handles[i].ID < o.handles[j].ID):
			out = append(out, joinAbsent(s.handles[i]))
			i++
		case i == len(s.handles) || o.handles[j].ID < s.handles[i].ID:
			out = append(out, joinAbsent(o.handles[j]))
			j++
		default:
			h := s.handles[i]
			h.State = joinState(h.State, o.handles[j].State)
			out = append(out, h)
			i++
			j++
		}
	}
	return Set{handles: out}
}

func joinAbsent(h Handle) Handle {
	if h.State == Allocated {
		h.State = Maybe
	}
	return h
}

func joinState(a, b State) State {
	if a == b {
		return a
	}
	return Maybe
}

// Equal reports whether both sets hold the same handles in the same states.
func (s Set) Equal(o Set) bool {
	return slices.Equal(s.handles, o.handles)
}

// Handles returns the tracked handles in ID order.
func (s Set) Handles() []Handle {
	return slices.Clone(s.handles)
}

func (s Set) String() string {
	return fmt.Sprint(s.handles)
}
