package refs

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Generations records, per map, the lookup tags issued since the map was
// last mutated. A map value pointer is valid only while its tag is present.
type Generations struct {
	live map[int32][]int
}

// Clone returns an independent copy.
func (g Generations) Clone() Generations {
	out := Generations{live: make(map[int32][]int, len(g.live))}
	for id, tags := range g.live {
		out.live[id] = slices.Clone(tags)
	}
	return out
}

// Lookup records a lookup of mapID at the site tag.
func (g *Generations) Lookup(mapID int32, tag int) {
	if g.live == nil {
		g.live = make(map[int32][]int)
	}
	tags := g.live[mapID]
	if i, ok := slices.BinarySearch(tags, tag); !ok {
		g.live[mapID] = slices.Insert(tags, i, tag)
	}
}

// Invalidate clears the generation of mapID.
func (g *Generations) Invalidate(mapID int32) {
	delete(g.live, mapID)
}

// Valid reports whether pointers tagged with tag for mapID are still usable.
func (g Generations) Valid(mapID int32, tag int) bool {
	_, ok := slices.BinarySearch(g.live[mapID], tag)
	return ok
}

// Join keeps the tags live on both incoming paths.
func (g Generations) Join(o Generations) Generations {
	out := Generations{live: make(map[int32][]int)}
	for id, tags := range g.live {
		other, ok := o.live[id]
		if !ok {
			continue
		}
		var both []int
		for _, tag := range tags {
			if _, ok := slices.BinarySearch(other, tag); ok {
				both = append(both, tag)
			}
		}
		if len(both) > 0 {
			out.live[id] = both
		}
	}
	return out
}

// Equal reports whether both hold the same tags.
func (g Generations) Equal(o Generations) bool {
	if len(g.live) != len(o.live) {
		return false
	}
	for id, tags := range g.live {
		if !slices.Equal(tags, o.live[id]) {
			return false
		}
	}
	return true
}

func (g Generations) String() string {
	ids := maps.Keys(g.live)
	slices.Sort(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("map%d:%v", id, g.live[id]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
