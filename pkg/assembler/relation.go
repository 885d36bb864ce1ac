package assembler

import (
	"fmt"

	"github.com/paulmach/osm"

	"github.com/1F47E/pbf-geo-index/pkg/pbf"
)

// MaxRelationDepth bounds how deep nested relation members are followed.
const MaxRelationDepth = 16

type role uint8

const (
	roleOuter role = iota
	roleInner
)

// parseRole maps a member role to outer/inner. Other roles do not
// contribute geometry.
func parseRole(s string) (role, bool) {
	switch s {
	case "", "outer":
		return roleOuter, true
	case "inner":
		return roleInner, true
	}
	return 0, false
}

type member struct {
	typ  osm.Type
	ref  int64
	role role
}

// relationEntry is one relation of the arena. Only members that carry
// geometry are kept.
type relationEntry struct {
	id      osm.RelationID
	ref     string
	members []member
}

// arena holds every relation of the extract addressed by slot index.
type arena struct {
	entries []relationEntry
	index   map[osm.RelationID]int32
}

func newArena() *arena {
	return &arena{index: make(map[osm.RelationID]int32)}
}

func (a *arena) add(r pbf.Relation) int32 {
	e := relationEntry{id: r.ID}
	e.ref, _ = r.Tags.Get(pbf.KeyWikipedia)
	for _, m := range r.Members {
		if m.Type != osm.TypeWay && m.Type != osm.TypeRelation {
			continue
		}
		rl, ok := parseRole(m.Role)
		if !ok {
			continue
		}
		e.members = append(e.members, member{typ: m.Type, ref: m.Ref, role: rl})
	}

	slot := int32(len(a.entries))
	a.entries = append(a.entries, e)
	a.index[r.ID] = slot
	return slot
}

// fragments lists the way ids of a resolved relation by ring role.
type fragments struct {
	outer []osm.WayID
	inner []osm.WayID
}

type frame struct {
	slot  int32
	next  int
	inner bool
	depth int
}

const (
	unvisited uint8 = iota
	onPath
	finished
)

// resolve collects the way members of the relation at slot, following
// nested relations iteratively. A relation reached twice through different
// parents contributes its ways once.
func (a *arena) resolve(slot int32) (fragments, WarningKind, string, bool) {
	var out fragments
	state := map[int32]uint8{slot: onPath}
	stack := []frame{{slot: slot}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		e := &a.entries[top.slot]
		if top.next == len(e.members) {
			state[top.slot] = finished
			stack = stack[:len(stack)-1]
			continue
		}

		m := e.members[top.next]
		top.next++
		inner := top.inner || m.role == roleInner

		if m.typ == osm.TypeWay {
			if inner {
				out.inner = append(out.inner, osm.WayID(m.ref))
			} else {
				out.outer = append(out.outer, osm.WayID(m.ref))
			}
			continue
		}

		child, ok := a.index[osm.RelationID(m.ref)]
		if !ok {
			return out, MissingMember, fmt.Sprintf("relation %d", m.ref), false
		}
		switch state[child] {
		case onPath:
			return out, Cycle, fmt.Sprintf("via relation %d", m.ref), false
		case finished:
			continue
		}
		if top.depth+1 > MaxRelationDepth {
			return out, DepthExceeded, fmt.Sprintf("relation %d at depth %d", m.ref, top.depth+1), false
		}

		state[child] = onPath
		stack = append(stack, frame{slot: child, inner: inner, depth: top.depth + 1})
	}
	return out, 0, "", true
}
