package assembler

import (
	"fmt"

	"github.com/1F47E/pbf-geo-index/pkg/models"
)

// WarningKind classifies why a candidate was dropped.
type WarningKind uint8

const (
	// OpenWay is a tagged way whose first and last node differ.
	OpenWay WarningKind = iota
	// Degenerate is a ring with fewer than four positions or zero area, or a
	// relation without any outer ring.
	Degenerate
	// Cycle is a relation that reaches itself through its members.
	Cycle
	// MissingMember is a member way, relation or node absent from the extract.
	MissingMember
	// Unclosed is a set of fragments that cannot be chained into closed rings.
	Unclosed
	// DepthExceeded is a relation nested deeper than MaxRelationDepth.
	DepthExceeded
	// UnattachedHole is an inner ring that fits no outer ring. Only the hole is dropped.
	UnattachedHole
	// DegenerateHole is an inner ring with zero area. Only the hole is dropped.
	DegenerateHole

	warningKinds
)

var warningNames = [warningKinds]string{
	OpenWay:        "open_way",
	Degenerate:     "degenerate",
	Cycle:          "cycle",
	MissingMember:  "missing_member",
	Unclosed:       "unclosed",
	DepthExceeded:  "depth_exceeded",
	UnattachedHole: "unattached_hole",
	DegenerateHole: "degenerate_hole",
}

func (k WarningKind) String() string {
	if k < warningKinds {
		return warningNames[k]
	}
	return "unknown"
}

// DropsCandidate reports whether a warning of this kind removes the whole
// way or relation, as opposed to a single hole of a kept boundary.
func (k WarningKind) DropsCandidate() bool {
	return k != UnattachedHole && k != DegenerateHole
}

// AssemblyWarning reports a way or relation that could not be turned into a
// boundary. Warnings never abort a build.
type AssemblyWarning struct {
	Kind   WarningKind
	Source models.Source
	Detail string
}

func (w *AssemblyWarning) Error() string {
	if w.Detail == "" {
		return fmt.Sprintf("assembler: %s %d: %s", w.Source.Type, w.Source.ID, w.Kind)
	}
	return fmt.Sprintf("assembler: %s %d: %s: %s", w.Source.Type, w.Source.ID, w.Kind, w.Detail)
}

// Stats summarizes an assembly run.
type Stats struct {
	// WayCandidates counts tagged ways, RelationCandidates tagged relations.
	WayCandidates      int
	RelationCandidates int
	Boundaries         int
	// Dropped counts warnings per kind, hole kinds included.
	Dropped  map[WarningKind]int
	Warnings []*AssemblyWarning
}

// DroppedTotal is the number of ways and relations that produced no boundary.
func (s *Stats) DroppedTotal() int {
	total := 0
	for k, n := range s.Dropped {
		if k.DropsCandidate() {
			total += n
		}
	}
	return total
}

// DroppedHoles is the number of inner rings left out of kept boundaries.
func (s *Stats) DroppedHoles() int {
	total := 0
	for k, n := range s.Dropped {
		if !k.DropsCandidate() {
			total += n
		}
	}
	return total
}

func (s *Stats) add(w *AssemblyWarning) {
	if s.Dropped == nil {
		s.Dropped = make(map[WarningKind]int)
	}
	s.Dropped[w.Kind]++
	s.Warnings = append(s.Warnings, w)
}
