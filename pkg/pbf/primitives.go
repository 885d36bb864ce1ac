package pbf

import (
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
)

// Key enumerates the tag keys the decoder keeps. Every other key is dropped
// while decoding so primitives carry a closed tag set.
type Key uint8

const (
	// KeyWikipedia holds the external reference returned by queries.
	KeyWikipedia Key = iota
	// KeyName is kept for diagnostics only.
	KeyName

	keyCount
)

var keyNames = [keyCount]string{
	KeyWikipedia: "wikipedia",
	KeyName:      "name",
}

func (k Key) String() string {
	if k < keyCount {
		return keyNames[k]
	}
	return "unknown"
}

// lookupKey maps a raw string table entry to a recognised key.
func lookupKey(b []byte) (Key, bool) {
	for k := Key(0); k < keyCount; k++ {
		if string(b) == keyNames[k] {
			return k, true
		}
	}
	return 0, false
}

// Tags is the closed tag set of a primitive. An empty value means absent.
type Tags [keyCount]string

// Get returns the value of k and whether it is present.
func (t Tags) Get(k Key) (string, bool) {
	if k >= keyCount || t[k] == "" {
		return "", false
	}
	return t[k], true
}

// Set stores v under k.
func (t *Tags) Set(k Key, v string) {
	if k < keyCount {
		t[k] = v
	}
}

// Node is a point primitive.
type Node struct {
	ID   osm.NodeID
	Lat  float64
	Lon  float64
	Tags Tags
}

// Point returns the node location as an orb point (x=lon, y=lat).
func (n Node) Point() orb.Point {
	return orb.Point{n.Lon, n.Lat}
}

// Way is an ordered chain of node references.
type Way struct {
	ID    osm.WayID
	Nodes []osm.NodeID
	Tags  Tags
}

// Closed reports whether the way starts and ends on the same node.
func (w Way) Closed() bool {
	return len(w.Nodes) > 1 && w.Nodes[0] == w.Nodes[len(w.Nodes)-1]
}

// Relation groups members with roles.
type Relation struct {
	ID      osm.RelationID
	Members osm.Members
	Tags    Tags
}

// Kind selects primitive classes to decode.
type Kind uint8

const (
	KindNode Kind = 1 << iota
	KindWay
	KindRelation

	KindAll = KindNode | KindWay | KindRelation
)

// Has reports whether k includes all bits of other.
func (k Kind) Has(other Kind) bool {
	return k&other == other
}

func (k Kind) String() string {
	var names []string
	for _, c := range []struct {
		kind Kind
		name string
	}{{KindNode, "node"}, {KindWay, "way"}, {KindRelation, "relation"}} {
		if k.Has(c.kind) {
			names = append(names, c.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Block holds the primitives of one data blob in source order.
type Block struct {
	Index     int
	Offset    int64
	Nodes     []Node
	Ways      []Way
	Relations []Relation
}

// Header carries the contents of the OSMHeader block.
type Header struct {
	BBox             *orb.Bound
	RequiredFeatures []string
	OptionalFeatures []string
	WritingProgram   string
	Source           string
}
