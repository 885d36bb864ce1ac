// Package fixture builds small extracts for tests and demos.
package fixture

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/osm"

	"github.com/1F47E/pbf-geo-index/pkg/pbf"
)

// Extract accumulates primitives and writes them as a PBF file with nodes
// first, then ways, then relations.
type Extract struct {
	nodes     []pbf.Node
	ways      []pbf.Way
	relations []pbf.Relation
	nextNode  osm.NodeID
	nextWay   osm.WayID
}

// New returns an empty extract.
func New() *Extract {
	return &Extract{nextNode: 1, nextWay: 1}
}

func wikipedia(ref string) pbf.Tags {
	var t pbf.Tags
	if ref != "" {
		t.Set(pbf.KeyWikipedia, ref)
	}
	return t
}

// Node adds a node and returns its id.
func (e *Extract) Node(lat, lon float64) osm.NodeID {
	id := e.nextNode
	e.nextNode++
	e.nodes = append(e.nodes, pbf.Node{ID: id, Lat: lat, Lon: lon})
	return id
}

// Way adds a way over existing nodes. An empty ref leaves it untagged.
func (e *Extract) Way(ref string, nodes ...osm.NodeID) osm.WayID {
	id := e.nextWay
	e.nextWay++
	e.ways = append(e.ways, pbf.Way{ID: id, Nodes: nodes, Tags: wikipedia(ref)})
	return id
}

// BoxNodes adds the corners of a box and returns them as a closed,
// counter-clockwise node list.
func (e *Extract) BoxNodes(minLat, minLon, maxLat, maxLon float64) []osm.NodeID {
	a := e.Node(minLat, minLon)
	b := e.Node(minLat, maxLon)
	c := e.Node(maxLat, maxLon)
	d := e.Node(maxLat, minLon)
	return []osm.NodeID{a, b, c, d, a}
}

// Box adds a closed way around a box.
func (e *Extract) Box(ref string, minLat, minLon, maxLat, maxLon float64) osm.WayID {
	return e.Way(ref, e.BoxNodes(minLat, minLon, maxLat, maxLon)...)
}

// Relation adds a relation. An empty ref leaves it untagged.
func (e *Extract) Relation(id osm.RelationID, ref string, members ...osm.Member) {
	e.relations = append(e.relations, pbf.Relation{ID: id, Members: members, Tags: wikipedia(ref)})
}

// WayMember is a shorthand for a way member.
func WayMember(id osm.WayID, role string) osm.Member {
	return osm.Member{Type: osm.TypeWay, Ref: int64(id), Role: role}
}

// RelationMember is a shorthand for a relation member.
func RelationMember(id osm.RelationID, role string) osm.Member {
	return osm.Member{Type: osm.TypeRelation, Ref: int64(id), Role: role}
}

// WriteTo encodes the extract.
func (e *Extract) WriteTo(w io.Writer, opts ...pbf.WriterOption) error {
	pw := pbf.NewWriter(w, opts...)
	for _, n := range e.nodes {
		if err := pw.WriteNode(n); err != nil {
			return err
		}
	}
	for _, way := range e.ways {
		if err := pw.WriteWay(way); err != nil {
			return err
		}
	}
	for _, r := range e.relations {
		if err := pw.WriteRelation(r); err != nil {
			return err
		}
	}
	return pw.Close()
}

// WriteFile encodes the extract to path.
func (e *Extract) WriteFile(path string, opts ...pbf.WriterOption) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create extract: %w", err)
	}

	bw := bufio.NewWriter(f)
	if err := e.WriteTo(bw, opts...); err != nil {
		f.Close()
		return fmt.Errorf("failed to write extract: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write extract: %w", err)
	}
	return f.Close()
}
