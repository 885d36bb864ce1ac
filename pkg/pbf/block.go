package pbf

import (
	"fmt"
	"unicode/utf8"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"google.golang.org/protobuf/encoding/protowire"
)

// Features this decoder understands in HeaderBlock.required_features.
var supportedFeatures = map[string]bool{
	"OsmSchema-V0.6": true,
	"DenseNodes":     true,
}

// osmformat.proto field numbers.
const (
	headerBBox             protowire.Number = 1
	headerRequiredFeatures protowire.Number = 4
	headerOptionalFeatures protowire.Number = 5
	headerWritingProgram   protowire.Number = 16
	headerSource           protowire.Number = 17

	bboxLeft   protowire.Number = 1
	bboxRight  protowire.Number = 2
	bboxTop    protowire.Number = 3
	bboxBottom protowire.Number = 4

	blockStringTable protowire.Number = 1
	blockGroup       protowire.Number = 2
	blockGranularity protowire.Number = 17
	blockLatOffset   protowire.Number = 19
	blockLonOffset   protowire.Number = 20

	stringTableEntry protowire.Number = 1

	groupNodes     protowire.Number = 1
	groupDense     protowire.Number = 2
	groupWays      protowire.Number = 3
	groupRelations protowire.Number = 4

	primID   protowire.Number = 1
	primKeys protowire.Number = 2
	primVals protowire.Number = 3

	nodeLat protowire.Number = 8
	nodeLon protowire.Number = 9

	denseID       protowire.Number = 1
	denseLat      protowire.Number = 8
	denseLon      protowire.Number = 9
	denseKeysVals protowire.Number = 10

	wayRefs protowire.Number = 8

	relRoles   protowire.Number = 8
	relMemIDs  protowire.Number = 9
	relMemType protowire.Number = 10

	defaultGranularity = 100
)

func decodeHeader(data []byte) (*Header, error) {
	h := &Header{}
	err := walkFields(data, func(f field) error {
		switch f.num {
		case headerBBox:
			b, err := decodeHeaderBBox(f.data)
			if err != nil {
				return err
			}
			h.BBox = b
		case headerRequiredFeatures:
			h.RequiredFeatures = append(h.RequiredFeatures, string(f.data))
		case headerOptionalFeatures:
			h.OptionalFeatures = append(h.OptionalFeatures, string(f.data))
		case headerWritingProgram:
			h.WritingProgram = string(f.data)
		case headerSource:
			h.Source = string(f.data)
		}
		return nil
	})
	if err != nil {
		return nil, malformed("header block: %v", err)
	}

	for _, feature := range h.RequiredFeatures {
		if !supportedFeatures[feature] {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedFeature, feature)
		}
	}
	return h, nil
}

func decodeHeaderBBox(data []byte) (*orb.Bound, error) {
	var left, right, top, bottom int64
	err := walkFields(data, func(f field) error {
		switch f.num {
		case bboxLeft:
			left = f.sint64()
		case bboxRight:
			right = f.sint64()
		case bboxTop:
			top = f.sint64()
		case bboxBottom:
			bottom = f.sint64()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &orb.Bound{
		Min: orb.Point{float64(left) / 1e9, float64(bottom) / 1e9},
		Max: orb.Point{float64(right) / 1e9, float64(top) / 1e9},
	}, nil
}

// primitiveBlock is the decoding state shared by the groups of one block.
type primitiveBlock struct {
	strings     [][]byte
	granularity int64
	latOffset   int64
	lonOffset   int64
}

func (pb *primitiveBlock) lat(v int64) float64 {
	return float64(pb.latOffset+pb.granularity*v) / 1e9
}

func (pb *primitiveBlock) lon(v int64) float64 {
	return float64(pb.lonOffset+pb.granularity*v) / 1e9
}

// str resolves a string table index. Out of range indexes and values that are
// not valid UTF-8 resolve to absent.
func (pb *primitiveBlock) str(i uint64) (string, bool) {
	if i >= uint64(len(pb.strings)) {
		return "", false
	}
	s := pb.strings[i]
	if !utf8.Valid(s) {
		return "", false
	}
	return string(s), true
}

// tag stores key/value into tags when the key is recognised.
func (pb *primitiveBlock) tag(tags *Tags, k, v uint64) {
	if k >= uint64(len(pb.strings)) {
		return
	}
	key, ok := lookupKey(pb.strings[k])
	if !ok {
		return
	}
	if val, ok := pb.str(v); ok {
		tags.Set(key, val)
	}
}

func (pb *primitiveBlock) tags(keys, vals []uint64) (Tags, error) {
	var tags Tags
	if len(keys) != len(vals) {
		return tags, malformed("%d keys for %d values", len(keys), len(vals))
	}
	for i := range keys {
		pb.tag(&tags, keys[i], vals[i])
	}
	return tags, nil
}

func decodePrimitiveBlock(data []byte, kinds Kind, block *Block) error {
	pb := &primitiveBlock{granularity: defaultGranularity}
	var groups [][]byte

	// string table and scaling must be known before groups are decoded,
	// and protobuf does not guarantee field order
	err := walkFields(data, func(f field) error {
		switch f.num {
		case blockStringTable:
			return walkFields(f.data, func(s field) error {
				if s.num == stringTableEntry {
					pb.strings = append(pb.strings, s.data)
				}
				return nil
			})
		case blockGroup:
			groups = append(groups, f.data)
		case blockGranularity:
			pb.granularity = int64(int32(f.v))
		case blockLatOffset:
			pb.latOffset = int64(f.v)
		case blockLonOffset:
			pb.lonOffset = int64(f.v)
		}
		return nil
	})
	if err != nil {
		return malformed("primitive block: %v", err)
	}
	if pb.granularity <= 0 {
		return malformed("granularity %d", pb.granularity)
	}

	for _, g := range groups {
		if err := pb.decodeGroup(g, kinds, block); err != nil {
			return err
		}
	}
	return nil
}

func (pb *primitiveBlock) decodeGroup(data []byte, kinds Kind, block *Block) error {
	return walkFields(data, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		switch f.num {
		case groupNodes:
			if !kinds.Has(KindNode) {
				return nil
			}
			n, err := pb.decodeNode(f.data)
			if err != nil {
				return err
			}
			block.Nodes = append(block.Nodes, n)
		case groupDense:
			if !kinds.Has(KindNode) {
				return nil
			}
			nodes, err := pb.decodeDense(f.data, block.Nodes)
			if err != nil {
				return err
			}
			block.Nodes = nodes
		case groupWays:
			if !kinds.Has(KindWay) {
				return nil
			}
			w, err := pb.decodeWay(f.data)
			if err != nil {
				return err
			}
			block.Ways = append(block.Ways, w)
		case groupRelations:
			if !kinds.Has(KindRelation) {
				return nil
			}
			r, err := pb.decodeRelation(f.data)
			if err != nil {
				return err
			}
			block.Relations = append(block.Relations, r)
		}
		return nil
	})
}

func (pb *primitiveBlock) decodeNode(data []byte) (Node, error) {
	var (
		n          Node
		keys, vals []uint64
		lat, lon   int64
		err        error
	)
	err = walkFields(data, func(f field) error {
		var ferr error
		switch f.num {
		case primID:
			n.ID = osm.NodeID(f.sint64())
		case primKeys:
			keys, ferr = f.varints(keys)
		case primVals:
			vals, ferr = f.varints(vals)
		case nodeLat:
			lat = f.sint64()
		case nodeLon:
			lon = f.sint64()
		}
		return ferr
	})
	if err != nil {
		return n, malformed("node: %v", err)
	}
	if n.Tags, err = pb.tags(keys, vals); err != nil {
		return n, fmt.Errorf("node %d: %w", n.ID, err)
	}
	n.Lat, n.Lon = pb.lat(lat), pb.lon(lon)
	return n, nil
}

func (pb *primitiveBlock) decodeDense(data []byte, nodes []Node) ([]Node, error) {
	var ids, lats, lons, kv []uint64
	err := walkFields(data, func(f field) error {
		var ferr error
		switch f.num {
		case denseID:
			ids, ferr = f.varints(ids)
		case denseLat:
			lats, ferr = f.varints(lats)
		case denseLon:
			lons, ferr = f.varints(lons)
		case denseKeysVals:
			kv, ferr = f.varints(kv)
		}
		return ferr
	})
	if err != nil {
		return nodes, malformed("dense nodes: %v", err)
	}
	if len(lats) != len(ids) || len(lons) != len(ids) {
		return nodes, malformed("dense nodes: %d ids, %d lats, %d lons", len(ids), len(lats), len(lons))
	}

	absIDs, absLats, absLons := deltas(ids), deltas(lats), deltas(lons)
	pos := 0
	for i := range absIDs {
		n := Node{
			ID:  osm.NodeID(absIDs[i]),
			Lat: pb.lat(absLats[i]),
			Lon: pb.lon(absLons[i]),
		}
		// keys_vals is (key, value)* 0 per node; absent when no node has tags
		for pos < len(kv) {
			k := kv[pos]
			pos++
			if k == 0 {
				break
			}
			if pos >= len(kv) {
				return nodes, malformed("dense node %d: key without value", n.ID)
			}
			pb.tag(&n.Tags, k, kv[pos])
			pos++
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (pb *primitiveBlock) decodeWay(data []byte) (Way, error) {
	var (
		w                Way
		keys, vals, refs []uint64
		err              error
	)
	err = walkFields(data, func(f field) error {
		var ferr error
		switch f.num {
		case primID:
			w.ID = osm.WayID(int64(f.v))
		case primKeys:
			keys, ferr = f.varints(keys)
		case primVals:
			vals, ferr = f.varints(vals)
		case wayRefs:
			refs, ferr = f.varints(refs)
		}
		return ferr
	})
	if err != nil {
		return w, malformed("way: %v", err)
	}
	if w.Tags, err = pb.tags(keys, vals); err != nil {
		return w, fmt.Errorf("way %d: %w", w.ID, err)
	}

	w.Nodes = make([]osm.NodeID, len(refs))
	for i, id := range deltas(refs) {
		w.Nodes[i] = osm.NodeID(id)
	}
	return w, nil
}

var memberTypes = [...]osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation}

func (pb *primitiveBlock) decodeRelation(data []byte) (Relation, error) {
	var (
		r                              Relation
		keys, vals, roles, ids, mtypes []uint64
		err                            error
	)
	err = walkFields(data, func(f field) error {
		var ferr error
		switch f.num {
		case primID:
			r.ID = osm.RelationID(int64(f.v))
		case primKeys:
			keys, ferr = f.varints(keys)
		case primVals:
			vals, ferr = f.varints(vals)
		case relRoles:
			roles, ferr = f.varints(roles)
		case relMemIDs:
			ids, ferr = f.varints(ids)
		case relMemType:
			mtypes, ferr = f.varints(mtypes)
		}
		return ferr
	})
	if err != nil {
		return r, malformed("relation: %v", err)
	}
	if r.Tags, err = pb.tags(keys, vals); err != nil {
		return r, fmt.Errorf("relation %d: %w", r.ID, err)
	}
	if len(roles) != len(ids) || len(mtypes) != len(ids) {
		return r, malformed("relation %d: %d members, %d roles, %d types", r.ID, len(ids), len(roles), len(mtypes))
	}

	r.Members = make(osm.Members, 0, len(ids))
	for i, ref := range deltas(ids) {
		if mtypes[i] >= uint64(len(memberTypes)) {
			return r, malformed("relation %d: member type %d", r.ID, mtypes[i])
		}
		// an unreadable role is not the empty role, which means outer
		role, ok := pb.str(uint64(int32(roles[i])))
		if !ok {
			continue
		}
		r.Members = append(r.Members, osm.Member{
			Type: memberTypes[mtypes[i]],
			Ref:  ref,
			Role: role,
		})
	}
	return r, nil
}
