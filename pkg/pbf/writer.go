package pbf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"google.golang.org/protobuf/encoding/protowire"
)

const defaultBlockSize = 8000

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithCompression sets the blob compression. The default is zlib.
func WithCompression(c Compression) WriterOption {
	return func(w *Writer) { w.comp = c }
}

// WithBlockSize sets the maximum number of primitives per data block.
func WithBlockSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.blockSize = n
		}
	}
}

// WithWritingProgram sets HeaderBlock.writingprogram.
func WithWritingProgram(name string) WriterOption {
	return func(w *Writer) { w.header.WritingProgram = name }
}

// WithBBox sets the header bounding box.
func WithBBox(b orb.Bound) WriterOption {
	return func(w *Writer) { w.header.BBox = &b }
}

// Writer encodes primitives as an extract. Consecutive primitives of one
// kind share a data block; nodes are written as dense nodes. The header
// block is emitted before the first data block.
type Writer struct {
	w         io.Writer
	comp      Compression
	blockSize int
	header    Header
	dense     bool

	headerWritten bool
	pending       Kind
	nodes         []Node
	ways          []Way
	relations     []Relation
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	pw := &Writer{
		w:         w,
		comp:      CompressionZlib,
		blockSize: defaultBlockSize,
		dense:     true,
		header: Header{
			RequiredFeatures: []string{"OsmSchema-V0.6", "DenseNodes"},
			WritingProgram:   "pbf-geo-index",
		},
	}
	for _, opt := range opts {
		opt(pw)
	}
	return pw
}

// WriteNode queues a node.
func (w *Writer) WriteNode(n Node) error {
	if err := w.switchKind(KindNode); err != nil {
		return err
	}
	w.nodes = append(w.nodes, n)
	return w.flushIfFull(len(w.nodes))
}

// WriteWay queues a way.
func (w *Writer) WriteWay(way Way) error {
	if err := w.switchKind(KindWay); err != nil {
		return err
	}
	w.ways = append(w.ways, way)
	return w.flushIfFull(len(w.ways))
}

// WriteRelation queues a relation.
func (w *Writer) WriteRelation(r Relation) error {
	if err := w.switchKind(KindRelation); err != nil {
		return err
	}
	w.relations = append(w.relations, r)
	return w.flushIfFull(len(w.relations))
}

func (w *Writer) switchKind(k Kind) error {
	if w.pending != 0 && w.pending != k {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	w.pending = k
	return nil
}

func (w *Writer) flushIfFull(n int) error {
	if n >= w.blockSize {
		return w.Flush()
	}
	return nil
}

// Flush writes the queued primitives as one data block.
func (w *Writer) Flush() error {
	if err := w.writeHeader(); err != nil {
		return err
	}
	if w.pending == 0 {
		return nil
	}

	st := newStringTable()
	var group []byte
	switch w.pending {
	case KindNode:
		if w.dense {
			group = appendBytesField(group, groupDense, encodeDense(st, w.nodes))
		} else {
			for _, n := range w.nodes {
				group = appendBytesField(group, groupNodes, encodeNode(st, n))
			}
		}
	case KindWay:
		for _, way := range w.ways {
			group = appendBytesField(group, groupWays, encodeWay(st, way))
		}
	case KindRelation:
		for _, r := range w.relations {
			group = appendBytesField(group, groupRelations, encodeRelation(st, r))
		}
	}
	w.nodes, w.ways, w.relations = w.nodes[:0], w.ways[:0], w.relations[:0]
	w.pending = 0

	var block []byte
	block = appendBytesField(block, blockStringTable, st.encode())
	block = appendBytesField(block, blockGroup, group)
	return w.writeBlob(blobTypeData, block)
}

// Close flushes queued primitives. An extract without primitives still gets
// its header block. The underlying writer is not closed.
func (w *Writer) Close() error {
	return w.Flush()
}

func (w *Writer) writeHeader() error {
	if w.headerWritten {
		return nil
	}
	w.headerWritten = true
	return w.writeBlob(blobTypeHeader, encodeHeader(&w.header))
}

func (w *Writer) writeBlob(kind string, payload []byte) error {
	blob, err := compress(payload, w.comp)
	if err != nil {
		return fmt.Errorf("failed to compress %s blob: %w", kind, err)
	}
	return writeFrame(w.w, kind, blob)
}

// writeFrame writes the length prefix, BlobHeader and Blob bytes.
func writeFrame(w io.Writer, kind string, blob []byte) error {
	var header []byte
	header = appendBytesField(header, blobHeaderType, []byte(kind))
	header = appendVarintField(header, blobHeaderDataSize, uint64(len(blob)))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(header)))
	for _, b := range [][]byte{lenBuf[:], header, blob} {
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("failed to write blob: %w", err)
		}
	}
	return nil
}

func encodeHeader(h *Header) []byte {
	var b []byte
	if h.BBox != nil {
		var bbox []byte
		bbox = appendVarintField(bbox, bboxLeft, protowire.EncodeZigZag(nano(h.BBox.Min.Lon())))
		bbox = appendVarintField(bbox, bboxRight, protowire.EncodeZigZag(nano(h.BBox.Max.Lon())))
		bbox = appendVarintField(bbox, bboxTop, protowire.EncodeZigZag(nano(h.BBox.Max.Lat())))
		bbox = appendVarintField(bbox, bboxBottom, protowire.EncodeZigZag(nano(h.BBox.Min.Lat())))
		b = appendBytesField(b, headerBBox, bbox)
	}
	for _, f := range h.RequiredFeatures {
		b = appendBytesField(b, headerRequiredFeatures, []byte(f))
	}
	for _, f := range h.OptionalFeatures {
		b = appendBytesField(b, headerOptionalFeatures, []byte(f))
	}
	if h.WritingProgram != "" {
		b = appendBytesField(b, headerWritingProgram, []byte(h.WritingProgram))
	}
	if h.Source != "" {
		b = appendBytesField(b, headerSource, []byte(h.Source))
	}
	return b
}

func nano(deg float64) int64 {
	return int64(math.Round(deg * 1e9))
}

// coord encodes degrees at the default granularity with zero offsets.
func coord(deg float64) int64 {
	return int64(math.Round(deg * 1e9 / defaultGranularity))
}

type stringTable struct {
	index   map[string]uint64
	entries []string
}

func newStringTable() *stringTable {
	st := &stringTable{index: make(map[string]uint64)}
	st.add("") // index 0 is reserved as the dense keys_vals delimiter
	return st
}

func (st *stringTable) add(s string) uint64 {
	if i, ok := st.index[s]; ok {
		return i
	}
	i := uint64(len(st.entries))
	st.index[s] = i
	st.entries = append(st.entries, s)
	return i
}

func (st *stringTable) tags(t Tags) (keys, vals []uint64) {
	for k := Key(0); k < keyCount; k++ {
		if v, ok := t.Get(k); ok {
			keys = append(keys, st.add(k.String()))
			vals = append(vals, st.add(v))
		}
	}
	return keys, vals
}

func (st *stringTable) encode() []byte {
	var b []byte
	for _, s := range st.entries {
		b = appendBytesField(b, stringTableEntry, []byte(s))
	}
	return b
}

func encodeNode(st *stringTable, n Node) []byte {
	keys, vals := st.tags(n.Tags)
	var b []byte
	b = appendVarintField(b, primID, protowire.EncodeZigZag(int64(n.ID)))
	b = appendPacked(b, primKeys, keys)
	b = appendPacked(b, primVals, vals)
	b = appendVarintField(b, nodeLat, protowire.EncodeZigZag(coord(n.Lat)))
	b = appendVarintField(b, nodeLon, protowire.EncodeZigZag(coord(n.Lon)))
	return b
}

func encodeDense(st *stringTable, nodes []Node) []byte {
	ids := make([]int64, len(nodes))
	lats := make([]int64, len(nodes))
	lons := make([]int64, len(nodes))
	var (
		kv     []uint64
		tagged bool
	)
	for i, n := range nodes {
		ids[i], lats[i], lons[i] = int64(n.ID), coord(n.Lat), coord(n.Lon)
		keys, vals := st.tags(n.Tags)
		for j := range keys {
			kv = append(kv, keys[j], vals[j])
			tagged = true
		}
		kv = append(kv, 0)
	}

	var b []byte
	b = appendPackedDelta(b, denseID, ids)
	b = appendPackedDelta(b, denseLat, lats)
	b = appendPackedDelta(b, denseLon, lons)
	if tagged {
		b = appendPacked(b, denseKeysVals, kv)
	}
	return b
}

func encodeWay(st *stringTable, w Way) []byte {
	keys, vals := st.tags(w.Tags)
	refs := make([]int64, len(w.Nodes))
	for i, id := range w.Nodes {
		refs[i] = int64(id)
	}

	var b []byte
	b = appendVarintField(b, primID, uint64(w.ID))
	b = appendPacked(b, primKeys, keys)
	b = appendPacked(b, primVals, vals)
	b = appendPackedDelta(b, wayRefs, refs)
	return b
}

func encodeRelation(st *stringTable, r Relation) []byte {
	keys, vals := st.tags(r.Tags)
	roles := make([]uint64, len(r.Members))
	ids := make([]int64, len(r.Members))
	types := make([]uint64, len(r.Members))
	for i, m := range r.Members {
		roles[i] = st.add(m.Role)
		ids[i] = m.Ref
		types[i] = memberType(m.Type)
	}

	var b []byte
	b = appendVarintField(b, primID, uint64(r.ID))
	b = appendPacked(b, primKeys, keys)
	b = appendPacked(b, primVals, vals)
	b = appendPacked(b, relRoles, roles)
	b = appendPackedDelta(b, relMemIDs, ids)
	b = appendPacked(b, relMemType, types)
	return b
}

func memberType(t osm.Type) uint64 {
	switch t {
	case osm.TypeWay:
		return 1
	case osm.TypeRelation:
		return 2
	}
	return 0
}
