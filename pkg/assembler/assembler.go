// Package assembler turns the ways and relations of an extract into closed
// boundaries carrying a reference string.
package assembler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/osm"

	"github.com/1F47E/pbf-geo-index/pkg/models"
	"github.com/1F47E/pbf-geo-index/pkg/pbf"
)

// progressInterval spaces the progress lines logged while a pass runs.
const progressInterval = 10 * time.Second

// Options configures an Assembler.
type Options struct {
	// Workers is passed to the decoder of every pass.
	Workers int
	Logger  *slog.Logger
}

// Assembler builds boundaries from an extract in three streaming passes:
// relations, then ways, then nodes. Only the primitives needed by
// candidates are retained between passes.
type Assembler struct {
	workers int
	log     *slog.Logger
}

// New creates an Assembler.
func New(opts Options) *Assembler {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Assembler{workers: opts.Workers, log: log}
}

type wayCandidate struct {
	id    osm.WayID
	ref   string
	nodes []osm.NodeID
}

type relationCandidate struct {
	slot  int32
	frags fragments
	warn  *AssemblyWarning
}

// state is what survives between passes.
type state struct {
	arena      *arena
	relations  []relationCandidate
	ways       []wayCandidate
	neededWays map[osm.WayID][]osm.NodeID
	coords     map[osm.NodeID]orb.Point
	stats      Stats
}

// Assemble reads the extract at path and returns its boundaries in
// deterministic order: closed ways in source order, then relations in source
// order. Seq is set to the position in the returned slice.
func (a *Assembler) Assemble(ctx context.Context, path string) ([]*models.Boundary, Stats, error) {
	start := time.Now()
	st := &state{
		arena:      newArena(),
		neededWays: make(map[osm.WayID][]osm.NodeID),
		coords:     make(map[osm.NodeID]orb.Point),
	}

	if err := a.scan(ctx, path, pbf.KindRelation, st.collectRelation); err != nil {
		return nil, Stats{}, err
	}
	st.resolveRelations()
	a.log.Info("relations pass done",
		"relations", len(st.arena.entries),
		"candidates", len(st.relations),
		"ways_needed", len(st.neededWays))

	if err := a.scan(ctx, path, pbf.KindWay, st.collectWay); err != nil {
		return nil, Stats{}, err
	}
	needed := make(map[osm.NodeID]struct{})
	for _, nodes := range st.neededWays {
		for _, id := range nodes {
			needed[id] = struct{}{}
		}
	}
	a.log.Info("ways pass done", "candidates", len(st.ways), "nodes_needed", len(needed))

	err := a.scan(ctx, path, pbf.KindNode, func(b *pbf.Block) {
		for _, n := range b.Nodes {
			if _, ok := needed[n.ID]; ok {
				st.coords[n.ID] = n.Point()
			}
		}
	})
	if err != nil {
		return nil, Stats{}, err
	}

	boundaries := st.build()
	for i, b := range boundaries {
		b.Seq = i
	}
	st.stats.Boundaries = len(boundaries)

	for _, w := range st.stats.Warnings {
		a.log.Debug("assembly warning", "warning", w.Error(), "kind", w.Kind.String())
	}
	level := slog.LevelInfo
	if st.stats.DroppedTotal() > 0 {
		level = slog.LevelWarn
	}
	a.log.Log(ctx, level, "assembly done",
		"boundaries", len(boundaries),
		"dropped", st.stats.DroppedTotal(),
		"holes_dropped", st.stats.DroppedHoles(),
		"took", time.Since(start))

	return boundaries, st.stats, nil
}

func (a *Assembler) scan(ctx context.Context, path string, kinds pbf.Kind, fn func(*pbf.Block)) error {
	s, err := pbf.Open(ctx, path, pbf.Options{Workers: a.workers, Kinds: kinds})
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		start  = time.Now()
		last   = start
		blocks int
	)
	for s.Scan() {
		fn(s.Block())
		blocks++
		if time.Since(last) >= progressInterval {
			last = time.Now()
			a.log.Info("scanning extract", "kinds", kinds.String(), "blocks", blocks, "bytes", s.BytesRead())
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("failed to scan extract: %w", err)
	}

	attrs := []any{"kinds", kinds.String(), "blocks", blocks, "bytes", s.BytesRead(), "took", time.Since(start)}
	if h := s.Header(); h != nil && h.WritingProgram != "" {
		attrs = append(attrs, "writing_program", h.WritingProgram)
	}
	a.log.Debug("scan done", attrs...)
	return nil
}

func (st *state) collectRelation(b *pbf.Block) {
	for _, r := range b.Relations {
		slot := st.arena.add(r)
		if st.arena.entries[slot].ref != "" {
			st.relations = append(st.relations, relationCandidate{slot: slot})
		}
	}
}

func (st *state) resolveRelations() {
	st.stats.RelationCandidates = len(st.relations)
	for i := range st.relations {
		c := &st.relations[i]
		frags, kind, detail, ok := st.arena.resolve(c.slot)
		if !ok {
			c.warn = st.relationWarning(c.slot, kind, detail)
			continue
		}
		c.frags = frags
		for _, id := range frags.outer {
			st.neededWays[id] = nil
		}
		for _, id := range frags.inner {
			st.neededWays[id] = nil
		}
	}
}

func (st *state) relationWarning(slot int32, kind WarningKind, detail string) *AssemblyWarning {
	return &AssemblyWarning{
		Kind:   kind,
		Source: models.Source{Type: osm.TypeRelation, ID: int64(st.arena.entries[slot].id)},
		Detail: detail,
	}
}

func (st *state) collectWay(b *pbf.Block) {
	for _, w := range b.Ways {
		if _, ok := st.neededWays[w.ID]; ok {
			st.neededWays[w.ID] = w.Nodes
		}

		ref, ok := w.Tags.Get(pbf.KeyWikipedia)
		if !ok {
			continue
		}
		st.stats.WayCandidates++

		src := models.Source{Type: osm.TypeWay, ID: int64(w.ID)}
		switch {
		case !w.Closed():
			st.stats.add(&AssemblyWarning{Kind: OpenWay, Source: src})
		case len(w.Nodes) < 4:
			st.stats.add(&AssemblyWarning{Kind: Degenerate, Source: src, Detail: fmt.Sprintf("%d nodes", len(w.Nodes))})
		default:
			st.ways = append(st.ways, wayCandidate{id: w.ID, ref: ref, nodes: w.Nodes})
			st.neededWays[w.ID] = w.Nodes
		}
	}
}

func (st *state) build() []*models.Boundary {
	var out []*models.Boundary

	for _, w := range st.ways {
		src := models.Source{Type: osm.TypeWay, ID: int64(w.id)}
		ring, missing, ok := st.ring(w.nodes)
		if !ok {
			st.stats.add(&AssemblyWarning{Kind: MissingMember, Source: src, Detail: fmt.Sprintf("node %d", missing)})
			continue
		}
		if models.SignedArea(ring) == 0 {
			st.stats.add(&AssemblyWarning{Kind: Degenerate, Source: src, Detail: "zero area"})
			continue
		}
		out = append(out, models.NewBoundary(w.ref, src, ring, nil))
	}

	for _, c := range st.relations {
		if c.warn != nil {
			st.stats.add(c.warn)
			continue
		}
		bs, warn := st.buildRelation(c)
		if warn != nil {
			st.stats.add(warn)
			continue
		}
		out = append(out, bs...)
	}
	return out
}

// ring resolves node ids to positions.
func (st *state) ring(ids []osm.NodeID) (orb.Ring, osm.NodeID, bool) {
	ring := make(orb.Ring, len(ids))
	for i, id := range ids {
		p, ok := st.coords[id]
		if !ok {
			return nil, id, false
		}
		ring[i] = p
	}
	return ring, 0, true
}

func (st *state) rings(slot int32, wayIDs []osm.WayID) ([]orb.Ring, *AssemblyWarning) {
	frags := make([][]osm.NodeID, 0, len(wayIDs))
	for _, id := range wayIDs {
		nodes := st.neededWays[id]
		if nodes == nil {
			return nil, st.relationWarning(slot, MissingMember, fmt.Sprintf("way %d", id))
		}
		frags = append(frags, nodes)
	}

	chained, stuck, ok := chainRings(frags)
	if !ok {
		return nil, st.relationWarning(slot, Unclosed, fmt.Sprintf("ring open at node %d", stuck))
	}

	rings := make([]orb.Ring, 0, len(chained))
	for _, ids := range chained {
		if len(ids) < 4 {
			return nil, st.relationWarning(slot, Degenerate, fmt.Sprintf("ring of %d nodes", len(ids)))
		}
		ring, missing, ok := st.ring(ids)
		if !ok {
			return nil, st.relationWarning(slot, MissingMember, fmt.Sprintf("node %d", missing))
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

// buildRelation emits one boundary per outer ring. Each hole goes to the
// smallest outer ring containing it.
func (st *state) buildRelation(c relationCandidate) ([]*models.Boundary, *AssemblyWarning) {
	outers, warn := st.rings(c.slot, c.frags.outer)
	if warn != nil {
		return nil, warn
	}
	if len(outers) == 0 {
		return nil, st.relationWarning(c.slot, Degenerate, "no outer ring")
	}
	for _, outer := range outers {
		if models.SignedArea(outer) == 0 {
			return nil, st.relationWarning(c.slot, Degenerate, fmt.Sprintf("zero area ring at %v", outer[0]))
		}
	}
	inners, warn := st.rings(c.slot, c.frags.inner)
	if warn != nil {
		return nil, warn
	}

	bounds := make([]models.BoundingBox, len(outers))
	for i, r := range outers {
		bounds[i] = models.BoundOf(r)
	}
	holes := make([][]orb.Ring, len(outers))
	for _, inner := range inners {
		if models.SignedArea(inner) == 0 {
			st.stats.add(st.relationWarning(c.slot, DegenerateHole, fmt.Sprintf("hole at %v", inner[0])))
			continue
		}
		ib := models.BoundOf(inner)
		best := -1
		for i, outer := range outers {
			if !bounds[i].ContainsBox(ib) || !planar.RingContains(outer, inner[0]) {
				continue
			}
			if best < 0 || abs(models.SignedArea(outer)) < abs(models.SignedArea(outers[best])) {
				best = i
			}
		}
		if best < 0 {
			st.stats.add(st.relationWarning(c.slot, UnattachedHole, fmt.Sprintf("hole at %v", inner[0])))
			continue
		}
		holes[best] = append(holes[best], inner)
	}

	e := st.arena.entries[c.slot]
	src := models.Source{Type: osm.TypeRelation, ID: int64(e.id)}
	out := make([]*models.Boundary, len(outers))
	for i, outer := range outers {
		out[i] = models.NewBoundary(e.ref, src, outer, holes[i])
	}
	return out, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
