// Package geo answers reverse geocoding queries: given a point, it returns
// the reference of the smallest boundary containing it.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/1F47E/pbf-geo-index/pkg/models"
	"github.com/1F47E/pbf-geo-index/pkg/rtree"
)

// GeoIndex is an immutable point-in-boundary index. A single instance is
// meant to be shared by pointer across all query goroutines.
type GeoIndex struct {
	index *rtree.BoundaryIndex
	meta  rtree.Metadata
}

// NewGeoIndex creates a query engine over idx.
func NewGeoIndex(idx *rtree.BoundaryIndex) *GeoIndex {
	return &GeoIndex{index: idx}
}

// Find returns the reference of the most specific boundary containing the
// point, or false when no boundary contains it.
func (g *GeoIndex) Find(lat, lon float64) (string, bool) {
	b, ok := g.FindBoundary(lat, lon)
	if !ok {
		return "", false
	}
	return b.Ref, true
}

// FindBoundary returns the smallest boundary containing the point. Points in
// a hole are not contained by that boundary. Equal areas resolve to the
// boundary indexed first.
func (g *GeoIndex) FindBoundary(lat, lon float64) (*models.Boundary, bool) {
	p := orb.Point{lon, lat}

	var (
		best     *models.Boundary
		bestArea float64
	)
	// candidates arrive in Seq order, so a strict comparison keeps the
	// earliest boundary on ties
	for _, b := range g.index.Candidates(lat, lon) {
		area := math.Abs(b.Area)
		// a zero area ring covers only its own edges
		if area == 0 || !planar.PolygonContains(b.Polygon(), p) {
			continue
		}
		if best == nil || area < bestArea {
			best, bestArea = b, area
		}
	}
	return best, best != nil
}

// Len returns the number of boundaries.
func (g *GeoIndex) Len() int {
	return g.index.Len()
}

// Bounds returns the area covered by all boundaries.
func (g *GeoIndex) Bounds() models.BoundingBox {
	return g.index.Bounds()
}

// Metadata describes the extract the index was built from.
func (g *GeoIndex) Metadata() rtree.Metadata {
	return g.meta
}

// Boundaries returns the indexed boundaries in Seq order. The slice must not be modified.
func (g *GeoIndex) Boundaries() []*models.Boundary {
	return g.index.Boundaries()
}
