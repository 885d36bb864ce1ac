// Package rtree indexes boundaries by bounding box for point lookups.
package rtree

import (
	"slices"

	"github.com/dhconnelly/rtreego"

	"github.com/1F47E/pbf-geo-index/pkg/models"
)

const (
	minChildren = 25
	maxChildren = 50
	dimensions  = 2

	// epsilon pads zero-width extents, which rtreego rejects
	epsilon = 1e-9
)

// spatialBoundary wraps a boundary to implement rtreego.Spatial
type spatialBoundary struct {
	*models.Boundary
	rect *rtreego.Rect
}

func (sb *spatialBoundary) Bounds() *rtreego.Rect {
	return sb.rect
}

// BoundaryIndex is an R-tree over boundary bounding boxes. It is built once
// and never modified afterwards, so any number of goroutines may query it.
type BoundaryIndex struct {
	tree       *rtreego.Rtree
	boundaries []*models.Boundary
	bounds     models.BoundingBox
}

// NewBoundaryIndex builds the index. The index takes ownership of the
// boundaries and sets their Seq to their position in the slice.
func NewBoundaryIndex(boundaries []*models.Boundary) *BoundaryIndex {
	idx := &BoundaryIndex{
		tree:       rtreego.NewTree(dimensions, minChildren, maxChildren),
		boundaries: boundaries,
	}

	for i, b := range boundaries {
		b.Seq = i
		if i == 0 {
			idx.bounds = b.Bound
		} else {
			idx.bounds = idx.bounds.Union(b.Bound)
		}

		rect, err := boundRect(b.Bound)
		if err != nil {
			// NaN extents cannot contain any point
			continue
		}
		idx.tree.Insert(&spatialBoundary{Boundary: b, rect: rect})
	}
	return idx
}

func boundRect(box models.BoundingBox) (*rtreego.Rect, error) {
	origin := rtreego.Point{box.BottomLeft.Lat, box.BottomLeft.Lon}
	lengths := []float64{
		max(box.TopRight.Lat-box.BottomLeft.Lat, epsilon),
		max(box.TopRight.Lon-box.BottomLeft.Lon, epsilon),
	}
	return rtreego.NewRect(origin, lengths)
}

// Candidates returns every boundary whose bounding box contains the point,
// ordered by Seq. Boundaries whose box excludes the point are never returned.
func (idx *BoundaryIndex) Candidates(lat, lon float64) []*models.Boundary {
	if idx.tree.Size() == 0 {
		return nil
	}

	loc := models.Location{Lat: lat, Lon: lon}
	query := rtreego.Point{lat, lon}.ToRect(epsilon)

	var out []*models.Boundary
	for _, item := range idx.tree.SearchIntersect(query) {
		sb, ok := item.(*spatialBoundary)
		if !ok || !sb.Bound.Contains(loc) {
			continue
		}
		out = append(out, sb.Boundary)
	}

	slices.SortFunc(out, func(a, b *models.Boundary) int {
		return a.Seq - b.Seq
	})
	return out
}

// Len returns the number of indexed boundaries.
func (idx *BoundaryIndex) Len() int {
	return len(idx.boundaries)
}

// Boundaries returns the boundaries in insertion order. Callers must not modify them.
func (idx *BoundaryIndex) Boundaries() []*models.Boundary {
	return idx.boundaries
}

// Bounds returns the union of all boundary boxes.
func (idx *BoundaryIndex) Bounds() models.BoundingBox {
	return idx.bounds
}
