package models

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
)

// Location represents a geographic location with latitude and longitude
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point converts the location to an orb point (x=lon, y=lat)
func (l Location) Point() orb.Point {
	return orb.Point{l.Lon, l.Lat}
}

// BoundingBox represents a rectangular area defined by two corners
type BoundingBox struct {
	BottomLeft Location
	TopRight   Location
}

// BoundOf returns the tight bounding box of a ring
func BoundOf(ring orb.Ring) BoundingBox {
	b := ring.Bound()
	return BoundingBox{
		BottomLeft: Location{Lat: b.Min[1], Lon: b.Min[0]},
		TopRight:   Location{Lat: b.Max[1], Lon: b.Max[0]},
	}
}

// Contains reports whether the location lies inside the box, edges included
func (b BoundingBox) Contains(l Location) bool {
	return l.Lat >= b.BottomLeft.Lat && l.Lat <= b.TopRight.Lat &&
		l.Lon >= b.BottomLeft.Lon && l.Lon <= b.TopRight.Lon
}

// ContainsBox reports whether other lies entirely inside b
func (b BoundingBox) ContainsBox(other BoundingBox) bool {
	return b.Contains(other.BottomLeft) && b.Contains(other.TopRight)
}

// Union returns the smallest box covering both b and other
func (b BoundingBox) Union(other BoundingBox) BoundingBox {
	return BoundingBox{
		BottomLeft: Location{
			Lat: min(b.BottomLeft.Lat, other.BottomLeft.Lat),
			Lon: min(b.BottomLeft.Lon, other.BottomLeft.Lon),
		},
		TopRight: Location{
			Lat: max(b.TopRight.Lat, other.TopRight.Lat),
			Lon: max(b.TopRight.Lon, other.TopRight.Lon),
		},
	}
}

// Source identifies the OSM primitive a boundary was assembled from
type Source struct {
	Type osm.Type `json:"type"`
	ID   int64    `json:"id"`
}

// Boundary is an assembled closed area carrying a reference string.
// Boundaries are immutable once handed to an index.
type Boundary struct {
	Ref    string      `json:"ref"`
	Source Source      `json:"source"`
	Outer  orb.Ring    `json:"outer"`
	Holes  []orb.Ring  `json:"holes,omitempty"`
	Bound  BoundingBox `json:"bound"`
	// Area is the signed planar area of the outer ring in square degrees
	Area float64 `json:"area"`
	// Seq is the insertion order, used to break exact area ties
	Seq int `json:"seq"`
}

// NewBoundary builds a boundary and precomputes its bound and area
func NewBoundary(ref string, src Source, outer orb.Ring, holes []orb.Ring) *Boundary {
	return &Boundary{
		Ref:    ref,
		Source: src,
		Outer:  outer,
		Holes:  holes,
		Bound:  BoundOf(outer),
		Area:   SignedArea(outer),
	}
}

// Polygon returns the outer ring followed by its holes
func (b *Boundary) Polygon() orb.Polygon {
	poly := make(orb.Polygon, 0, 1+len(b.Holes))
	poly = append(poly, b.Outer)
	return append(poly, b.Holes...)
}

// SignedArea computes the shoelace area of a ring.
// Counter-clockwise rings are positive.
func SignedArea(ring orb.Ring) float64 {
	n := len(ring)
	if n < 3 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += ring[i][0]*ring[j][1] - ring[j][0]*ring[i][1]
	}
	return sum / 2
}
