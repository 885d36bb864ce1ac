package assembler

import (
	"github.com/paulmach/osm"
)

// chainRings joins way fragments into closed rings by shared endpoint node
// ids, reversing fragments where needed. It returns the node where chaining
// got stuck when some fragment cannot be closed.
func chainRings(fragments [][]osm.NodeID) ([][]osm.NodeID, osm.NodeID, bool) {
	ends := make(map[osm.NodeID][]int, 2*len(fragments))
	for i, f := range fragments {
		if len(f) < 2 {
			continue
		}
		ends[f[0]] = append(ends[f[0]], i)
		ends[f[len(f)-1]] = append(ends[f[len(f)-1]], i)
	}

	used := make([]bool, len(fragments))
	var rings [][]osm.NodeID
	for start, f := range fragments {
		if used[start] || len(f) < 2 {
			continue
		}
		used[start] = true

		ring := append(make([]osm.NodeID, 0, len(f)), f...)
		for ring[0] != ring[len(ring)-1] {
			tail := ring[len(ring)-1]
			next := -1
			for _, i := range ends[tail] {
				if !used[i] {
					next = i
					break
				}
			}
			if next < 0 {
				return nil, tail, false
			}
			used[next] = true

			g := fragments[next]
			if g[0] == tail {
				ring = append(ring, g[1:]...)
			} else {
				for j := len(g) - 2; j >= 0; j-- {
					ring = append(ring, g[j])
				}
			}
		}
		rings = append(rings, ring)
	}
	return rings, 0, true
}
