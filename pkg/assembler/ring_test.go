package assembler

import (
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
)

func TestChainRings(t *testing.T) {
	tests := []struct {
		name      string
		fragments [][]osm.NodeID
		want      [][]osm.NodeID
		ok        bool
	}{
		{
			name:      "closed fragment",
			fragments: [][]osm.NodeID{{1, 2, 3, 1}},
			want:      [][]osm.NodeID{{1, 2, 3, 1}},
			ok:        true,
		},
		{
			name:      "two halves",
			fragments: [][]osm.NodeID{{1, 2, 3}, {3, 4, 1}},
			want:      [][]osm.NodeID{{1, 2, 3, 4, 1}},
			ok:        true,
		},
		{
			name:      "reversed half",
			fragments: [][]osm.NodeID{{1, 2, 3}, {1, 4, 3}},
			want:      [][]osm.NodeID{{1, 2, 3, 4, 1}},
			ok:        true,
		},
		{
			name:      "out of order",
			fragments: [][]osm.NodeID{{1, 2}, {3, 4}, {2, 3}, {4, 1}},
			want:      [][]osm.NodeID{{1, 2, 3, 4, 1}},
			ok:        true,
		},
		{
			name:      "two rings",
			fragments: [][]osm.NodeID{{1, 2, 3}, {10, 11, 12, 10}, {3, 1}},
			want:      [][]osm.NodeID{{1, 2, 3, 1}, {10, 11, 12, 10}},
			ok:        true,
		},
		{
			name:      "gap",
			fragments: [][]osm.NodeID{{1, 2, 3}, {4, 5, 1}},
			ok:        false,
		},
		{
			name:      "empty",
			fragments: nil,
			ok:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rings, _, ok := chainRings(tt.fragments)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, rings)
			}
		})
	}
}

func TestChainRings_DoesNotMutateFragments(t *testing.T) {
	fragments := [][]osm.NodeID{{1, 2, 3}, {1, 4, 3}}
	_, _, ok := chainRings(fragments)
	assert.True(t, ok)
	assert.Equal(t, [][]osm.NodeID{{1, 2, 3}, {1, 4, 3}}, fragments)
}
