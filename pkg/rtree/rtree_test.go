package rtree

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1F47E/pbf-geo-index/pkg/models"
)

func box(ref string, minLat, minLon, maxLat, maxLon float64) *models.Boundary {
	outer := orb.Ring{
		{minLon, minLat}, {maxLon, minLat}, {maxLon, maxLat}, {minLon, maxLat}, {minLon, minLat},
	}
	return models.NewBoundary(ref, models.Source{Type: osm.TypeWay, ID: 1}, outer, nil)
}

func refs(bs []*models.Boundary) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Ref
	}
	return out
}

func TestNewBoundaryIndex(t *testing.T) {
	index := NewBoundaryIndex(nil)
	assert.NotNil(t, index)
	assert.Equal(t, 0, index.Len())
	assert.Empty(t, index.Candidates(0, 0))

	index = NewBoundaryIndex([]*models.Boundary{
		box("a", 0, 0, 10, 10),
		box("b", -5, 20, 5, 30),
	})
	assert.Equal(t, 2, index.Len())
	assert.Equal(t, 1, index.Boundaries()[1].Seq)
	assert.Equal(t, models.BoundingBox{
		BottomLeft: models.Location{Lat: -5, Lon: 0},
		TopRight:   models.Location{Lat: 10, Lon: 30},
	}, index.Bounds())
}

func TestCandidates(t *testing.T) {
	index := NewBoundaryIndex([]*models.Boundary{
		box("France", 40, -3, 50, 7),
		box("Paris", 48, 2, 49, 3),
		box("Spain", 36, -9, 43, 3),
		box("Line", 10, 10, 10, 20), // zero height
	})

	testCases := []struct {
		name     string
		lat, lon float64
		expected []string
	}{
		{"inside one", 45, 0, []string{"France"}},
		{"nested", 48.5, 2.5, []string{"France", "Paris"}},
		{"overlap", 42, 0, []string{"France", "Spain"}},
		{"on edge", 50, 7, []string{"France"}},
		{"degenerate box", 10, 15, []string{"Line"}},
		{"outside", 0, 0, nil},
		{"just outside", 50.0000001, 0, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := index.Candidates(tc.lat, tc.lon)
			if tc.expected == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.expected, refs(got))
		})
	}
}

// Every boundary whose polygon contains a point must be a candidate for it.
func TestCandidates_Soundness(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	boundaries := generateRandomBoundaries(rng, 500)
	index := NewBoundaryIndex(boundaries)

	for i := 0; i < 2000; i++ {
		p := orb.Point{rng.Float64()*40 - 120, rng.Float64()*20 + 30}
		candidates := make(map[*models.Boundary]bool)
		for _, c := range index.Candidates(p.Lat(), p.Lon()) {
			candidates[c] = true
			assert.True(t, c.Bound.Contains(models.Location{Lat: p.Lat(), Lon: p.Lon()}))
		}
		for _, b := range boundaries {
			if planar.PolygonContains(b.Polygon(), p) {
				assert.True(t, candidates[b], "boundary %s pruned for %v", b.Ref, p)
			}
		}
	}
}

func TestPersistence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	boundaries := generateRandomBoundaries(rng, 100)
	withHole := box("holed", 0, 0, 10, 10)
	withHole.Holes = []orb.Ring{{{4, 4}, {4, 6}, {6, 6}, {6, 4}, {4, 4}}}
	boundaries = append(boundaries, withHole)
	index1 := NewBoundaryIndex(boundaries)

	meta := Metadata{
		BuiltAt:       time.Now(),
		SourceSize:    1234,
		SourceModTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	path := filepath.Join(t.TempDir(), "index.gidx")
	require.NoError(t, index1.SaveToFile(path, meta))

	index2, loaded, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, index1.Len(), index2.Len())
	assert.Equal(t, index1.Boundaries(), index2.Boundaries())
	assert.Equal(t, index1.Bounds(), index2.Bounds())
	assert.True(t, meta.BuiltAt.Equal(loaded.BuiltAt))
	assert.True(t, meta.SourceModTime.Equal(loaded.SourceModTime))
	assert.Equal(t, int64(1234), loaded.SourceSize)

	assert.Equal(t, refs(index1.Candidates(35, -100)), refs(index2.Candidates(35, -100)))

	header, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, loaded.SourceSize, header.SourceSize)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestPersistence_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.gidx")
	require.NoError(t, NewBoundaryIndex(nil).SaveToFile(path, Metadata{}))

	index, meta, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0, index.Len())
	assert.True(t, meta.BuiltAt.IsZero())
}

func TestPersistence_Overwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.gidx")
	require.NoError(t, NewBoundaryIndex([]*models.Boundary{box("old", 0, 0, 1, 1)}).SaveToFile(path, Metadata{}))
	require.NoError(t, NewBoundaryIndex([]*models.Boundary{box("new", 0, 0, 1, 1)}).SaveToFile(path, Metadata{}))

	index, _, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, refs(index.Boundaries()))
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.gidx")
	require.NoError(t, NewBoundaryIndex([]*models.Boundary{
		box("a", 0, 0, 1, 1),
		box("b", 2, 2, 3, 3),
	}).SaveToFile(valid, Metadata{}))
	data, err := os.ReadFile(valid)
	require.NoError(t, err)

	write := func(name string, b []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, b, 0o644))
		return p
	}
	headerSize := 4 + 4 + 8 + 8 + 8 + 8

	testCases := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "missing.gidx")},
		{"empty", write("empty.gidx", nil)},
		{"bad magic", write("magic.gidx", append([]byte("NOPE"), data[4:]...))},
		{"version mismatch", write("version.gidx", func() []byte {
			b := append([]byte(nil), data...)
			b[4] = 99
			return b
		}())},
		{"count too high", write("count.gidx", func() []byte {
			b := append([]byte(nil), data...)
			b[8] = 3
			return b
		}())},
		{"count too low", write("low.gidx", func() []byte {
			b := append([]byte(nil), data...)
			b[8] = 1
			return b
		}())},
		{"truncated body", write("truncated.gidx", data[:headerSize+(len(data)-headerSize)/2])},
		{"garbage body", write("garbage.gidx", append(append([]byte(nil), data[:headerSize]...), []byte("not zstd at all")...))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			index, _, err := LoadFromFile(tc.path)
			require.Error(t, err)
			assert.Nil(t, index)
			assert.ErrorIs(t, err, ErrCache)

			var cacheErr *CacheError
			require.ErrorAs(t, err, &cacheErr)
			assert.Equal(t, tc.path, cacheErr.Path)
		})
	}
}

func TestLoadFromFile_InvalidRecord(t *testing.T) {
	open := box("open", 0, 0, 1, 1)
	open.Outer = open.Outer[:4]
	unnamed := box("", 0, 0, 1, 1)

	for _, b := range []*models.Boundary{open, unnamed} {
		path := filepath.Join(t.TempDir(), "invalid.gidx")
		require.NoError(t, NewBoundaryIndex([]*models.Boundary{b}).SaveToFile(path, Metadata{}))

		_, _, err := LoadFromFile(path)
		assert.ErrorIs(t, err, ErrCache)
	}
}

func TestMetadata_Matches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extract.pbf")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	fi, err := os.Stat(path)
	require.NoError(t, err)

	meta := Metadata{SourceSize: fi.Size(), SourceModTime: fi.ModTime()}
	assert.True(t, meta.Matches(fi))

	meta.SourceSize++
	assert.False(t, meta.Matches(fi))
}

func TestConcurrentQueries(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	index := NewBoundaryIndex(generateRandomBoundaries(rng, 10000))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < 100; j++ {
				lat, lon := r.Float64()*20+30, r.Float64()*40-120
				for _, c := range index.Candidates(lat, lon) {
					assert.True(t, c.Bound.Contains(models.Location{Lat: lat, Lon: lon}))
				}
			}
		}(int64(i))
	}
	wg.Wait()
}

// generateRandomBoundaries returns triangles and boxes over lat 30-50, lon -120 to -80.
func generateRandomBoundaries(rng *rand.Rand, n int) []*models.Boundary {
	boundaries := make([]*models.Boundary, n)
	for i := 0; i < n; i++ {
		lat, lon := rng.Float64()*20+30, rng.Float64()*40-120
		w, h := rng.Float64()*3, rng.Float64()*3
		ref := fmt.Sprintf("boundary_%d", i)
		if i%2 == 0 {
			boundaries[i] = box(ref, lat, lon, lat+h, lon+w)
			continue
		}
		outer := orb.Ring{{lon, lat}, {lon + w, lat}, {lon + w/2, lat + h}, {lon, lat}}
		boundaries[i] = models.NewBoundary(ref, models.Source{Type: osm.TypeRelation, ID: int64(i)}, outer, nil)
	}
	return boundaries
}

// Benchmarks
func BenchmarkNewBoundaryIndex(b *testing.B) {
	sizes := []int{1000, 10000, 100000}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("%d_boundaries", size), func(b *testing.B) {
			boundaries := generateRandomBoundaries(rand.New(rand.NewSource(1)), size)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				_ = NewBoundaryIndex(boundaries)
			}
		})
	}
}

func BenchmarkCandidates(b *testing.B) {
	index := NewBoundaryIndex(generateRandomBoundaries(rand.New(rand.NewSource(1)), 100000))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = index.Candidates(37.5, -112.5)
	}
}
