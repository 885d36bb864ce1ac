package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/1F47E/pbf-geo-index/internal/fixture"
	"github.com/1F47E/pbf-geo-index/pkg/geo"
	"github.com/1F47E/pbf-geo-index/pkg/pbf"
)

func main() {
	dir, err := os.MkdirTemp("", "geo-index-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	// A country, a region inside it, and a lake cut out of the region
	e := fixture.New()
	e.Box("en:Spain", 36.0, -9.3, 43.8, 3.3)
	e.Box("en:Community of Madrid", 39.9, -4.6, 41.2, -3.0)
	outer := e.Box("", 42.0, 0.0, 43.0, 2.0)
	lake := e.Box("", 42.4, 0.8, 42.6, 1.2)
	e.Relation(1, "en:Catalonia (example)",
		fixture.WayMember(outer, "outer"),
		fixture.WayMember(lake, "inner"),
	)

	pbfPath := filepath.Join(dir, "example.osm.pbf")
	if err := e.WriteFile(pbfPath, pbf.WithCompression(pbf.CompressionZstd)); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Wrote sample extract to %s\n\n", pbfPath)

	cachePath := filepath.Join(dir, "example.gidx")
	index, err := geo.Open(context.Background(), geo.Options{PBFPath: pbfPath, CachePath: cachePath})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Indexed %d boundaries\n\n", index.Len())

	queries := []struct {
		name     string
		lat, lon float64
	}{
		{"Madrid", 40.4168, -3.7038},
		{"Seville", 37.3891, -5.9845},
		{"Inside the lake", 42.5, 1.0},
		{"Lake shore", 42.2, 1.0},
		{"Paris", 48.8566, 2.3522},
	}

	fmt.Println("=== Point Lookups ===")
	for _, q := range queries {
		ref, ok := index.Find(q.lat, q.lon)
		if !ok {
			ref = "(no address found)"
		}
		fmt.Printf("  - %-16s (%.4f, %.4f): %s\n", q.name, q.lat, q.lon, ref)
	}

	// The second open is served from the cache written by the first
	fmt.Println("\n=== Loading Index From Cache ===")
	cached, err := geo.Load(cachePath)
	if err != nil {
		log.Fatal(err)
	}
	meta := cached.Metadata()
	fmt.Printf("Loaded %d boundaries built at %s\n", cached.Len(), meta.BuiltAt.Format("15:04:05"))
}
