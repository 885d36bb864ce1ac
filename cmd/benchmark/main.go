package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/1F47E/pbf-geo-index/internal/logger"
	"github.com/1F47E/pbf-geo-index/pkg/geo"
	"github.com/1F47E/pbf-geo-index/pkg/models"
	"github.com/1F47E/pbf-geo-index/pkg/postgis"
)

type BenchmarkResult struct {
	TotalQueries  int
	TotalDuration time.Duration
	AvgDuration   time.Duration
	QueriesPerSec float64
	MinDuration   time.Duration
	MaxDuration   time.Duration
	Found         int64
}

func main() {
	var (
		pbfPath    = flag.String("pbf", os.Getenv("PBF"), "OSM PBF extract")
		cachePath  = flag.String("cache", os.Getenv("CACHE"), "Index cache file")
		numQueries = flag.Int("n", 100000, "Number of queries to run")
		workers    = flag.Int("w", runtime.NumCPU(), "Number of concurrent workers")
		logLevel   = flag.String("log-level", "info", "Log level")
		postgisDSN = flag.String("postgis", "", "PostGIS connection string; when set the same queries are cross-checked against it")
		// zero bounds fall back to the extent of the index
		minLat = flag.Float64("min-lat", 0, "Minimum latitude for random queries")
		maxLat = flag.Float64("max-lat", 0, "Maximum latitude for random queries")
		minLon = flag.Float64("min-lon", 0, "Minimum longitude for random queries")
		maxLon = flag.Float64("max-lon", 0, "Maximum longitude for random queries")
	)
	flag.Parse()

	log, err := logger.New(*logLevel, "text")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	start := time.Now()
	index, err := geo.Open(context.Background(), geo.Options{
		PBFPath:   *pbfPath,
		CachePath: *cachePath,
		Logger:    log,
	})
	if err != nil {
		log.Error("failed to open index", "err", err)
		os.Exit(1)
	}
	log.Info("index ready", "boundaries", index.Len(), "took", time.Since(start))

	area := index.Bounds()
	if *minLat != 0 || *maxLat != 0 || *minLon != 0 || *maxLon != 0 {
		area = models.BoundingBox{
			BottomLeft: models.Location{Lat: *minLat, Lon: *minLon},
			TopRight:   models.Location{Lat: *maxLat, Lon: *maxLon},
		}
	}

	log.Info("running queries", "queries", *numQueries, "workers", *workers)
	result := benchmarkFind(index, *numQueries, max(1, *workers), area)

	fmt.Println("\n=== Benchmark Results ===")
	fmt.Printf("Total Queries: %d\n", result.TotalQueries)
	fmt.Printf("Total Duration: %v\n", result.TotalDuration)
	fmt.Printf("Average Duration: %v\n", result.AvgDuration)
	fmt.Printf("Queries/Second: %.2f\n", result.QueriesPerSec)
	fmt.Printf("Min Duration: %v\n", result.MinDuration)
	fmt.Printf("Max Duration: %v\n", result.MaxDuration)
	fmt.Printf("Hit Rate: %.2f%%\n", 100*float64(result.Found)/float64(max(1, result.TotalQueries)))
	fmt.Printf("Workers Used: %d\n", *workers)
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())

	if *postgisDSN != "" {
		if err := comparePostGIS(context.Background(), *postgisDSN, index, *numQueries, area); err != nil {
			log.Error("postgis comparison failed", "err", err)
			os.Exit(1)
		}
	}
}

// comparePostGIS loads the boundaries into PostGIS and replays random
// queries against both backends.
func comparePostGIS(ctx context.Context, dsn string, index *geo.GeoIndex, numQueries int, area models.BoundingBox) error {
	db, err := postgis.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	if err := db.BulkInsert(ctx, index.Boundaries()); err != nil {
		return err
	}
	if err := db.CreateSpatialIndex(ctx); err != nil {
		return err
	}
	size, err := db.TableSize(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\n=== PostGIS Comparison ===")
	fmt.Printf("Load Duration: %v\n", time.Since(start))
	fmt.Printf("Table Size: %s\n", size)

	r := rand.New(rand.NewSource(1))
	var mismatches int
	var dbTime time.Duration
	for i := 0; i < numQueries; i++ {
		lat := area.BottomLeft.Lat + r.Float64()*(area.TopRight.Lat-area.BottomLeft.Lat)
		lon := area.BottomLeft.Lon + r.Float64()*(area.TopRight.Lon-area.BottomLeft.Lon)

		qStart := time.Now()
		dbRef, dbOK, err := db.Lookup(ctx, lat, lon)
		dbTime += time.Since(qStart)
		if err != nil {
			return err
		}
		// points exactly on a hole edge may differ, PostGIS counts them as covered
		if ref, ok := index.Find(lat, lon); ok != dbOK || ref != dbRef {
			mismatches++
		}
	}

	fmt.Printf("Queries/Second: %.2f\n", float64(numQueries)/dbTime.Seconds())
	fmt.Printf("Mismatches: %d of %d\n", mismatches, numQueries)
	return nil
}

func benchmarkFind(index *geo.GeoIndex, numQueries, workers int, area models.BoundingBox) BenchmarkResult {
	var (
		found       int64
		minDuration = time.Hour
		maxDuration time.Duration
		mu          sync.Mutex
	)

	startTime := time.Now()

	queryCh := make(chan struct{}, numQueries)
	for i := 0; i < numQueries; i++ {
		queryCh <- struct{}{}
	}
	close(queryCh)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))

			var (
				localFound int64
				localMin   = time.Hour
				localMax   time.Duration
			)
			for range queryCh {
				lat := area.BottomLeft.Lat + r.Float64()*(area.TopRight.Lat-area.BottomLeft.Lat)
				lon := area.BottomLeft.Lon + r.Float64()*(area.TopRight.Lon-area.BottomLeft.Lon)

				qStart := time.Now()
				_, ok := index.Find(lat, lon)
				d := time.Since(qStart)

				if ok {
					localFound++
				}
				localMin = min(localMin, d)
				localMax = max(localMax, d)
			}

			mu.Lock()
			found += localFound
			minDuration = min(minDuration, localMin)
			maxDuration = max(maxDuration, localMax)
			mu.Unlock()
		}(int64(w) + 1)
	}
	wg.Wait()

	total := time.Since(startTime)
	result := BenchmarkResult{
		TotalQueries:  numQueries,
		TotalDuration: total,
		MinDuration:   minDuration,
		MaxDuration:   maxDuration,
		Found:         found,
	}
	if numQueries > 0 {
		result.AvgDuration = total / time.Duration(numQueries)
		result.QueriesPerSec = float64(numQueries) / total.Seconds()
	}
	return result
}
