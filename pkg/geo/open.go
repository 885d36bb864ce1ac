package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/1F47E/pbf-geo-index/pkg/assembler"
	"github.com/1F47E/pbf-geo-index/pkg/rtree"
)

var (
	// ErrNoExtract is returned when neither a usable cache nor an extract path is available.
	ErrNoExtract = errors.New("no extract to build from")
	// ErrStaleCache marks a cache built from a different extract.
	ErrStaleCache = errors.New("cache built from a different extract")
)

// Options configures Open and Build.
type Options struct {
	PBFPath   string
	CachePath string
	// Workers bounds parallel blob decoding. Zero means GOMAXPROCS.
	Workers int
	// Rebuild ignores an existing cache.
	Rebuild bool
	Logger  *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Open returns an index for opts.PBFPath. A cache at opts.CachePath is used
// when it is readable, of the current version and, if the extract exists,
// was built from it. Otherwise the index is built from the extract and the
// cache rewritten; a failed cache write is logged and does not fail Open.
func Open(ctx context.Context, opts Options) (*GeoIndex, error) {
	log := opts.logger()

	if opts.CachePath != "" && !opts.Rebuild {
		start := time.Now()
		g, err := loadFresh(opts)
		if err == nil {
			log.Info("index loaded from cache",
				"path", opts.CachePath,
				"boundaries", g.Len(),
				"took", time.Since(start))
			return g, nil
		}
		log.Info("cache miss, building from extract", "reason", err)
	}

	g, _, err := Build(ctx, opts)
	if err != nil {
		return nil, err
	}

	if opts.CachePath != "" {
		if err := g.Save(opts.CachePath); err != nil {
			log.Warn("failed to write cache", "path", opts.CachePath, "error", err)
		} else {
			log.Info("cache written", "path", opts.CachePath)
		}
	}
	return g, nil
}

func loadFresh(opts Options) (*GeoIndex, error) {
	meta, err := rtree.ReadMetadata(opts.CachePath)
	if err != nil {
		return nil, err
	}
	if opts.PBFPath != "" {
		// a missing extract does not invalidate the cache
		if fi, err := os.Stat(opts.PBFPath); err == nil && !meta.Matches(fi) {
			return nil, &rtree.CacheError{Path: opts.CachePath, Err: ErrStaleCache}
		}
	}
	return Load(opts.CachePath)
}

// Load reads an index from a cache file. Errors are *rtree.CacheError.
func Load(path string) (*GeoIndex, error) {
	idx, meta, err := rtree.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return &GeoIndex{index: idx, meta: meta}, nil
}

// Build assembles an index from opts.PBFPath without touching any cache.
func Build(ctx context.Context, opts Options) (*GeoIndex, assembler.Stats, error) {
	if opts.PBFPath == "" {
		return nil, assembler.Stats{}, ErrNoExtract
	}
	fi, err := os.Stat(opts.PBFPath)
	if err != nil {
		return nil, assembler.Stats{}, fmt.Errorf("failed to stat extract: %w", err)
	}

	log := opts.logger()
	start := time.Now()
	a := assembler.New(assembler.Options{Workers: opts.Workers, Logger: log})
	boundaries, stats, err := a.Assemble(ctx, opts.PBFPath)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to assemble boundaries: %w", err)
	}

	g := &GeoIndex{
		index: rtree.NewBoundaryIndex(boundaries),
		meta: rtree.Metadata{
			BuiltAt:       time.Now(),
			SourceSize:    fi.Size(),
			SourceModTime: fi.ModTime(),
		},
	}
	log.Info("index built", "boundaries", g.Len(), "took", time.Since(start))
	return g, stats, nil
}

// Save writes the index to a cache file.
func (g *GeoIndex) Save(path string) error {
	return g.index.SaveToFile(path, g.meta)
}
