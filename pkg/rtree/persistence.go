package rtree

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"

	"github.com/1F47E/pbf-geo-index/pkg/models"
)

// CacheVersion is bumped whenever the record layout changes.
const CacheVersion uint32 = 1

var cacheMagic = [4]byte{'G', 'I', 'D', 'X'}

// ErrCache matches every CacheError.
var ErrCache = errors.New("cache unusable")

// CacheError reports a cache file that is missing, unreadable, of another
// version or corrupt. Callers treat it as a cache miss.
type CacheError struct {
	Path string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("rtree: cache %s: %v", e.Path, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCache) hold for any CacheError.
func (e *CacheError) Is(target error) bool { return target == ErrCache }

// Metadata describes how a cache was produced.
type Metadata struct {
	BuiltAt time.Time
	// SourceSize and SourceModTime fingerprint the extract the index was built from.
	SourceSize    int64
	SourceModTime time.Time
}

// Matches reports whether the fingerprint equals fi.
func (m Metadata) Matches(fi os.FileInfo) bool {
	return m.SourceSize == fi.Size() && m.SourceModTime.Equal(fi.ModTime())
}

// fileHeader is the fixed-size little endian prefix of a cache file.
type fileHeader struct {
	Magic         [4]byte
	Version       uint32
	Count         uint64
	BuiltAt       int64
	SourceSize    int64
	SourceModTime int64
}

// record is the gob form of one boundary. Bound, Area and Seq are derived on load.
type record struct {
	Ref    string
	Source models.Source
	Outer  orb.Ring
	Holes  []orb.Ring
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SaveToFile writes the index to path. The file is written to a temporary
// name in the same directory and renamed into place, so an existing cache is
// never left half written.
func (idx *BoundaryIndex) SaveToFile(path string, meta Metadata) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	_ = tmp.Chmod(0o644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := idx.encode(buf, meta); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to publish cache: %w", err)
	}
	tmpName = ""

	// best-effort: make the rename durable
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func (idx *BoundaryIndex) encode(w io.Writer, meta Metadata) error {
	header := fileHeader{
		Magic:         cacheMagic,
		Version:       CacheVersion,
		Count:         uint64(len(idx.boundaries)),
		BuiltAt:       unixNano(meta.BuiltAt),
		SourceSize:    meta.SourceSize,
		SourceModTime: unixNano(meta.SourceModTime),
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write cache header: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	enc := gob.NewEncoder(zw)
	for _, b := range idx.boundaries {
		rec := record{Ref: b.Ref, Source: b.Source, Outer: b.Outer, Holes: b.Holes}
		if err := enc.Encode(&rec); err != nil {
			_ = zw.Close()
			return fmt.Errorf("failed to encode boundary: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish cache body: %w", err)
	}
	return nil
}

// ReadMetadata reads only the header of a cache file.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, &CacheError{Path: path, Err: err}
	}
	defer f.Close()

	header, err := readHeader(f)
	if err != nil {
		return Metadata{}, &CacheError{Path: path, Err: err}
	}
	return header.metadata(), nil
}

func readHeader(r io.Reader) (fileHeader, error) {
	var header fileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return header, fmt.Errorf("read header: %w", err)
	}
	if header.Magic != cacheMagic {
		return header, fmt.Errorf("bad magic %q", header.Magic[:])
	}
	if header.Version != CacheVersion {
		return header, fmt.Errorf("version %d, want %d", header.Version, CacheVersion)
	}
	return header, nil
}

func (h fileHeader) metadata() Metadata {
	return Metadata{
		BuiltAt:       fromUnixNano(h.BuiltAt),
		SourceSize:    h.SourceSize,
		SourceModTime: fromUnixNano(h.SourceModTime),
	}
}

// LoadFromFile reads a cache written by SaveToFile and rebuilds the index.
// Every failure is a *CacheError; a partial index is never returned.
func LoadFromFile(path string) (*BoundaryIndex, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, &CacheError{Path: path, Err: err}
	}
	defer f.Close()

	boundaries, meta, err := decode(bufio.NewReaderSize(f, 256*1024))
	if err != nil {
		return nil, Metadata{}, &CacheError{Path: path, Err: err}
	}
	return NewBoundaryIndex(boundaries), meta, nil
}

func decode(r io.Reader) ([]*models.Boundary, Metadata, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, Metadata{}, err
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("zstd: %w", err)
	}
	defer zr.Close()

	dec := gob.NewDecoder(zr)
	// cap the preallocation; the count is verified against the records anyway
	boundaries := make([]*models.Boundary, 0, min(header.Count, 1<<20))
	for i := uint64(0); i < header.Count; i++ {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			return nil, Metadata{}, fmt.Errorf("record %d of %d: %w", i, header.Count, err)
		}
		if err := rec.validate(); err != nil {
			return nil, Metadata{}, fmt.Errorf("record %d: %w", i, err)
		}
		boundaries = append(boundaries, models.NewBoundary(rec.Ref, rec.Source, rec.Outer, rec.Holes))
	}

	var extra record
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, Metadata{}, fmt.Errorf("more records than the header count %d", header.Count)
	}
	return boundaries, header.metadata(), nil
}

func (r *record) validate() error {
	if r.Ref == "" {
		return errors.New("empty reference")
	}
	if !closedRing(r.Outer) {
		return errors.New("outer ring not closed")
	}
	for i, h := range r.Holes {
		if !closedRing(h) {
			return fmt.Errorf("hole %d not closed", i)
		}
	}
	return nil
}

func closedRing(r orb.Ring) bool {
	return len(r) >= 4 && r[0] == r[len(r)-1]
}
