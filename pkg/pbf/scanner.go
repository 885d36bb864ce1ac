package pbf

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Options configures a Scanner.
type Options struct {
	// Workers is the number of blobs decoded in parallel. Zero means GOMAXPROCS.
	Workers int
	// Kinds selects the primitive classes to decode. Zero means KindAll.
	Kinds Kind
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Kinds == 0 {
		o.Kinds = KindAll
	}
	return o
}

type result struct {
	header *Header
	block  *Block
	err    error
}

type job struct {
	blob *rawBlob
	done chan result
}

// Scanner streams the data blocks of an extract in source order. Blobs are
// decoded by a pool of workers and handed out in the order they were read.
//
// Typical use:
//
//	s, err := pbf.Open(ctx, path, pbf.Options{Kinds: pbf.KindWay})
//	...
//	defer s.Close()
//	for s.Scan() {
//		for _, w := range s.Block().Ways { ... }
//	}
//	if err := s.Err(); err != nil { ... }
type Scanner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	futures chan chan result
	closer  io.Closer
	kinds   Kind

	header    *Header
	block     *Block
	err       error
	closed    bool
	bytesRead atomic.Int64
}

// Open opens the extract at path. The scanner owns the file and releases it on Close.
func Open(ctx context.Context, path string, opts Options) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open extract: %w", err)
	}
	s := NewScanner(ctx, f, opts)
	s.closer = f
	return s, nil
}

// NewScanner starts decoding r. Callers must Close the scanner to stop the
// workers; r itself is not closed.
func NewScanner(ctx context.Context, r io.Reader, opts Options) *Scanner {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	s := &Scanner{
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
		futures: make(chan chan result, opts.Workers),
		kinds:   opts.Kinds,
	}

	jobs := make(chan job, opts.Workers)
	br := bufio.NewReaderSize(r, 1<<20)

	g.Go(func() error {
		return s.read(gctx, br, jobs)
	})
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				if err := gctx.Err(); err != nil {
					j.done <- result{err: err}
					continue
				}
				j.done <- s.decode(j.blob)
			}
			return nil
		})
	}
	return s
}

// read frames blobs off r. For every blob it publishes a future before
// queueing the decode job so the consumer observes source order.
func (s *Scanner) read(ctx context.Context, r io.Reader, jobs chan<- job) error {
	defer close(jobs)
	defer close(s.futures)

	var offset int64
	for index := 0; ; index++ {
		blob, n, err := readBlob(r, index, offset)
		if errors.Is(err, io.EOF) {
			return nil
		}

		done := make(chan result, 1)
		if err != nil {
			done <- result{err: &DecodeError{Offset: offset, Block: index, Err: err}}
			select {
			case s.futures <- done:
			case <-ctx.Done():
			}
			return nil
		}
		offset += n
		s.bytesRead.Store(offset)

		select {
		case s.futures <- done:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case jobs <- job{blob: blob, done: done}:
		case <-ctx.Done():
			done <- result{err: ctx.Err()}
			return ctx.Err()
		}
	}
}

func (s *Scanner) decode(blob *rawBlob) result {
	wrap := func(err error) result {
		return result{err: &DecodeError{Offset: blob.offset, Block: blob.index, Err: err}}
	}

	switch blob.kind {
	case blobTypeHeader, blobTypeData:
	default:
		// unknown blob types are skipped per the file format
		return result{}
	}

	data, err := decompress(blob.data)
	if err != nil {
		return wrap(err)
	}

	if blob.kind == blobTypeHeader {
		h, err := decodeHeader(data)
		if err != nil {
			return wrap(err)
		}
		return result{header: h}
	}

	block := &Block{Index: blob.index, Offset: blob.offset}
	if err := decodePrimitiveBlock(data, s.kinds, block); err != nil {
		return wrap(err)
	}
	return result{block: block}
}

// Scan advances to the next data block. It returns false at the end of the
// extract or on the first error, which is then reported by Err.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.closed {
		return false
	}
	s.block = nil

	for {
		done, ok := <-s.futures
		if !ok {
			if err := s.ctx.Err(); err != nil {
				s.err = err
			} else if s.header == nil {
				// an extract must open with an OSMHeader block, even when it has no data
				s.fail(&DecodeError{Offset: s.bytesRead.Load(), Err: ErrMissingHeader})
			}
			return false
		}

		res := <-done
		if res.err != nil {
			s.fail(res.err)
			return false
		}
		if res.header != nil {
			if s.header == nil {
				s.header = res.header
			}
			continue
		}
		if res.block == nil {
			continue
		}
		if s.header == nil {
			s.fail(&DecodeError{Offset: res.block.Offset, Block: res.block.Index, Err: ErrMissingHeader})
			return false
		}

		s.block = res.block
		return true
	}
}

func (s *Scanner) fail(err error) {
	s.err = err
	s.cancel()
}

// Block returns the block produced by the last successful Scan.
func (s *Scanner) Block() *Block {
	return s.block
}

// Header returns the OSMHeader contents once the header block has been scanned.
func (s *Scanner) Header() *Header {
	return s.header
}

// Err returns the first error encountered by Scan.
func (s *Scanner) Err() error {
	return s.err
}

// BytesRead reports how far the reader has progressed through the extract.
// The reader runs ahead of Scan by up to Workers blobs.
func (s *Scanner) BytesRead() int64 {
	return s.bytesRead.Load()
}

// Close stops the workers and releases the underlying file, if any.
func (s *Scanner) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	_ = s.g.Wait()

	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return fmt.Errorf("failed to close extract: %w", err)
		}
	}
	return nil
}
