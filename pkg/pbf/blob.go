package pbf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	maxBlobHeaderSize = 64 * 1024
	maxBlobSize       = 32 * 1024 * 1024

	blobTypeHeader = "OSMHeader"
	blobTypeData   = "OSMData"
)

// Compression selects how blobs are compressed.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZlib
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return "unknown"
}

// Blob field numbers (fileformat.proto).
const (
	blobRaw     protowire.Number = 1
	blobRawSize protowire.Number = 2
	blobZlib    protowire.Number = 3
	blobLZMA    protowire.Number = 4
	blobBzip2   protowire.Number = 5
	blobLZ4     protowire.Number = 6
	blobZstd    protowire.Number = 7

	blobHeaderType     protowire.Number = 1
	blobHeaderIndex    protowire.Number = 2
	blobHeaderDataSize protowire.Number = 3
)

// rawBlob is a framed blob read from the extract, not yet decompressed.
type rawBlob struct {
	index  int
	offset int64
	kind   string
	data   []byte
}

// readBlob reads one framed blob. It returns io.EOF only at a clean block boundary.
func readBlob(r io.Reader, index int, offset int64) (*rawBlob, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("read header length: %w", err)
	}

	headerLen := binary.BigEndian.Uint32(lenBuf[:])
	if headerLen == 0 || headerLen > maxBlobHeaderSize {
		return nil, 0, fmt.Errorf("%w: blob header of %d bytes", ErrBlobTooLarge, headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, fmt.Errorf("read blob header: %w", noEOF(err))
	}

	var (
		kind     string
		dataSize int64 = -1
	)
	err := walkFields(header, func(f field) error {
		switch f.num {
		case blobHeaderType:
			kind = string(f.data)
		case blobHeaderDataSize:
			dataSize = int64(int32(f.v))
		}
		return nil
	})
	if err != nil {
		return nil, 0, malformed("blob header: %v", err)
	}
	if kind == "" || dataSize < 0 {
		return nil, 0, malformed("blob header missing type or datasize")
	}
	if dataSize > maxBlobSize {
		return nil, 0, fmt.Errorf("%w: blob of %d bytes", ErrBlobTooLarge, dataSize)
	}

	data := make([]byte, dataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, 0, fmt.Errorf("read blob: %w", noEOF(err))
	}

	n := int64(4 + int(headerLen) + int(dataSize))
	return &rawBlob{index: index, offset: offset, kind: kind, data: data}, n, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobSize))
	})
	return zstdDecoder, zstdErr
}

// decompress extracts the payload of a Blob message.
func decompress(blob []byte) ([]byte, error) {
	var (
		payload []byte
		rawSize int64 = -1
		comp          = Compression(255)
	)

	err := walkFields(blob, func(f field) error {
		switch f.num {
		case blobRaw:
			payload, comp = f.data, CompressionNone
		case blobRawSize:
			rawSize = int64(int32(f.v))
		case blobZlib:
			payload, comp = f.data, CompressionZlib
		case blobLZ4:
			payload, comp = f.data, CompressionLZ4
		case blobZstd:
			payload, comp = f.data, CompressionZstd
		case blobLZMA:
			return fmt.Errorf("%w: lzma", ErrUnsupportedCompression)
		case blobBzip2:
			return fmt.Errorf("%w: bzip2", ErrUnsupportedCompression)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if comp == CompressionNone {
		if rawSize >= 0 && int64(len(payload)) != rawSize {
			return nil, malformed("raw blob of %d bytes, raw_size %d", len(payload), rawSize)
		}
		return payload, nil
	}
	if comp > CompressionZstd {
		return nil, malformed("blob without data")
	}
	if rawSize < 0 {
		return nil, malformed("compressed blob without raw_size")
	}
	if rawSize > maxBlobSize {
		return nil, fmt.Errorf("%w: raw_size %d", ErrBlobTooLarge, rawSize)
	}

	var out []byte
	switch comp {
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer zr.Close()
		out = make([]byte, rawSize)
		if _, err := io.ReadFull(zr, out); err != nil {
			return nil, fmt.Errorf("zlib: %w", noEOF(err))
		}
		// reading to EOF verifies the adler32 trailer
		var extra [1]byte
		n, err := zr.Read(extra[:])
		if n > 0 {
			return nil, malformed("zlib payload longer than raw_size %d", rawSize)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("zlib: %w", err)
		}
	case CompressionLZ4:
		out = make([]byte, rawSize)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		out = out[:n]
	case CompressionZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		out, err = dec.DecodeAll(payload, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
	}

	if int64(len(out)) != rawSize {
		return nil, malformed("%s payload of %d bytes, raw_size %d", comp, len(out), rawSize)
	}
	return out, nil
}

// compress encodes payload as a Blob message.
func compress(payload []byte, comp Compression) ([]byte, error) {
	var (
		num  = blobRaw
		body = payload
	)

	switch comp {
	case CompressionNone:
	case CompressionZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		num, body = blobZlib, buf.Bytes()
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, dst, nil)
		if err != nil {
			return nil, err
		}
		// n == 0 means incompressible; keep the raw payload
		if n > 0 {
			num, body = blobLZ4, dst[:n]
		}
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		body = enc.EncodeAll(payload, nil)
		_ = enc.Close()
		num = blobZstd
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCompression, comp)
	}

	var out []byte
	if num != blobRaw {
		out = protowire.AppendTag(out, blobRawSize, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(len(payload)))
	}
	out = protowire.AppendTag(out, num, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}
