// Package compression compresses snapshot and cache files.
//
// The algorithm is chosen from the file extension, so an operator picks it by
// naming the file:
//
//	state.json       none
//	state.json.gz    gzip
//	state.json.zst   zstd
//	state.json.s2    s2 (Snappy compatible)
//	state.json.lz4   lz4
//
// # Basic Usage
//
//	comp, err := compression.NewCompressor(compression.ForPath(path))
//	compressed, err := comp.Compress(data)
//	original, err := comp.Decompress(compressed)
package compression

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

// maxDecompressed bounds decompressed payloads.
const maxDecompressed = 256 << 20

var extensions = map[string]Algorithm{
	".gz":   Gzip,
	".gzip": Gzip,
	".zst":  Zstd,
	".zstd": Zstd,
	".s2":   S2,
	".lz4":  LZ4,
}

// ForPath returns the algorithm selected by the extension of path.
func ForPath(path string) Algorithm {
	if alg, ok := extensions[strings.ToLower(filepath.Ext(path))]; ok {
		return alg
	}
	return None
}

// Compressor provides compression and decompression functionality.
// All implementations are safe for concurrent use.
type Compressor interface {
	// Compress compresses data and returns the compressed bytes.
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses data and returns the original bytes.
	Decompress(data []byte) ([]byte, error)

	// Algorithm returns the compression algorithm used.
	Algorithm() Algorithm
}

// NewCompressor creates a compressor for algorithm.
func NewCompressor(algorithm Algorithm) (Compressor, error) {
	switch algorithm {
	case None, "":
		return streamCompressor{algorithm: None}, nil
	case Gzip, LZ4, S2:
		return streamCompressor{algorithm: algorithm}, nil
	case Zstd:
		return getZstd()
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// streamCompressor compresses through the streaming writers of each library.
type streamCompressor struct {
	algorithm Algorithm
}

func (sc streamCompressor) Algorithm() Algorithm {
	return sc.algorithm
}

func (sc streamCompressor) Compress(data []byte) ([]byte, error) {
	if sc.algorithm == None {
		return append([]byte(nil), data...), nil
	}
	var buf bytes.Buffer
	var w io.WriteCloser
	switch sc.algorithm {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case LZ4:
		w = lz4.NewWriter(&buf)
	case S2:
		w = s2.NewWriter(&buf)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (sc streamCompressor) Decompress(data []byte) ([]byte, error) {
	if sc.algorithm == None {
		return append([]byte(nil), data...), nil
	}
	var r io.Reader
	switch sc.algorithm {
	case Gzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case LZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	case S2:
		r = s2.NewReader(bytes.NewReader(data))
	}
	return readLimited(r)
}

func readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressed+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecompressed {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxDecompressed)
	}
	return out, nil
}

// zstd encoders and decoders are expensive to build and safe for concurrent
// EncodeAll/DecodeAll, so one pair is shared.
var (
	zstdOnce sync.Once
	zstdComp *zstdCompressor
	zstdErr  error
)

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func getZstd() (*zstdCompressor, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			zstdErr = err
			return
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressed))
		if err != nil {
			zstdErr = err
			return
		}
		zstdComp = &zstdCompressor{encoder: enc, decoder: dec}
	})
	return zstdComp, zstdErr
}

func (zc *zstdCompressor) Algorithm() Algorithm {
	return Zstd
}

func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zc.encoder.EncodeAll(data, nil), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return zc.decoder.DecodeAll(data, nil)
}
