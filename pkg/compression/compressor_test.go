package compression

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte(`{"key":"value","counter":42}`), 64)

	for _, alg := range []Algorithm{None, Gzip, LZ4, Zstd, S2} {
		t.Run(string(alg), func(t *testing.T) {
			comp, err := NewCompressor(alg)
			require.NoError(t, err)
			assert.Equal(t, alg, comp.Algorithm())

			compressed, err := comp.Compress(original)
			require.NoError(t, err)
			if alg != None {
				assert.Less(t, len(compressed), len(original))
			}

			decompressed, err := comp.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, original, decompressed)
		})
	}
}

func TestForPath(t *testing.T) {
	assert.Equal(t, None, ForPath("state.json"))
	assert.Equal(t, Gzip, ForPath("state.json.gz"))
	assert.Equal(t, Zstd, ForPath("/tmp/state.json.ZST"))
	assert.Equal(t, S2, ForPath("state.s2"))
	assert.Equal(t, LZ4, ForPath("state.lz4"))
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := NewCompressor("brotli")
	assert.Error(t, err)
}

func TestDecompressGarbage(t *testing.T) {
	comp, err := NewCompressor(Gzip)
	require.NoError(t, err)
	_, err = comp.Decompress([]byte("not gzip"))
	assert.Error(t, err)
}

func TestWriteFileReadFile(t *testing.T) {
	dir := t.TempDir()
	payload := []byte(`{"a":1,"b":"two"}`)

	for _, name := range []string{"state.json", "state.json.gz", "state.json.zst", "state.json.s2", "state.json.lz4"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "nested", name)
			require.NoError(t, WriteFile(path, payload, 0o600))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			got, err := ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}

	_, err := ReadFile(filepath.Join(dir, "missing.json"))
	assert.True(t, os.IsNotExist(err))
}
