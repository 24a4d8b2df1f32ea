package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

func do(t *testing.T, s core.Session, op string, params map[string]any) (any, error) {
	t.Helper()
	return s.Do(context.Background(), core.NewRequest(op, params), credential.Credential{})
}

func TestTextAndJSONObjects(t *testing.T) {
	backend := NewMemoryBackend()
	s := NewSession(backend, 0)

	v, err := do(t, s, "put_object", map[string]any{"key": "notes/a.txt", "body": "hello"})
	require.NoError(t, err)
	obj := v.(Object)
	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, "text/plain; charset=utf-8", obj.ContentType)
	assert.NotEmpty(t, obj.ETag)
	assert.Equal(t, Digest([]byte("hello")), obj.Digest)

	v, err = do(t, s, "get_object", map[string]any{"key": "notes/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = do(t, s, "put_object", map[string]any{"key": "orders/1.json", "body": map[string]any{"id": 1, "items": []any{"a"}}})
	require.NoError(t, err)
	v, err = do(t, s, "get_object", map[string]any{"key": "orders/1.json"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(1), "items": []any{"a"}}, v)

	v, err = do(t, s, "get_object", map[string]any{"key": "orders/1.json", "format": "text"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"items":["a"]}`, v.(string))

	v, err = do(t, s, "get_object", map[string]any{"key": "notes/a.txt", "format": "base64"})
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", v)

	_, err = do(t, s, "get_object", map[string]any{"key": "notes/a.txt", "format": "json"})
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))

	_, err = do(t, s, "get_object", map[string]any{"key": "notes/a.txt", "format": "xml"})
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))
}

func TestCompressedKeys(t *testing.T) {
	for _, key := range []string{"snap.json.gz", "snap.json.zst", "snap.json.s2", "snap.json.lz4"} {
		t.Run(key, func(t *testing.T) {
			backend := NewMemoryBackend()
			s := NewSession(backend, 0)

			v, err := do(t, s, "put_object", map[string]any{"key": key, "body": map[string]any{"n": 1}})
			require.NoError(t, err)

			raw, ok := backend.Raw(key)
			require.True(t, ok)
			assert.NotEqual(t, `{"n":1}`, string(raw))
			assert.Equal(t, Digest(raw), v.(Object).Digest)

			v, err = do(t, s, "get_object", map[string]any{"key": key})
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"n": float64(1)}, v)
		})
	}
}

func TestMissingObjectIsNil(t *testing.T) {
	s := NewSession(NewMemoryBackend(), 0)
	v, err := do(t, s, "get_object", map[string]any{"key": "nope"})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = do(t, s, "delete_object", map[string]any{"key": "nope"})
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestListObjects(t *testing.T) {
	backend := NewMemoryBackend()
	s := NewSession(backend, 0)
	for _, key := range []string{"a/2", "a/1", "a/3", "b/1"} {
		_, err := do(t, s, "put_object", map[string]any{"key": key, "body": key})
		require.NoError(t, err)
	}

	v, err := do(t, s, "list_objects", map[string]any{"prefix": "a/", "limit": 2})
	require.NoError(t, err)
	objects := v.([]Object)
	require.Len(t, objects, 2)
	assert.Equal(t, "a/1", objects[0].Key)
	assert.Equal(t, "a/2", objects[1].Key)

	v, err = do(t, s, "list_objects", nil)
	require.NoError(t, err)
	assert.Len(t, v.([]Object), 4)
}

func TestBodyLimit(t *testing.T) {
	s := NewSession(NewMemoryBackend(), 4)
	_, err := do(t, s, "put_object", map[string]any{"key": "big", "body": "0123456789"})
	require.NoError(t, err)
	_, err = do(t, s, "get_object", map[string]any{"key": "big"})
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))
}

func TestBackendErrorsPassThrough(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Err = errors.Conn(errors.KindRefused, "bucket unreachable", nil)
	s := NewSession(backend, 0)

	_, err := do(t, s, "ping", nil)
	assert.True(t, errors.IsKind(err, errors.KindRefused))
	_, err = do(t, s, "list_objects", nil)
	assert.True(t, errors.IsKind(err, errors.KindRefused))
}

func TestRequestValidation(t *testing.T) {
	s := NewSession(NewMemoryBackend(), 0)
	_, err := do(t, s, "get_object", nil)
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))
	_, err = do(t, s, "put_object", map[string]any{"key": "k"})
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))
	_, err = do(t, s, "copy_object", nil)
	assert.True(t, errors.IsKind(err, errors.KindUnknownAction))
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "ef46db3751d8e999", Digest(nil))
	assert.Equal(t, Digest([]byte("abc")), Digest([]byte("abc")))
	assert.NotEqual(t, Digest([]byte("abc")), Digest([]byte("abd")))
}
