package blob

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps objects in memory.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	now     func() time.Time
	// Err, when set, is returned by every call.
	Err error
}

type memoryObject struct {
	data []byte
	meta Object
}

// NewMemoryBackend creates an empty bucket.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: map[string]memoryObject{}, now: time.Now}
}

// Raw returns the stored bytes of key.
func (m *MemoryBackend) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj.data, ok
}

func (m *MemoryBackend) Ping(context.Context) error { return m.Err }

func (m *MemoryBackend) Get(_ context.Context, key string, limit int64) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, "", m.Err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	data, err := ReadLimited(bytes.NewReader(obj.data), limit)
	return data, obj.meta.ContentType, err
}

func (m *MemoryBackend) Put(_ context.Context, key string, data []byte, contentType string) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Object{}, m.Err
	}
	meta := Object{
		Key:         key,
		Size:        int64(len(data)),
		Updated:     m.now().UTC(),
		ContentType: contentType,
		ETag:        "mem-" + key,
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), meta: meta}
	return meta, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryBackend) List(_ context.Context, prefix string, limit int) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := []Object{}
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }
