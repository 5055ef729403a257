package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memObject struct {
	data  []byte
	attrs Attrs
}

// Memory is an in-process Store. Contents are lost on exit.
type Memory struct {
	bucket string

	mu      sync.Mutex
	objects map[string]memObject
	lastGen Generation
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory(bucket string) *Memory {
	return &Memory{
		bucket:  bucket,
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

func (m *Memory) Upload(ctx context.Context, key string, r io.Reader, ifGenerationMatch Generation) (Attrs, error) {
	if key == "" {
		return Attrs{}, ErrEmptyKey
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Attrs{}, fmt.Errorf("read upload body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Attrs{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkPrecondition(key, "upload", m.objects[key].attrs.Generation, ifGenerationMatch); err != nil {
		return Attrs{}, err
	}

	m.lastGen++
	attrs := Attrs{
		Key:        key,
		Generation: m.lastGen,
		Size:       int64(len(data)),
		Created:    m.now().UTC(),
	}
	m.objects[key] = memObject{data: data, attrs: attrs}
	return attrs, nil
}

func (m *Memory) Attrs(ctx context.Context, key string) (Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return Attrs{}, ErrNotFound
	}
	return obj.attrs, nil
}

func (m *Memory) Open(ctx context.Context, key string) (io.ReadCloser, Attrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, Attrs{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.attrs, nil
}

func (m *Memory) Delete(ctx context.Context, key string, generation Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return ErrNotFound
	}
	if err := checkPrecondition(key, "delete", obj.attrs.Generation, generation); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) Location(key string) string {
	return "mem://" + m.bucket + "/" + key
}

func (m *Memory) Close() error { return nil }
