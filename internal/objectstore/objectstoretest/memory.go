// Package objectstoretest provides an in-process objectstore.Store for tests
// of packages that read or write rendered variants.
package objectstoretest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"imagepipe/internal/objectstore"
)

// Memory is an in-process objectstore.Store. Presigned URLs use the memory:// scheme.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	down    bool
}

var _ objectstore.Store = (*Memory)(nil)

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

var errMemoryDown = errors.New("object store unavailable")

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errMemoryDown
	}
	m.objects[key] = memObject{data: bytes.Clone(data), contentType: contentType, modified: time.Now()}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	info, err := m.Stat(ctx, key)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return io.NopCloser(bytes.NewReader(m.objects[key].data)), info, nil
}

func (m *Memory) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return objectstore.ObjectInfo{}, errMemoryDown
	}
	obj, ok := m.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("%w: %s", objectstore.ErrObjectNotFound, key)
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modified}, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errMemoryDown
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errMemoryDown
	}
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

func (m *Memory) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := m.Stat(ctx, key); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int(expiry.Seconds())), nil
}

func (m *Memory) EnsureBucket(context.Context) error { return m.Healthy(context.Background()) }

func (m *Memory) Healthy(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return errMemoryDown
	}
	return nil
}

// Keys lists stored keys under prefix in lexical order.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// SetDown makes every call fail, simulating an unreachable store.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}
