package etl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BartekS5/indexsync/pkg/models"
)

// MonotonicCheckpoints guards a CheckpointStore so a cursor never moves
// backwards. Writes to the same key are serialized; different keys do not
// contend.
type MonotonicCheckpoints struct {
	inner CheckpointStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMonotonicCheckpoints(inner CheckpointStore) *MonotonicCheckpoints {
	if m, ok := inner.(*MonotonicCheckpoints); ok {
		return m
	}
	return &MonotonicCheckpoints{inner: inner, locks: make(map[string]*sync.Mutex)}
}

func (m *MonotonicCheckpoints) keyLock(partition, section string) *sync.Mutex {
	key := partition + "/" + section
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *MonotonicCheckpoints) Get(ctx context.Context, partition, section string) (models.Cursor, bool, error) {
	return m.inner.Get(ctx, partition, section)
}

// Advance stores cursor only if it is after the stored one. It reports whether
// the checkpoint moved.
func (m *MonotonicCheckpoints) Advance(ctx context.Context, partition, section string, cursor models.Cursor) (bool, error) {
	if cursor.IsZero() {
		return false, nil
	}
	l := m.keyLock(partition, section)
	l.Lock()
	defer l.Unlock()

	current, ok, err := m.inner.Get(ctx, partition, section)
	if err != nil {
		return false, fmt.Errorf("read checkpoint %s/%s: %w", partition, section, err)
	}
	if ok && !cursor.After(current) {
		return false, nil
	}
	if err := m.inner.Set(ctx, partition, section, cursor); err != nil {
		return false, fmt.Errorf("write checkpoint %s/%s: %w", partition, section, err)
	}
	return true, nil
}

func (m *MonotonicCheckpoints) Set(ctx context.Context, partition, section string, cursor models.Cursor) error {
	_, err := m.Advance(ctx, partition, section, cursor)
	return err
}

func (m *MonotonicCheckpoints) Reset(ctx context.Context, partition string) error {
	return m.inner.Reset(ctx, partition)
}

func (m *MonotonicCheckpoints) List(ctx context.Context) ([]models.Checkpoint, error) {
	return m.inner.List(ctx)
}

// MemoryCheckpoints keeps checkpoints in process. Used for dry runs and tests.
type MemoryCheckpoints struct {
	mu   sync.RWMutex
	data map[string]models.Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{data: make(map[string]models.Checkpoint)}
}

func (m *MemoryCheckpoints) Get(_ context.Context, partition, section string) (models.Cursor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.data[partition+"/"+section]
	return cp.Cursor, ok, nil
}

func (m *MemoryCheckpoints) Set(_ context.Context, partition, section string, cursor models.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[partition+"/"+section] = models.Checkpoint{
		Partition: partition,
		Section:   section,
		Cursor:    models.NewCursor(cursor.Value, cursor.ID),
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryCheckpoints) Reset(_ context.Context, partition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, cp := range m.data {
		if cp.Partition == partition {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *MemoryCheckpoints) List(_ context.Context) ([]models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Checkpoint, 0, len(m.data))
	for _, cp := range m.data {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].Section < out[j].Section
	})
	return out, nil
}
