package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrIndexNotFound 在 EnsureIndex 之前读写内存索引时返回。
var ErrIndexNotFound = errors.New("vector index does not exist")

// Memory 是暴力余弦检索的内存实现，用于本地开发与测试。
type Memory struct {
	mu      sync.RWMutex
	spec    *IndexSpec
	records map[string]Record
}

// NewMemory 创建一个空的内存索引。
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) EnsureIndex(_ context.Context, spec IndexSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spec == nil {
		s := spec
		m.spec = &s
	}
	return nil
}

func (m *Memory) Ready(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spec != nil, nil
}

func (m *Memory) Upsert(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spec == nil {
		return ErrIndexNotFound
	}
	for _, r := range records {
		if m.spec.Dimensions > 0 && len(r.Vector) != m.spec.Dimensions {
			return fmt.Errorf("record %s has %d dimensions, index expects %d", r.ID, len(r.Vector), m.spec.Dimensions)
		}
		fields := make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		m.records[r.ID] = Record{ID: r.ID, Vector: append([]float32(nil), r.Vector...), Fields: fields}
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.spec == nil {
		return nil, ErrIndexNotFound
	}

	matches := make([]Match, 0)
	for _, r := range m.records {
		if !q.Filter.Matches(r.Fields) {
			continue
		}
		fields := make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		matches = append(matches, Match{ID: r.ID, Score: cosine(q.Vector, r.Vector), Fields: fields})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if q.TopK > 0 && len(matches) > q.TopK {
		matches = matches[:q.TopK]
	}
	return matches, nil
}

func (m *Memory) DeleteMany(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

// Len 返回当前记录数。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
