package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu        sync.RWMutex
	closed    bool
	scores    map[string]map[uuid.UUID]Score
	seq       map[uuid.UUID]uint64
	next      uint64
	locations map[string]time.Time
}

// NewMemory returns a process-local store used for development and tests.
func NewMemory() Store {
	return &memoryStore{
		scores:    make(map[string]map[uuid.UUID]Score),
		seq:       make(map[uuid.UUID]uint64),
		locations: make(map[string]time.Time),
	}
}

func (m *memoryStore) Insert(_ context.Context, partition string, score *Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if score.ID == uuid.Nil {
		score.ID = uuid.New()
	}
	score.Partition = partition
	records, ok := m.scores[partition]
	if !ok {
		records = make(map[uuid.UUID]Score)
		m.scores[partition] = records
	}
	records[score.ID] = *score
	m.next++
	m.seq[score.ID] = m.next
	return nil
}

func (m *memoryStore) Find(_ context.Context, partition string, q Query) ([]Score, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Score, 0)
	for _, score := range m.scores[partition] {
		if q.matches(score) {
			out = append(out, score)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch q.Order {
		case OrderDateDesc:
			if !a.Date.Equal(b.Date) {
				return a.Date.After(b.Date)
			}
		case OrderDateAsc:
			if !a.Date.Equal(b.Date) {
				return a.Date.Before(b.Date)
			}
		default:
			if a.Points != b.Points {
				return a.Points > b.Points
			}
			if !a.Date.Equal(b.Date) {
				return a.Date.Before(b.Date)
			}
		}
		return m.seq[a.ID] < m.seq[b.ID]
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (q Query) matches(s Score) bool {
	if q.Control != "" && s.Control != q.Control {
		return false
	}
	if q.Location != "" && s.Location != q.Location {
		return false
	}
	if q.NewWeek != nil && s.NewWeek != *q.NewWeek {
		return false
	}
	if q.Name != nil && s.Name != *q.Name {
		return false
	}
	if q.Comment != nil && s.Comment != *q.Comment {
		return false
	}
	if q.Points != nil && s.Points != *q.Points {
		return false
	}
	if q.PointsBelow != nil && s.Points >= *q.PointsBelow {
		return false
	}
	if !q.DateAtOrBefore.IsZero() && s.Date.After(q.DateAtOrBefore) {
		return false
	}
	if !q.DateAfter.IsZero() && !s.Date.After(q.DateAfter) {
		return false
	}
	return true
}

func (m *memoryStore) Put(_ context.Context, partition string, scores []Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	records := m.scores[partition]
	for _, score := range scores {
		if records == nil {
			break
		}
		existing, ok := records[score.ID]
		if !ok {
			continue
		}
		existing.NewWeek = score.NewWeek
		records[score.ID] = existing
	}
	return nil
}

func (m *memoryStore) Delete(_ context.Context, partition string, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	records := m.scores[partition]
	for _, id := range ids {
		delete(records, id)
		delete(m.seq, id)
	}
	return nil
}

func (m *memoryStore) SaveLocation(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.locations[name]; !ok {
		m.locations[name] = time.Now().UTC()
	}
	return nil
}

func (m *memoryStore) Locations(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.locations))
	for name := range m.locations {
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
