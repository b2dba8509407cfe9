package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the default backend; it is also what every test runs
// against.
type MemoryStore struct {
	mu       sync.Mutex
	workers  map[string]WorkerRecord
	jobs     map[string]JobRecord
	disputes map[string]DisputeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:  make(map[string]WorkerRecord),
		jobs:     make(map[string]JobRecord),
		disputes: make(map[string]DisputeRecord),
	}
}

func (m *MemoryStore) LoadWorker(_ context.Context, id string) (WorkerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	return w, ok, nil
}

func (m *MemoryStore) SaveWorker(_ context.Context, worker WorkerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if worker.CreatedAt.IsZero() {
		worker.CreatedAt = now
	}
	worker.UpdatedAt = now
	m.workers[worker.ID] = worker
	return nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]WorkerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sortByCreation(out, func(w WorkerRecord) (time.Time, string) { return w.CreatedAt, w.ID })
	return out, nil
}

func (m *MemoryStore) LoadJob(_ context.Context, id string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *MemoryStore) SaveJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) ListJobsByStatus(_ context.Context, statuses ...JobStatus) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		if statusMatch(j.Status, statuses) {
			out = append(out, j)
		}
	}
	sortByCreation(out, func(j JobRecord) (time.Time, string) { return j.CreatedAt, j.ID })
	return out, nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) LoadDispute(_ context.Context, id string) (DisputeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	return d, ok, nil
}

func (m *MemoryStore) SaveDispute(_ context.Context, dispute DisputeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if dispute.CreatedAt.IsZero() {
		dispute.CreatedAt = now
	}
	dispute.UpdatedAt = now
	m.disputes[dispute.ID] = dispute
	return nil
}

func (m *MemoryStore) ListDisputesByStatus(_ context.Context, statuses ...DisputeStatus) ([]DisputeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DisputeRecord, 0, len(m.disputes))
	for _, d := range m.disputes {
		if statusMatch(d.Status, statuses) {
			out = append(out, d)
		}
	}
	sortByCreation(out, func(d DisputeRecord) (time.Time, string) { return d.CreatedAt, d.ID })
	return out, nil
}

func (m *MemoryStore) DeleteDispute(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disputes, id)
	return nil
}

func sortByCreation[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}
