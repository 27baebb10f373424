package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"memtriage/internal/engine"
	"memtriage/internal/fingerprint"
)

// Memory is the in-memory Store used by tests and single-shot CLI runs. It
// implements the same visibility rules as the Postgres store: plugin
// batches appear atomically and job registration is exclusive per
// fingerprint.
type Memory struct {
	mu        sync.RWMutex
	dumps     map[uuid.UUID]*Dump
	jobs      map[uuid.UUID]*Job
	artifacts map[uuid.UUID][]Artifact
	sizes     map[uuid.UUID]int64
	findings  map[uuid.UUID][]byte
	prov      []ProvenanceEntry
	provSeq   int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		dumps:     make(map[uuid.UUID]*Dump),
		jobs:      make(map[uuid.UUID]*Job),
		artifacts: make(map[uuid.UUID][]Artifact),
		sizes:     make(map[uuid.UUID]int64),
		findings:  make(map[uuid.UUID][]byte),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) UpsertDump(ctx context.Context, d *Dump) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.dumps {
		if existing.SHA256 == d.SHA256 {
			d.ID = existing.ID
			d.CreatedAt = existing.CreatedAt
			d.UpdatedAt = time.Now().UTC()
			cp := *d
			m.dumps[existing.ID] = &cp
			return nil
		}
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	m.dumps[d.ID] = &cp
	return nil
}

func (m *Memory) DumpByID(ctx context.Context, id uuid.UUID) (*Dump, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dumps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) DumpBySHA256(ctx context.Context, sha string) (*Dump, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.dumps {
		if d.SHA256 == sha {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListDumps(ctx context.Context) ([]Dump, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Dump, 0, len(m.dumps))
	for _, d := range m.dumps {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetDumpProfile(ctx context.Context, id uuid.UUID, osName, build string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dumps[id]
	if !ok {
		return ErrNotFound
	}
	d.ProfileOS = osName
	d.ProfileBuild = build
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) RegisterRunning(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Fingerprint == job.Fingerprint && j.Status == StatusRunning {
			return ErrRunningExists
		}
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.LastQueriedAt = now
	cp := cloneJob(job)
	m.jobs[job.ID] = cp
	return nil
}

func (m *Memory) CompleteJob(ctx context.Context, jobID uuid.UUID, status JobStatus, errKind, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete job: %q is not a terminal status", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return fmt.Errorf("complete job: job %s already %s", jobID, j.Status)
	}

	now := time.Now().UTC()
	j.Status = status
	j.ErrorKind = errKind
	j.ErrorMessage = errMsg
	j.CompletedAt = &now
	return nil
}

func (m *Memory) JobByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) RunningJob(ctx context.Context, fp fingerprint.Fingerprint) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.Fingerprint == fp && j.Status == StatusRunning {
			return cloneJob(j), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) LatestSucceededJob(ctx context.Context, fp fingerprint.Fingerprint) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Job
	for _, j := range m.jobs {
		if j.Fingerprint != fp || j.Status != StatusSucceeded {
			continue
		}
		if latest == nil || completedAfter(j, latest) {
			latest = j
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneJob(latest), nil
}

func (m *Memory) JobsByDump(ctx context.Context, dumpID uuid.UUID) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, j := range m.jobs {
		if j.DumpID == dumpID {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return startedBefore(&out[i], &out[j])
	})
	return out, nil
}

func (m *Memory) AppendArtifacts(ctx context.Context, jobID uuid.UUID, plugin string, records []engine.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("append artifacts: job %s is %s, not running", jobID, j.Status)
	}

	seq := 0
	for _, a := range m.artifacts[jobID] {
		if a.Plugin == plugin {
			seq++
		}
	}

	batch := make([]Artifact, 0, len(records))
	var batchBytes int64
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		batchBytes += int64(len(data))
		batch = append(batch, Artifact{
			ID:     uuid.New(),
			JobID:  jobID,
			Plugin: plugin,
			Seq:    seq + i,
			Record: rec,
		})
	}

	// Single append under the lock: readers see none of the batch or all
	// of it.
	m.artifacts[jobID] = append(m.artifacts[jobID], batch...)
	m.sizes[jobID] += batchBytes
	return nil
}

func (m *Memory) ArtifactsOf(ctx context.Context, jobID uuid.UUID, plugin string) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}

	all := m.artifacts[jobID]
	out := make([]Artifact, 0, len(all))
	for _, a := range all {
		if plugin == "" || a.Plugin == plugin {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Plugin != out[j].Plugin {
			return out[i].Plugin < out[j].Plugin
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *Memory) TouchQueried(ctx context.Context, fp fingerprint.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, j := range m.jobs {
		if j.Fingerprint == fp {
			j.LastQueriedAt = now
		}
	}
	return nil
}

func (m *Memory) ArtifactBytes(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, n := range m.sizes {
		total += n
	}
	return total, nil
}

func (m *Memory) EvictToQuota(ctx context.Context, quota int64) ([]fingerprint.Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, n := range m.sizes {
		total += n
	}
	if total <= quota {
		return nil, nil
	}

	type usage struct {
		fp          fingerprint.Fingerprint
		lastQueried time.Time
		bytes       int64
		running     bool
		jobIDs      []uuid.UUID
	}
	byFP := make(map[fingerprint.Fingerprint]*usage)
	for id, j := range m.jobs {
		u, ok := byFP[j.Fingerprint]
		if !ok {
			u = &usage{fp: j.Fingerprint}
			byFP[j.Fingerprint] = u
		}
		u.jobIDs = append(u.jobIDs, id)
		u.bytes += m.sizes[id]
		if j.Status == StatusRunning {
			u.running = true
		}
		if j.LastQueriedAt.After(u.lastQueried) {
			u.lastQueried = j.LastQueriedAt
		}
	}

	candidates := make([]*usage, 0, len(byFP))
	for _, u := range byFP {
		if !u.running {
			candidates = append(candidates, u)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastQueried.Before(candidates[j].lastQueried)
	})

	var evicted []fingerprint.Fingerprint
	for _, u := range candidates {
		if total <= quota {
			break
		}
		for _, id := range u.jobIDs {
			total -= m.sizes[id]
			delete(m.jobs, id)
			delete(m.artifacts, id)
			delete(m.sizes, id)
			delete(m.findings, id)
		}
		evicted = append(evicted, u.fp)
	}
	return evicted, nil
}

func (m *Memory) PutFindingCache(ctx context.Context, jobID uuid.UUID, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return ErrNotFound
	}
	m.findings[jobID] = slices.Clone(payload)
	return nil
}

func (m *Memory) FindingCache(ctx context.Context, jobID uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.findings[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(payload), nil
}

func (m *Memory) AppendProvenance(ctx context.Context, entry *ProvenanceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provSeq++
	entry.ID = m.provSeq
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	m.prov = append(m.prov, *entry)
	return nil
}

func (m *Memory) ProvenanceOf(ctx context.Context, dumpID uuid.UUID, limit int) ([]ProvenanceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProvenanceEntry
	for i := len(m.prov) - 1; i >= 0; i-- {
		if m.prov[i].DumpID == dumpID {
			out = append(out, m.prov[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func cloneJob(j *Job) *Job {
	cp := *j
	cp.Plugins = slices.Clone(j.Plugins)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func completedAfter(a, b *Job) bool {
	at, bt := time.Time{}, time.Time{}
	if a.CompletedAt != nil {
		at = *a.CompletedAt
	}
	if b.CompletedAt != nil {
		bt = *b.CompletedAt
	}
	return at.After(bt)
}

func startedBefore(a, b *Job) bool {
	at, bt := time.Time{}, time.Time{}
	if a.StartedAt != nil {
		at = *a.StartedAt
	}
	if b.StartedAt != nil {
		bt = *b.StartedAt
	}
	return at.Before(bt)
}
