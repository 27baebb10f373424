// Package facade is the operation surface the protocol layer calls into.
// It owns admission control for expensive processing requests and the
// derived-view caches; all heavy lifting happens in the orchestrator and
// the read-only derivation packages.
package facade

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"memtriage/internal/anomaly"
	"memtriage/internal/engine"
	"memtriage/internal/fault"
	"memtriage/internal/fingerprint"
	"memtriage/internal/ingest"
	"memtriage/internal/orchestrator"
	"memtriage/internal/store"
	"memtriage/internal/timeline"
)

// Config tunes admission and retention.
type Config struct {
	// MaxRunning caps simultaneously admitted processing requests.
	// Requests beyond the cap queue rather than fail.
	MaxRunning int
	// QueueWait is how long a queued request may wait for admission
	// before it gets a concurrency-timeout fault.
	QueueWait time.Duration
	// Quota bounds total stored artifact bytes; exceeding it evicts the
	// least recently queried fingerprints. Zero disables eviction.
	Quota int64
}

func (c *Config) applyDefaults() {
	if c.MaxRunning <= 0 {
		c.MaxRunning = 2
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 2 * time.Minute
	}
}

// Facade wires the pipeline together behind named operations.
type Facade struct {
	store    store.Store
	ingestor *ingest.Ingestor
	orch     *orchestrator.Orchestrator
	runner   engine.Runner
	detector *anomaly.Detector
	builder  *timeline.Builder
	logger   *log.Logger
	cfg      Config

	admission chan struct{}
}

// New assembles a facade. All collaborators are required except logger.
func New(st store.Store, ing *ingest.Ingestor, orch *orchestrator.Orchestrator, runner engine.Runner,
	det *anomaly.Detector, builder *timeline.Builder, logger *log.Logger, cfg Config) (*Facade, error) {
	if st == nil || ing == nil || orch == nil || runner == nil || det == nil || builder == nil {
		return nil, errors.New("facade requires store, ingestor, orchestrator, runner, detector, and builder")
	}
	cfg.applyDefaults()
	return &Facade{
		store:     st,
		ingestor:  ing,
		orch:      orch,
		runner:    runner,
		detector:  det,
		builder:   builder,
		logger:    logger,
		cfg:       cfg,
		admission: make(chan struct{}, cfg.MaxRunning),
	}, nil
}

// ProcessResult reports one completed (or joined) processing request.
type ProcessResult struct {
	Dump        *store.Dump    `json:"dump"`
	Job         *store.Job     `json:"job"`
	RecordCount map[string]int `json:"record_count"`
	Evicted     int            `json:"evicted,omitempty"`
}

// ProcessDump ingests the referenced dump and ensures its artifacts are
// extracted and cached. Identical repeat calls are answered from cache
// without touching the engine; force starts a fresh job even when a
// succeeded one exists.
func (f *Facade) ProcessDump(ctx context.Context, ref string, plugins []string, force bool) (*ProcessResult, error) {
	requestsTotal.WithLabelValues("process_dump").Inc()

	plugins, err := normalizePlugins(plugins)
	if err != nil {
		return nil, err
	}

	release, err := f.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	src, err := f.ingestor.Prepare(ctx, ref)
	if err != nil {
		return nil, err
	}

	res, err := fingerprint.Resolve(ctx, src.Path, plugins, f.runner.Version())
	if err != nil {
		return nil, err
	}

	dump, err := f.store.DumpBySHA256(ctx, res.SHA256)
	if errors.Is(err, store.ErrNotFound) {
		dump = &store.Dump{
			Path:   src.Path,
			SHA256: res.SHA256,
			SHA1:   res.SHA1,
			MD5:    res.MD5,
			Size:   src.Size,
			Format: string(src.Format),
		}
		if err := f.store.UpsertDump(ctx, dump); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	fp := res.Fingerprint

	var job *store.Job
	if force {
		job, err = f.orch.Reprocess(ctx, dump, fp, plugins)
	} else {
		job, err = f.orch.EnsureAnalyzed(ctx, dump, fp, plugins)
	}
	if err != nil {
		return nil, err
	}

	// The orchestrator may have detected and stored the profile.
	if fresh, err := f.store.DumpByID(ctx, dump.ID); err == nil {
		dump = fresh
	}

	counts := make(map[string]int, len(plugins))
	for _, plugin := range plugins {
		arts, err := f.store.ArtifactsOf(ctx, job.ID, plugin)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		counts[plugin] = len(arts)
	}

	evicted := 0
	if f.cfg.Quota > 0 {
		victims, err := f.store.EvictToQuota(ctx, f.cfg.Quota)
		if err != nil {
			f.logf("WARN eviction failed: %v", err)
		} else {
			evicted = len(victims)
			for _, v := range victims {
				f.logf("INFO evicted fingerprint %s", v)
			}
		}
	}

	return &ProcessResult{Dump: dump, Job: job, RecordCount: counts, Evicted: evicted}, nil
}

// admit takes an admission slot, queueing up to the configured wait.
func (f *Facade) admit(ctx context.Context) (func(), error) {
	timer := time.NewTimer(f.cfg.QueueWait)
	defer timer.Stop()

	select {
	case f.admission <- struct{}{}:
		queueDepth.Inc()
		return func() {
			<-f.admission
			queueDepth.Dec()
		}, nil
	case <-timer.C:
		queueTimeouts.Inc()
		return nil, fault.New(fault.KindConcurrencyTimeout, "facade.admit", "processing queue is full")
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindConcurrencyTimeout, "facade.admit", ctx.Err())
	}
}

func normalizePlugins(plugins []string) ([]string, error) {
	if len(plugins) == 0 {
		return engine.DefaultPlugins(), nil
	}
	normalized := fingerprint.NormalizePlugins(plugins)
	for _, p := range normalized {
		if !engine.KnownPlugin(p) {
			return nil, fault.Newf(fault.KindInput, "facade.plugins", "unknown plugin %q", p)
		}
	}
	return normalized, nil
}

// latestJob resolves the dump's most recent succeeded job. When only a
// running job exists the caller reports in-progress instead of blocking.
func (f *Facade) latestJob(ctx context.Context, dumpID uuid.UUID) (succeeded *store.Job, running *store.Job, err error) {
	jobs, err := f.store.JobsByDump(ctx, dumpID)
	if err != nil {
		return nil, nil, err
	}
	for i := range jobs {
		job := &jobs[i]
		switch job.Status {
		case store.StatusRunning, store.StatusPending:
			running = job
		case store.StatusSucceeded:
			if succeeded == nil || completedAfter(job, succeeded) {
				succeeded = job
			}
		}
	}
	return succeeded, running, nil
}

func completedAfter(a, b *store.Job) bool {
	if a.CompletedAt == nil || b.CompletedAt == nil {
		return false
	}
	return a.CompletedAt.After(*b.CompletedAt)
}

func (f *Facade) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}
