// Package orchestrator coordinates external engine runs: one analysis per
// distinct fingerprint, bounded engine concurrency, retry with backoff for
// transient failures, and incremental per-plugin persistence so a late
// failure never discards earlier plugin output.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"memtriage/internal/engine"
	"memtriage/internal/fault"
	"memtriage/internal/fingerprint"
	"memtriage/internal/store"
)

const (
	jobStartedSubject  = "memtriage.jobs.started"
	jobFinishedSubject = "memtriage.jobs.finished"

	// joinPollInterval paces store polling when joining a job owned by
	// another process (the in-memory registry only covers this process).
	joinPollInterval = 500 * time.Millisecond
)

// Publisher emits job lifecycle events. A nil Publisher disables events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Config tunes retry and concurrency behaviour.
type Config struct {
	// MaxConcurrent bounds simultaneous engine subprocesses. No run
	// bypasses the pool, including retries.
	MaxConcurrent int
	// RetryAttempts is the maximum number of retries after a transient
	// engine failure.
	RetryAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	// EngineTimeout bounds one plugin invocation.
	EngineTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = 10 * time.Minute
	}
}

type inflight struct {
	jobID uuid.UUID
	done  chan struct{}
	job   *store.Job
	err   error
}

// Orchestrator owns the single-flight registry and the engine slot pool.
type Orchestrator struct {
	store  store.Store
	runner engine.Runner
	events Publisher
	logger *log.Logger
	cfg    Config

	slots chan struct{}

	mu       sync.Mutex
	inflight map[fingerprint.Fingerprint]*inflight
}

// New builds an orchestrator bound to its store and engine runner.
func New(st store.Store, runner engine.Runner, events Publisher, logger *log.Logger, cfg Config) (*Orchestrator, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if runner == nil {
		return nil, errors.New("engine runner is required")
	}
	cfg.applyDefaults()

	return &Orchestrator{
		store:    st,
		runner:   runner,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		inflight: make(map[fingerprint.Fingerprint]*inflight),
	}, nil
}

// EnsureAnalyzed returns the succeeded job covering (dump, pluginSet),
// running the engine at most once per fingerprint. Concurrent callers for
// the same fingerprint share one execution and observe the same terminal
// job and artifacts.
func (o *Orchestrator) EnsureAnalyzed(ctx context.Context, dump *store.Dump, fp fingerprint.Fingerprint, plugins []string) (*store.Job, error) {
	if existing, err := o.store.LatestSucceededJob(ctx, fp); err == nil {
		cacheHits.Inc()
		_ = o.store.TouchQueried(ctx, fp)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return o.analyze(ctx, dump, fp, plugins)
}

// Reprocess forces a fresh engine run for the fingerprint, bypassing the
// succeeded-job cache. Concurrent callers still share a single execution.
func (o *Orchestrator) Reprocess(ctx context.Context, dump *store.Dump, fp fingerprint.Fingerprint, plugins []string) (*store.Job, error) {
	return o.analyze(ctx, dump, fp, plugins)
}

func (o *Orchestrator) analyze(ctx context.Context, dump *store.Dump, fp fingerprint.Fingerprint, plugins []string) (*store.Job, error) {
	o.mu.Lock()
	if fl, ok := o.inflight[fp]; ok {
		o.mu.Unlock()
		singleflightJoins.Inc()
		return o.join(ctx, fl)
	}
	fl := &inflight{done: make(chan struct{})}
	o.inflight[fp] = fl
	o.mu.Unlock()

	job := &store.Job{Fingerprint: fp, DumpID: dump.ID, Plugins: plugins}
	if err := o.store.RegisterRunning(ctx, job); err != nil {
		if errors.Is(err, store.ErrRunningExists) {
			// Another process owns this fingerprint; follow its job in
			// the store instead of starting a second engine run. Callers
			// parked on the inflight handle share the followed result.
			remote, remoteErr := o.followRemote(ctx, fp)
			o.finish(fp, fl, remote, remoteErr)
			return remote, remoteErr
		}
		o.finish(fp, fl, nil, err)
		return nil, err
	}
	fl.jobID = job.ID

	o.publish(ctx, jobStartedSubject, map[string]any{
		"job_id":      job.ID,
		"dump_id":     dump.ID,
		"fingerprint": string(fp),
		"plugins":     plugins,
	})

	terminal, err := o.run(ctx, job, dump, plugins)
	o.finish(fp, fl, terminal, err)

	o.publish(ctx, jobFinishedSubject, map[string]any{
		"job_id":      job.ID,
		"dump_id":     dump.ID,
		"fingerprint": string(fp),
		"status":      terminal.Status,
	})

	if err != nil {
		return terminal, err
	}
	return terminal, nil
}

// InFlight reports whether a job for the fingerprint is currently owned by
// this process.
func (o *Orchestrator) InFlight(fp fingerprint.Fingerprint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[fp]
	return ok
}

func (o *Orchestrator) join(ctx context.Context, fl *inflight) (*store.Job, error) {
	select {
	case <-fl.done:
		return fl.job, fl.err
	case <-ctx.Done():
		// The job keeps running; only this caller gives up.
		return nil, fault.Wrap(fault.KindConcurrencyTimeout, "orchestrator.join", ctx.Err())
	}
}

// followRemote polls the store until a job registered by another process
// reaches a terminal state.
func (o *Orchestrator) followRemote(ctx context.Context, fp fingerprint.Fingerprint) (*store.Job, error) {
	running, err := o.store.RunningJob(ctx, fp)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ticker := time.NewTicker(joinPollInterval)
	defer ticker.Stop()
	for {
		if running != nil {
			job, err := o.store.JobByID(ctx, running.ID)
			if err == nil && job.Status.Terminal() {
				return job, nil
			}
		} else {
			if job, err := o.store.LatestSucceededJob(ctx, fp); err == nil {
				return job, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindConcurrencyTimeout, "orchestrator.follow", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) finish(fp fingerprint.Fingerprint, fl *inflight, job *store.Job, err error) {
	fl.job = job
	fl.err = err
	o.mu.Lock()
	delete(o.inflight, fp)
	o.mu.Unlock()
	close(fl.done)
}

// run owns the registered job through to a terminal state. It always
// returns the job's final snapshot, even on failure.
func (o *Orchestrator) run(ctx context.Context, job *store.Job, dump *store.Dump, plugins []string) (*store.Job, error) {
	select {
	case o.slots <- struct{}{}:
		engineSlotsInUse.Inc()
		defer func() {
			<-o.slots
			engineSlotsInUse.Dec()
		}()
	case <-ctx.Done():
		return o.terminate(job, store.StatusCanceled, "", "canceled before an engine slot was available"), ctx.Err()
	}

	profile := engine.Profile{OS: dump.ProfileOS, Build: dump.ProfileBuild}
	if profile.OS == "" {
		detected, err := o.runner.DetectProfile(ctx, dump.Path)
		if err != nil {
			kind := fault.KindOf(err)
			if kind == "" {
				kind = fault.KindProfile
			}
			return o.terminate(job, store.StatusFailed, string(kind), err.Error()), err
		}
		profile = detected
		if err := o.store.SetDumpProfile(ctx, dump.ID, profile.OS, profile.Build); err != nil {
			return o.terminate(job, store.StatusFailed, string(fault.KindStore), err.Error()), err
		}
	}

	for _, plugin := range plugins {
		// Cooperative cancellation between plugin steps; artifacts already
		// committed stay valid for reuse.
		if err := ctx.Err(); err != nil {
			o.logf("INFO job %s canceled after partial extraction", job.ID)
			return o.terminate(job, store.StatusCanceled, "", "canceled between plugin steps"), err
		}

		result, err := o.runPlugin(ctx, job, dump, plugin, profile)
		if err != nil {
			kind := fault.KindOf(err)
			if errors.Is(ctx.Err(), context.Canceled) {
				return o.terminate(job, store.StatusCanceled, "", "canceled during plugin execution"), err
			}
			return o.terminate(job, store.StatusFailed, string(kind), err.Error()), err
		}

		if err := o.store.AppendArtifacts(ctx, job.ID, plugin, result.Records); err != nil {
			return o.terminate(job, store.StatusFailed, string(fault.KindStore), err.Error()), err
		}
	}

	terminal := o.terminate(job, store.StatusSucceeded, "", "")
	jobsTotal.WithLabelValues(string(store.StatusSucceeded)).Inc()
	return terminal, nil
}

// runPlugin invokes the engine for one plugin, retrying transient failures
// with exponential backoff. Every attempt is recorded in the provenance log.
func (o *Orchestrator) runPlugin(ctx context.Context, job *store.Job, dump *store.Dump, plugin string, profile engine.Profile) (engine.Result, error) {
	var result engine.Result

	backoff := retry.WithMaxRetries(uint64(o.cfg.RetryAttempts), retry.NewExponential(o.cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := o.runner.Run(ctx, engine.Request{
			DumpPath: dump.Path,
			Plugin:   plugin,
			Profile:  profile,
			Timeout:  o.cfg.EngineTimeout,
		})

		entry := &store.ProvenanceEntry{
			DumpID:      dump.ID,
			JobID:       job.ID,
			Plugin:      plugin,
			CommandLine: res.CommandLine,
			Duration:    res.Duration,
			RowCount:    len(res.Records),
			Success:     err == nil,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		if provErr := o.store.AppendProvenance(ctx, entry); provErr != nil {
			o.logf("WARN provenance append failed for job %s: %v", job.ID, provErr)
		}

		if err != nil {
			engineInvocations.WithLabelValues(plugin, "error").Inc()
			if fault.Retryable(err) {
				engineRetries.Inc()
				o.logf("WARN transient engine failure on %s for job %s, will retry: %v", plugin, job.ID, err)
				return retry.RetryableError(err)
			}
			return err
		}

		engineInvocations.WithLabelValues(plugin, "ok").Inc()
		result = res
		return nil
	})
	return result, err
}

// terminate moves the job to a terminal status and returns its snapshot.
// Terminal transitions are one-way; a second call is a no-op on the store.
func (o *Orchestrator) terminate(job *store.Job, status store.JobStatus, errKind, errMsg string) *store.Job {
	// Completion must land even when the caller's context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.store.CompleteJob(ctx, job.ID, status, errKind, errMsg); err != nil {
		o.logf("ERROR completing job %s as %s: %v", job.ID, status, err)
	}
	if status != store.StatusSucceeded {
		jobsTotal.WithLabelValues(string(status)).Inc()
	}

	snapshot, err := o.store.JobByID(ctx, job.ID)
	if err != nil {
		now := time.Now().UTC()
		job.Status = status
		job.ErrorKind = errKind
		job.ErrorMessage = errMsg
		job.CompletedAt = &now
		return job
	}
	return snapshot
}

func (o *Orchestrator) publish(ctx context.Context, subject string, payload map[string]any) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, subject, payload); err != nil {
		o.logf("WARN publish %s: %v", subject, err)
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
