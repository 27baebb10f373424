// Package store owns all persisted state: dumps, analysis job history,
// extracted artifacts, the derived-findings cache, and the engine command
// provenance log. The orchestrator is the only writer for a given job;
// reads are safe for any number of concurrent callers and only ever see
// fully committed plugin batches.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"memtriage/internal/engine"
	"memtriage/internal/fingerprint"
)

var (
	// ErrNotFound is returned for lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrRunningExists is returned by RegisterRunning when another job is
	// already running for the same fingerprint.
	ErrRunningExists = errors.New("a job is already running for this fingerprint")
)

// JobStatus is the lifecycle state of one analysis job. Running is the only
// non-terminal state; no transition ever leaves a terminal state.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Dump is the identity of one memory capture. Immutable after the first
// successful identification, except for the lazily detected profile.
type Dump struct {
	ID           uuid.UUID `json:"id"`
	Path         string    `json:"path"`
	SHA256       string    `json:"sha256"`
	SHA1         string    `json:"sha1,omitempty"`
	MD5          string    `json:"md5,omitempty"`
	Size         int64     `json:"size"`
	Format       string    `json:"format,omitempty"`
	ProfileOS    string    `json:"profile_os,omitempty"`
	ProfileBuild string    `json:"profile_build,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Job is one extraction attempt. Jobs are append-only history; re-runs
// create new jobs rather than mutating old ones.
type Job struct {
	ID            uuid.UUID               `json:"id"`
	Fingerprint   fingerprint.Fingerprint `json:"fingerprint"`
	DumpID        uuid.UUID               `json:"dump_id"`
	Plugins       []string                `json:"plugins"`
	Status        JobStatus               `json:"status"`
	ErrorKind     string                  `json:"error_kind,omitempty"`
	ErrorMessage  string                  `json:"error_message,omitempty"`
	StartedAt     *time.Time              `json:"started_at,omitempty"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`
	LastQueriedAt time.Time               `json:"last_queried_at"`
}

// Artifact is one structured record produced by one plugin within one job.
// Immutable once written; Seq preserves the plugin's output order.
type Artifact struct {
	ID     uuid.UUID
	JobID  uuid.UUID
	Plugin string
	Seq    int
	Record engine.Record
}

// ProvenanceEntry records one engine invocation for audit and reproduction.
type ProvenanceEntry struct {
	ID          int64         `json:"id"`
	DumpID      uuid.UUID     `json:"dump_id"`
	JobID       uuid.UUID     `json:"job_id,omitempty"`
	Plugin      string        `json:"plugin"`
	CommandLine string        `json:"command_line"`
	Duration    time.Duration `json:"duration_ns"`
	RowCount    int           `json:"row_count"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	ExecutedAt  time.Time     `json:"executed_at"`
}

// Store is the persistence contract. Two implementations share it: the
// Postgres store used in production and the in-memory store used by tests.
type Store interface {
	// Dumps.
	UpsertDump(ctx context.Context, d *Dump) error
	DumpByID(ctx context.Context, id uuid.UUID) (*Dump, error)
	DumpBySHA256(ctx context.Context, sha256 string) (*Dump, error)
	ListDumps(ctx context.Context) ([]Dump, error)
	SetDumpProfile(ctx context.Context, id uuid.UUID, os, build string) error

	// Jobs. RegisterRunning is atomic: at most one running job may exist
	// per fingerprint at any instant.
	RegisterRunning(ctx context.Context, job *Job) error
	CompleteJob(ctx context.Context, jobID uuid.UUID, status JobStatus, errKind, errMsg string) error
	JobByID(ctx context.Context, id uuid.UUID) (*Job, error)
	RunningJob(ctx context.Context, fp fingerprint.Fingerprint) (*Job, error)
	LatestSucceededJob(ctx context.Context, fp fingerprint.Fingerprint) (*Job, error)
	JobsByDump(ctx context.Context, dumpID uuid.UUID) ([]Job, error)

	// Artifacts. AppendArtifacts commits one plugin's batch atomically:
	// readers observe either none of the batch or all of it.
	AppendArtifacts(ctx context.Context, jobID uuid.UUID, plugin string, records []engine.Record) error
	ArtifactsOf(ctx context.Context, jobID uuid.UUID, plugin string) ([]Artifact, error)

	// Usage and eviction. TouchQueried marks a fingerprint recently used.
	// EvictToQuota removes whole fingerprint histories, least recently
	// queried first, never touching a fingerprint with a running job.
	TouchQueried(ctx context.Context, fp fingerprint.Fingerprint) error
	ArtifactBytes(ctx context.Context) (int64, error)
	EvictToQuota(ctx context.Context, quota int64) ([]fingerprint.Fingerprint, error)

	// Derived-findings cache, keyed by job id. Never the source of truth.
	PutFindingCache(ctx context.Context, jobID uuid.UUID, payload []byte) error
	FindingCache(ctx context.Context, jobID uuid.UUID) ([]byte, error)

	// Provenance log.
	AppendProvenance(ctx context.Context, entry *ProvenanceEntry) error
	ProvenanceOf(ctx context.Context, dumpID uuid.UUID, limit int) ([]ProvenanceEntry, error)
}
