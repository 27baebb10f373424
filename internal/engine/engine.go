// Package engine models the external memory-analysis engine as an opaque
// out-of-process collaborator. The orchestrator only ever sees a request
// (dump handle, plugin name) and a classified result or error, which keeps
// engine crashes and resource exhaustion out of the orchestrator's state.
package engine

import (
	"context"
	"time"
)

// Profile identifies the OS/build a dump was captured from.
type Profile struct {
	OS    string `json:"os"`
	Build string `json:"build,omitempty"`
}

// Request asks for one plugin extraction over one dump.
type Request struct {
	DumpPath string
	Plugin   string
	Profile  Profile
	Timeout  time.Duration
}

// Result is the structured output of one plugin invocation.
type Result struct {
	Plugin      string
	Records     []Record
	CommandLine string
	Duration    time.Duration
}

// Runner is the boundary to the external engine. Implementations must be
// safe for concurrent use; each Run is one independent engine invocation.
type Runner interface {
	// Version identifies the engine build; it participates in fingerprints.
	Version() string
	// DetectProfile probes the dump's OS/build. A dump whose profile cannot
	// be determined fails with fault.KindProfile.
	DetectProfile(ctx context.Context, dumpPath string) (Profile, error)
	// Run executes one plugin and returns its records. Errors are
	// classified via the fault package: transient engine conditions may be
	// retried by the caller, terminal ones may not.
	Run(ctx context.Context, req Request) (Result, error)
}
