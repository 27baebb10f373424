// Package anomaly evaluates deterministic detection rules over the stored
// artifacts of one analysis job. Detection is a pure read: the same job
// snapshot always yields byte-identical findings, so results can be cached
// keyed by job id and recomputed at will.
package anomaly

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"

	"memtriage/internal/engine"
	"memtriage/internal/store"
)

// Severity ranks findings. Escalation moves a finding one level up.
type Severity string

const (
	SeverityInfo     Severity = "informational"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) escalate() Severity {
	switch s {
	case SeverityInfo:
		return SeverityLow
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Rule identifiers. Stable strings: they appear in cached findings.
const (
	RuleUnexpectedParent  = "unexpected_parent"
	RuleSuspiciousLineage = "suspicious_lineage"
	RuleSpoofedName       = "spoofed_name"
	RuleHiddenProcess     = "hidden_process"
	RuleUnusualPath       = "unusual_path"
	RuleSuspiciousPath    = "suspicious_path"
	RuleWatchedEndpoint   = "watched_endpoint"
	RuleDuplicateInstance = "duplicate_instance"
)

// Finding is one rule hit. Artifacts lists the minimal record set that
// justifies the finding, so a caller can explain it without re-running the
// rule.
type Finding struct {
	Rule        string      `json:"rule"`
	Severity    Severity    `json:"severity"`
	PID         int         `json:"pid,omitempty"`
	ParentPID   int         `json:"parent_pid,omitempty"`
	Process     string      `json:"process,omitempty"`
	Description string      `json:"description"`
	Artifacts   []uuid.UUID `json:"artifacts"`
}

// Detector evaluates the rule registry against one job's artifacts.
type Detector struct {
	store  store.Store
	policy compiled
}

// New builds a detector bound to its artifact source and policy.
func New(st store.Store, p Policy) *Detector {
	return &Detector{store: st, policy: p.compile()}
}

// snapshot is the artifact view one detection pass works from.
type snapshot struct {
	pslist  []procArtifact
	psscan  []procArtifact
	netscan []connArtifact
}

type procArtifact struct {
	id   uuid.UUID
	proc *engine.ProcessRecord
}

type connArtifact struct {
	id   uuid.UUID
	conn *engine.ConnectionRecord
}

// Detect runs every rule over the job's artifacts and returns the ordered
// findings: severity descending, then rule id, pid, and description.
func (d *Detector) Detect(ctx context.Context, jobID uuid.UUID) ([]Finding, error) {
	snap, err := d.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	findings = append(findings, d.lineageFindings(snap)...)
	findings = append(findings, d.spoofedNameFindings(snap)...)
	findings = append(findings, d.pathFindings(snap)...)
	findings = append(findings, d.hiddenProcessFindings(snap)...)
	findings = append(findings, d.duplicateInstanceFindings(snap)...)
	findings = append(findings, d.watchedEndpointFindings(snap)...)

	escalateFlaggedParents(findings)
	sortFindings(findings)
	return findings, nil
}

func (d *Detector) load(ctx context.Context, jobID uuid.UUID) (*snapshot, error) {
	snap := &snapshot{}

	for _, plugin := range []string{engine.PluginPsList, engine.PluginPsScan} {
		arts, err := d.store.ArtifactsOf(ctx, jobID, plugin)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		for _, a := range arts {
			if a.Record.Process == nil {
				continue
			}
			pa := procArtifact{id: a.ID, proc: a.Record.Process}
			if plugin == engine.PluginPsList {
				snap.pslist = append(snap.pslist, pa)
			} else {
				snap.psscan = append(snap.psscan, pa)
			}
		}
	}

	arts, err := d.store.ArtifactsOf(ctx, jobID, engine.PluginNetScan)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	for _, a := range arts {
		if a.Record.Connection != nil {
			snap.netscan = append(snap.netscan, connArtifact{id: a.ID, conn: a.Record.Connection})
		}
	}
	return snap, nil
}

// escalateFlaggedParents bumps lineage findings one severity level when the
// parent process carries its own finding.
func escalateFlaggedParents(findings []Finding) {
	flagged := make(map[int]bool)
	for _, f := range findings {
		if f.PID != 0 {
			flagged[f.PID] = true
		}
	}
	for i := range findings {
		f := &findings[i]
		if f.Rule != RuleUnexpectedParent && f.Rule != RuleSuspiciousLineage {
			continue
		}
		if f.ParentPID != 0 && flagged[f.ParentPID] {
			f.Severity = f.Severity.escalate()
		}
	}
}

func sortFindings(findings []Finding) {
	slices.SortFunc(findings, func(a, b Finding) int {
		if c := cmp.Compare(severityRank[b.Severity], severityRank[a.Severity]); c != 0 {
			return c
		}
		if c := strings.Compare(a.Rule, b.Rule); c != 0 {
			return c
		}
		if c := cmp.Compare(a.PID, b.PID); c != 0 {
			return c
		}
		return strings.Compare(a.Description, b.Description)
	})
}
