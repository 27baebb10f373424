package facade

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"

	"memtriage/internal/anomaly"
	"memtriage/internal/engine"
	"memtriage/internal/fault"
	"memtriage/internal/store"
	"memtriage/internal/timeline"
)

// ListDumps returns every known dump.
func (f *Facade) ListDumps(ctx context.Context) ([]store.Dump, error) {
	requestsTotal.WithLabelValues("list_dumps").Inc()
	return f.store.ListDumps(ctx)
}

// DumpInfo reports a dump's identity plus its job history.
type DumpDetail struct {
	Dump *store.Dump `json:"dump"`
	Jobs []store.Job `json:"jobs"`
}

func (f *Facade) DumpInfo(ctx context.Context, dumpID uuid.UUID) (*DumpDetail, error) {
	requestsTotal.WithLabelValues("dump_info").Inc()
	dump, err := f.store.DumpByID(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	jobs, err := f.store.JobsByDump(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	return &DumpDetail{Dump: dump, Jobs: jobs}, nil
}

// AnomalyReport is the result of DetectAnomalies. InProgress is set when
// the dump only has a running job; Findings is then empty.
type AnomalyReport struct {
	JobID      uuid.UUID         `json:"job_id,omitempty"`
	InProgress bool              `json:"in_progress,omitempty"`
	Findings   []anomaly.Finding `json:"findings"`
}

// DetectAnomalies evaluates the rule set over the dump's latest succeeded
// job, serving repeated calls from the per-job findings cache.
func (f *Facade) DetectAnomalies(ctx context.Context, dumpID uuid.UUID) (*AnomalyReport, error) {
	requestsTotal.WithLabelValues("detect_anomalies").Inc()

	job, inProgress, err := f.requireSnapshot(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	if inProgress != nil {
		return &AnomalyReport{InProgress: true}, nil
	}

	if cached, err := f.store.FindingCache(ctx, job.ID); err == nil {
		var findings []anomaly.Finding
		if err := json.Unmarshal(cached, &findings); err == nil {
			findingCacheHits.Inc()
			return &AnomalyReport{JobID: job.ID, Findings: findings}, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	findings, err := f.detector.Detect(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(findings); err == nil {
		if err := f.store.PutFindingCache(ctx, job.ID, payload); err != nil {
			f.logf("WARN finding cache write for job %s: %v", job.ID, err)
		}
	}
	return &AnomalyReport{JobID: job.ID, Findings: findings}, nil
}

// TimelineView is one page of a job's merged timeline.
type TimelineView struct {
	JobID      uuid.UUID        `json:"job_id,omitempty"`
	InProgress bool             `json:"in_progress,omitempty"`
	Total      int              `json:"total"`
	Offset     int              `json:"offset"`
	Events     []timeline.Event `json:"events"`
}

// GenerateTimeline pages through the dump's merged timeline. limit <= 0
// returns everything from offset.
func (f *Facade) GenerateTimeline(ctx context.Context, dumpID uuid.UUID, offset, limit int) (*TimelineView, error) {
	requestsTotal.WithLabelValues("generate_timeline").Inc()

	job, inProgress, err := f.requireSnapshot(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	if inProgress != nil {
		return &TimelineView{InProgress: true}, nil
	}

	seq, err := f.builder.Build(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	view := &TimelineView{JobID: job.ID, Offset: offset}
	i := 0
	for e := range seq {
		if i >= offset && (limit <= 0 || len(view.Events) < limit) {
			view.Events = append(view.Events, e)
		}
		i++
	}
	view.Total = i
	return view, nil
}

// ProcessNode is one process in the tree view, children ordered by pid.
type ProcessNode struct {
	Process  *engine.ProcessRecord `json:"process"`
	Children []*ProcessNode        `json:"children,omitempty"`
}

// TreeView is the parent-child forest built from the process list.
type TreeView struct {
	JobID      uuid.UUID      `json:"job_id,omitempty"`
	InProgress bool           `json:"in_progress,omitempty"`
	Roots      []*ProcessNode `json:"roots"`
}

// ProcessTree builds the parent-child forest from the process list.
// Processes whose parent is absent become roots.
func (f *Facade) ProcessTree(ctx context.Context, dumpID uuid.UUID) (*TreeView, error) {
	requestsTotal.WithLabelValues("process_tree").Inc()

	job, inProgress, err := f.requireSnapshot(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	if inProgress != nil {
		return &TreeView{InProgress: true}, nil
	}

	procs, err := f.processRecords(ctx, job.ID, engine.PluginPsList)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int]*ProcessNode, len(procs))
	for _, p := range procs {
		nodes[p.PID] = &ProcessNode{Process: p}
	}
	var roots []*ProcessNode
	for _, p := range procs {
		node := nodes[p.PID]
		if parent, ok := nodes[p.PPID]; ok && p.PPID != p.PID {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	sortTree(roots)
	return &TreeView{JobID: job.ID, Roots: roots}, nil
}

func sortTree(nodes []*ProcessNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Process.PID < nodes[j].Process.PID })
	for _, n := range nodes {
		sortTree(n.Children)
	}
}

// ProcessDetail is everything known about one process in a dump.
type ProcessDetail struct {
	InProgress  bool                       `json:"in_progress,omitempty"`
	Process     *engine.ProcessRecord      `json:"process,omitempty"`
	CommandLine string                     `json:"command_line,omitempty"`
	Lineage     []*engine.ProcessRecord    `json:"lineage,omitempty"`
	Connections []*engine.ConnectionRecord `json:"connections,omitempty"`
	Injections  []*engine.InjectionRecord  `json:"injections,omitempty"`
}

// AnalyzeProcess collects the process entry, its ancestor chain, command
// line, connections, and injection indicators for one pid.
func (f *Facade) AnalyzeProcess(ctx context.Context, dumpID uuid.UUID, pid int) (*ProcessDetail, error) {
	requestsTotal.WithLabelValues("analyze_process").Inc()

	job, inProgress, err := f.requireSnapshot(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	if inProgress != nil {
		return &ProcessDetail{InProgress: true}, nil
	}

	procs, err := f.processRecords(ctx, job.ID, engine.PluginPsList)
	if err != nil {
		return nil, err
	}
	byPID := make(map[int]*engine.ProcessRecord, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}
	proc, ok := byPID[pid]
	if !ok {
		return nil, fault.Newf(fault.KindInput, "facade.process", "pid %d not found in dump", pid)
	}

	detail := &ProcessDetail{Process: proc}

	// Ancestor chain, bounded against pid-reuse cycles.
	seen := map[int]bool{pid: true}
	for cur := proc; ; {
		parent, ok := byPID[cur.PPID]
		if !ok || seen[parent.PID] {
			break
		}
		seen[parent.PID] = true
		detail.Lineage = append(detail.Lineage, parent)
		cur = parent
	}

	if arts, err := f.store.ArtifactsOf(ctx, job.ID, engine.PluginCmdLine); err == nil {
		for _, a := range arts {
			if a.Record.CmdLine != nil && a.Record.CmdLine.PID == pid {
				detail.CommandLine = a.Record.CmdLine.Args
				break
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if arts, err := f.store.ArtifactsOf(ctx, job.ID, engine.PluginNetScan); err == nil {
		for _, a := range arts {
			if a.Record.Connection != nil && a.Record.Connection.PID == pid {
				detail.Connections = append(detail.Connections, a.Record.Connection)
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if arts, err := f.store.ArtifactsOf(ctx, job.ID, engine.PluginMalfind); err == nil {
		for _, a := range arts {
			if a.Record.Injection != nil && a.Record.Injection.PID == pid {
				detail.Injections = append(detail.Injections, a.Record.Injection)
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return detail, nil
}

// NetworkView groups a dump's connections by state.
type NetworkView struct {
	JobID       uuid.UUID                  `json:"job_id,omitempty"`
	InProgress  bool                       `json:"in_progress,omitempty"`
	Connections []*engine.ConnectionRecord `json:"connections"`
	ByState     map[string]int             `json:"by_state"`
}

func (f *Facade) NetworkAnalysis(ctx context.Context, dumpID uuid.UUID) (*NetworkView, error) {
	requestsTotal.WithLabelValues("network_analysis").Inc()

	job, inProgress, err := f.requireSnapshot(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	if inProgress != nil {
		return &NetworkView{InProgress: true}, nil
	}

	arts, err := f.store.ArtifactsOf(ctx, job.ID, engine.PluginNetScan)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	view := &NetworkView{JobID: job.ID, ByState: make(map[string]int)}
	for _, a := range arts {
		if a.Record.Connection == nil {
			continue
		}
		view.Connections = append(view.Connections, a.Record.Connection)
		state := a.Record.Connection.State
		if state == "" {
			state = "UNKNOWN"
		}
		view.ByState[state]++
	}
	return view, nil
}

// HiddenView lists processes the memory scan sees but the process list
// walk does not, excluding exited processes.
type HiddenView struct {
	JobID      uuid.UUID               `json:"job_id,omitempty"`
	InProgress bool                    `json:"in_progress,omitempty"`
	Processes  []*engine.ProcessRecord `json:"processes"`
}

func (f *Facade) HiddenProcesses(ctx context.Context, dumpID uuid.UUID) (*HiddenView, error) {
	requestsTotal.WithLabelValues("hidden_processes").Inc()

	job, inProgress, err := f.requireSnapshot(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	if inProgress != nil {
		return &HiddenView{InProgress: true}, nil
	}

	listed, err := f.processRecords(ctx, job.ID, engine.PluginPsList)
	if err != nil {
		return nil, err
	}
	listedPIDs := make(map[int]bool, len(listed))
	for _, p := range listed {
		listedPIDs[p.PID] = true
	}

	scanned, err := f.processRecords(ctx, job.ID, engine.PluginPsScan)
	if err != nil {
		return nil, err
	}
	view := &HiddenView{JobID: job.ID}
	for _, p := range scanned {
		if !listedPIDs[p.PID] && p.ExitTime == "" {
			view.Processes = append(view.Processes, p)
		}
	}
	return view, nil
}

// InjectionView lists the dump's injection indicators.
type InjectionView struct {
	JobID      uuid.UUID                 `json:"job_id,omitempty"`
	InProgress bool                      `json:"in_progress,omitempty"`
	Injections []*engine.InjectionRecord `json:"injections"`
}

func (f *Facade) CodeInjection(ctx context.Context, dumpID uuid.UUID) (*InjectionView, error) {
	requestsTotal.WithLabelValues("code_injection").Inc()

	job, inProgress, err := f.requireSnapshot(ctx, dumpID)
	if err != nil {
		return nil, err
	}
	if inProgress != nil {
		return &InjectionView{InProgress: true}, nil
	}

	arts, err := f.store.ArtifactsOf(ctx, job.ID, engine.PluginMalfind)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	view := &InjectionView{JobID: job.ID}
	for _, a := range arts {
		if a.Record.Injection != nil {
			view.Injections = append(view.Injections, a.Record.Injection)
		}
	}
	return view, nil
}

// Provenance lists the engine invocations recorded for a dump, newest
// first.
func (f *Facade) Provenance(ctx context.Context, dumpID uuid.UUID, limit int) ([]store.ProvenanceEntry, error) {
	requestsTotal.WithLabelValues("provenance").Inc()
	return f.store.ProvenanceOf(ctx, dumpID, limit)
}

// requireSnapshot resolves the artifact snapshot read operations work
// from: the latest succeeded job, or the running job when no success
// exists yet.
func (f *Facade) requireSnapshot(ctx context.Context, dumpID uuid.UUID) (*store.Job, *store.Job, error) {
	succeeded, running, err := f.latestJob(ctx, dumpID)
	if err != nil {
		return nil, nil, err
	}
	if succeeded != nil {
		return succeeded, nil, nil
	}
	if running != nil {
		return nil, running, nil
	}
	return nil, nil, fault.Newf(fault.KindInput, "facade.snapshot", "dump %s has not been processed", dumpID)
}

func (f *Facade) processRecords(ctx context.Context, jobID uuid.UUID, plugin string) ([]*engine.ProcessRecord, error) {
	arts, err := f.store.ArtifactsOf(ctx, jobID, plugin)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	procs := make([]*engine.ProcessRecord, 0, len(arts))
	for _, a := range arts {
		if a.Record.Process != nil {
			procs = append(procs, a.Record.Process)
		}
	}
	return procs, nil
}
