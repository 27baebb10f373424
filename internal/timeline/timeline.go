// Package timeline merges the timestamped artifacts of one job into a
// single chronological sequence. The merge is a pure read over stored
// artifacts and is idempotent: rebuilding after new artifacts arrive for
// the same job re-sorts everything with the same deterministic tie-break.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"memtriage/internal/engine"
	"memtriage/internal/store"
)

// Event types.
const (
	EventProcessCreated    = "process_created"
	EventProcessExited     = "process_exited"
	EventNetworkConnection = "network_connection"
)

// sourcePriority ranks plugins for tie-breaking events with equal
// timestamps. Lower wins.
var sourcePriority = map[string]int{
	engine.PluginPsList:  0,
	engine.PluginPsScan:  1,
	engine.PluginNetScan: 2,
	engine.PluginMalfind: 3,
	engine.PluginCmdLine: 4,
}

// Event is one entry in a job's merged timeline.
type Event struct {
	Timestamp   time.Time   `json:"timestamp"`
	Type        string      `json:"type"`
	Source      string      `json:"source"`
	PID         int         `json:"pid,omitempty"`
	Process     string      `json:"process,omitempty"`
	Description string      `json:"description"`
	Hidden      bool        `json:"hidden,omitempty"`
	Artifacts   []uuid.UUID `json:"artifacts"`

	prio int
	ord  int
}

// Builder derives timelines from stored artifacts.
type Builder struct {
	store store.Store
}

func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st}
}

// Build returns the job's ordered events as a restartable sequence:
// ranging over it twice yields the same events, and consumers may stop
// early without cost.
func (b *Builder) Build(ctx context.Context, jobID uuid.UUID) (iter.Seq[Event], error) {
	events, err := b.Events(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return func(yield func(Event) bool) {
		for _, e := range events {
			if !yield(e) {
				return
			}
		}
	}, nil
}

// Events returns the job's merged timeline ordered by
// (timestamp, source priority, artifact order).
func (b *Builder) Events(ctx context.Context, jobID uuid.UUID) ([]Event, error) {
	var events []Event

	listedPIDs := make(map[int]bool)
	for _, plugin := range []string{engine.PluginPsList, engine.PluginPsScan} {
		arts, err := b.artifacts(ctx, jobID, plugin)
		if err != nil {
			return nil, err
		}
		for _, a := range arts {
			proc := a.Record.Process
			if proc == nil {
				continue
			}
			if plugin == engine.PluginPsList {
				listedPIDs[proc.PID] = true
			} else if listedPIDs[proc.PID] {
				// The scan re-observes listed processes; the pslist
				// events already cover them.
				continue
			}
			hidden := plugin == engine.PluginPsScan && !listedPIDs[proc.PID] && proc.ExitTime == ""
			events = appendProcessEvents(events, a, plugin, proc, hidden)
		}
	}

	arts, err := b.artifacts(ctx, jobID, engine.PluginNetScan)
	if err != nil {
		return nil, err
	}
	for _, a := range arts {
		conn := a.Record.Connection
		if conn == nil {
			continue
		}
		ts, ok := parseTimestamp(conn.Created)
		if !ok {
			// Connections without creation times describe dump-time
			// state, not events.
			continue
		}
		endpoint := fmt.Sprintf("%s:%d", conn.RemoteAddr, conn.RemotePort)
		if conn.RemoteAddr == "" {
			endpoint = fmt.Sprintf("listening on %s:%d", conn.LocalAddr, conn.LocalPort)
		}
		events = append(events, Event{
			Timestamp:   ts,
			Type:        EventNetworkConnection,
			Source:      engine.PluginNetScan,
			PID:         conn.PID,
			Process:     conn.Owner,
			Description: fmt.Sprintf("%s connection %s (PID %d)", conn.Protocol, endpoint, conn.PID),
			Artifacts:   []uuid.UUID{a.ID},
			prio:        sourcePriority[engine.PluginNetScan],
			ord:         a.Seq,
		})
	}

	slices.SortStableFunc(events, func(a, b Event) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		if c := a.prio - b.prio; c != 0 {
			return c
		}
		return a.ord - b.ord
	})
	return events, nil
}

func (b *Builder) artifacts(ctx context.Context, jobID uuid.UUID, plugin string) ([]store.Artifact, error) {
	arts, err := b.store.ArtifactsOf(ctx, jobID, plugin)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return arts, nil
}

func appendProcessEvents(events []Event, a store.Artifact, plugin string, proc *engine.ProcessRecord, hidden bool) []Event {
	flag := ""
	if hidden {
		flag = " [HIDDEN]"
	}
	if ts, ok := parseTimestamp(proc.CreateTime); ok {
		events = append(events, Event{
			Timestamp:   ts,
			Type:        EventProcessCreated,
			Source:      plugin,
			PID:         proc.PID,
			Process:     proc.Name,
			Description: fmt.Sprintf("process %s (PID %d) created%s", proc.Name, proc.PID, flag),
			Hidden:      hidden,
			Artifacts:   []uuid.UUID{a.ID},
			prio:        sourcePriority[plugin],
			ord:         a.Seq,
		})
	}
	if ts, ok := parseTimestamp(proc.ExitTime); ok {
		events = append(events, Event{
			Timestamp:   ts,
			Type:        EventProcessExited,
			Source:      plugin,
			PID:         proc.PID,
			Process:     proc.Name,
			Description: fmt.Sprintf("process %s (PID %d) exited", proc.Name, proc.PID),
			Artifacts:   []uuid.UUID{a.ID},
			prio:        sourcePriority[plugin],
			ord:         a.Seq,
		})
	}
	return events
}

// timestampFormats covers the layouts the engine emits.
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	time.RFC3339,
	time.RFC3339Nano,
}

func parseTimestamp(raw string) (time.Time, bool) {
	ts := strings.TrimSpace(raw)
	switch ts {
	case "", "N/A", "None", "-":
		return time.Time{}, false
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
