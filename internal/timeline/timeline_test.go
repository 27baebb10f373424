package timeline

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"memtriage/internal/engine"
	"memtriage/internal/fingerprint"
	"memtriage/internal/store"
)

func seedRunningJob(t *testing.T, mem *store.Memory) *store.Job {
	t.Helper()
	ctx := context.Background()
	d := &store.Dump{Path: "/dumps/t.raw", SHA256: uuid.NewString(), Size: 1, Format: "raw"}
	if err := mem.UpsertDump(ctx, d); err != nil {
		t.Fatal(err)
	}
	job := &store.Job{Fingerprint: fingerprint.Fingerprint("fp-" + uuid.NewString()), DumpID: d.ID, Plugins: engine.DefaultPlugins()}
	if err := mem.RegisterRunning(ctx, job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestEventsOrderedWithTieBreaks(t *testing.T) {
	mem := store.NewMemory()
	job := seedRunningJob(t, mem)
	ctx := context.Background()

	// Two processes created at the same second, plus a connection with the
	// same timestamp: order must be pslist (by artifact order), then
	// netscan.
	err := mem.AppendArtifacts(ctx, job.ID, engine.PluginPsList, []engine.Record{
		{Process: &engine.ProcessRecord{PID: 4, Name: "System", CreateTime: "2024-03-01 09:00:00"}},
		{Process: &engine.ProcessRecord{PID: 300, PPID: 4, Name: "smss.exe", CreateTime: "2024-03-01 09:00:05"}},
		{Process: &engine.ProcessRecord{PID: 400, PPID: 300, Name: "csrss.exe", CreateTime: "2024-03-01 09:00:05"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = mem.AppendArtifacts(ctx, job.ID, engine.PluginNetScan, []engine.Record{
		{Connection: &engine.ConnectionRecord{Protocol: "TCPv4", LocalAddr: "10.0.0.5", LocalPort: 49152,
			RemoteAddr: "203.0.113.9", RemotePort: 443, PID: 400, Created: "2024-03-01 09:00:05"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := NewBuilder(mem).Events(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, e := range events {
		got = append(got, e.Type+"/"+e.Process)
	}
	want := []string{
		"process_created/System",
		"process_created/smss.exe",
		"process_created/csrss.exe",
		"network_connection/",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("event order = %v, want %v", got, want)
	}

	// Equal timestamps: pslist events keep artifact order and precede
	// the netscan event.
	if !events[1].Timestamp.Equal(events[3].Timestamp) {
		t.Fatal("test fixture expects equal timestamps")
	}
}

func TestBuildSequenceIsRestartable(t *testing.T) {
	mem := store.NewMemory()
	job := seedRunningJob(t, mem)
	ctx := context.Background()

	err := mem.AppendArtifacts(ctx, job.ID, engine.PluginPsList, []engine.Record{
		{Process: &engine.ProcessRecord{PID: 4, Name: "System", CreateTime: "2024-03-01 09:00:00"}},
		{Process: &engine.ProcessRecord{PID: 8, Name: "smss.exe", CreateTime: "2024-03-01 09:00:01"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	seq, err := NewBuilder(mem).Build(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	collect := func() []int {
		var pids []int
		for e := range seq {
			pids = append(pids, e.PID)
		}
		return pids
	}
	first := collect()
	second := collect()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("sequence not restartable: %v vs %v", first, second)
	}

	// Early stop is allowed.
	for range seq {
		break
	}
	if got := collect(); !reflect.DeepEqual(got, first) {
		t.Fatalf("sequence corrupted by early stop: %v", got)
	}
}

func TestHiddenProcessFlaggedAndListedScanDuplicatesDropped(t *testing.T) {
	mem := store.NewMemory()
	job := seedRunningJob(t, mem)
	ctx := context.Background()

	err := mem.AppendArtifacts(ctx, job.ID, engine.PluginPsList, []engine.Record{
		{Process: &engine.ProcessRecord{PID: 4, Name: "System", CreateTime: "2024-03-01 09:00:00"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = mem.AppendArtifacts(ctx, job.ID, engine.PluginPsScan, []engine.Record{
		{Process: &engine.ProcessRecord{PID: 4, Name: "System", CreateTime: "2024-03-01 09:00:00"}},
		{Process: &engine.ProcessRecord{PID: 666, Name: "implant.exe", CreateTime: "2024-03-01 09:30:00"}},
		{Process: &engine.ProcessRecord{PID: 900, Name: "old.exe", CreateTime: "2024-03-01 08:00:00", ExitTime: "2024-03-01 08:30:00"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	events, err := NewBuilder(mem).Events(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	var system, hidden, exited int
	for _, e := range events {
		switch {
		case e.PID == 4:
			system++
		case e.PID == 666:
			hidden++
			if !e.Hidden {
				t.Errorf("scan-only live process not flagged hidden: %+v", e)
			}
		case e.PID == 900 && e.Type == EventProcessExited:
			exited++
			if e.Hidden {
				t.Errorf("exited process flagged hidden: %+v", e)
			}
		}
	}
	if system != 1 {
		t.Fatalf("listed process duplicated by scan view: %d events", system)
	}
	if hidden != 1 || exited != 1 {
		t.Fatalf("hidden=%d exited=%d, want 1 and 1", hidden, exited)
	}
}

func TestRebuildAfterNewArtifactsKeepsRelativeOrder(t *testing.T) {
	mem := store.NewMemory()
	job := seedRunningJob(t, mem)
	ctx := context.Background()

	err := mem.AppendArtifacts(ctx, job.ID, engine.PluginPsList, []engine.Record{
		{Process: &engine.ProcessRecord{PID: 10, Name: "a.exe", CreateTime: "2024-03-01 09:00:05"}},
		{Process: &engine.ProcessRecord{PID: 20, Name: "b.exe", CreateTime: "2024-03-01 09:00:05"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(mem)
	before, err := b.Events(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	err = mem.AppendArtifacts(ctx, job.ID, engine.PluginNetScan, []engine.Record{
		{Connection: &engine.ConnectionRecord{Protocol: "TCPv4", RemoteAddr: "203.0.113.9", RemotePort: 443,
			PID: 10, Created: "2024-03-01 09:00:05"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	after, err := b.Events(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("rebuild has %d events, want %d", len(after), len(before)+1)
	}

	// Previously adjacent equal-timestamp events keep their order; the new
	// lower-priority source lands after them.
	for i := range before {
		if after[i].PID != before[i].PID || after[i].Type != before[i].Type {
			t.Fatalf("rebuild reordered earlier events at %d: %+v vs %+v", i, after[i], before[i])
		}
	}
	if after[len(after)-1].Type != EventNetworkConnection {
		t.Fatalf("new event not ordered by source priority: %+v", after[len(after)-1])
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-03-01 09:00:05", time.Date(2024, 3, 1, 9, 0, 5, 0, time.UTC), true},
		{"2024-03-01 09:00:05.123456", time.Date(2024, 3, 1, 9, 0, 5, 123456000, time.UTC), true},
		{"2024-03-01T09:00:05", time.Date(2024, 3, 1, 9, 0, 5, 0, time.UTC), true},
		{"2024-03-01T09:00:05+00:00", time.Date(2024, 3, 1, 9, 0, 5, 0, time.UTC), true},
		{"  2024-03-01 09:00:05 ", time.Date(2024, 3, 1, 9, 0, 5, 0, time.UTC), true},
		{"N/A", time.Time{}, false},
		{"None", time.Time{}, false},
		{"", time.Time{}, false},
		{"not a timestamp", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := parseTimestamp(tt.in)
		if ok != tt.ok || (ok && !got.Equal(tt.want)) {
			t.Errorf("parseTimestamp(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
