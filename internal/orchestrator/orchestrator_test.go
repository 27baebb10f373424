package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"memtriage/internal/engine"
	"memtriage/internal/fault"
	"memtriage/internal/fingerprint"
	"memtriage/internal/store"
)

type fakeRunner struct {
	mu       sync.Mutex
	invokes  int32
	failures map[string][]error // pending errors per plugin, consumed in order
	records  map[string][]engine.Record
	delay    time.Duration
	onRun    func(plugin string)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		failures: make(map[string][]error),
		records:  make(map[string][]engine.Record),
	}
}

func (f *fakeRunner) Version() string { return "fake-1.0" }

func (f *fakeRunner) DetectProfile(ctx context.Context, dumpPath string) (engine.Profile, error) {
	return engine.Profile{OS: "windows", Build: "19041"}, nil
}

func (f *fakeRunner) Run(ctx context.Context, req engine.Request) (engine.Result, error) {
	atomic.AddInt32(&f.invokes, 1)
	if f.onRun != nil {
		f.onRun(req.Plugin)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return engine.Result{}, fault.Wrap(fault.KindEngineTransient, "fake.run", ctx.Err())
		}
	}

	f.mu.Lock()
	if queue := f.failures[req.Plugin]; len(queue) > 0 {
		err := queue[0]
		f.failures[req.Plugin] = queue[1:]
		f.mu.Unlock()
		return engine.Result{}, err
	}
	records := f.records[req.Plugin]
	f.mu.Unlock()

	return engine.Result{
		Plugin:      req.Plugin,
		Records:     records,
		CommandLine: "vol -f " + req.DumpPath + " -r json " + req.Plugin,
		Duration:    time.Millisecond,
	}, nil
}

func testSetup(t *testing.T, runner engine.Runner, cfg Config) (*Orchestrator, *store.Memory, *store.Dump) {
	t.Helper()
	mem := store.NewMemory()
	o, err := New(mem, runner, nil, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	d := &store.Dump{Path: "/dumps/a.raw", SHA256: "h1", Size: 1 << 20, Format: "raw"}
	if err := mem.UpsertDump(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	return o, mem, d
}

func TestEnsureAnalyzedHappyPath(t *testing.T) {
	runner := newFakeRunner()
	runner.records[engine.PluginPsList] = []engine.Record{
		{Process: &engine.ProcessRecord{PID: 4, Name: "System"}},
	}
	o, mem, d := testSetup(t, runner, Config{})
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp-1")
	plugins := []string{engine.PluginPsList, engine.PluginNetScan}

	job, err := o.EnsureAnalyzed(ctx, d, fp, plugins)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", job.Status)
	}
	if got := atomic.LoadInt32(&runner.invokes); got != 2 {
		t.Fatalf("engine invoked %d times, want 2 (one per plugin)", got)
	}

	arts, err := mem.ArtifactsOf(ctx, job.ID, engine.PluginPsList)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].Record.Process.Name != "System" {
		t.Fatalf("unexpected artifacts: %+v", arts)
	}

	// Profile was detected and recorded on the dump.
	updated, err := mem.DumpByID(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ProfileOS != "windows" {
		t.Fatalf("profile not persisted: %+v", updated)
	}
}

func TestEnsureAnalyzedCacheHit(t *testing.T) {
	runner := newFakeRunner()
	o, _, d := testSetup(t, runner, Config{})
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp-1")
	plugins := []string{engine.PluginPsList}

	first, err := o.EnsureAnalyzed(ctx, d, fp, plugins)
	if err != nil {
		t.Fatal(err)
	}
	invokesAfterFirst := atomic.LoadInt32(&runner.invokes)

	second, err := o.EnsureAnalyzed(ctx, d, fp, plugins)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("cache hit returned a different job: %s vs %s", second.ID, first.ID)
	}
	if got := atomic.LoadInt32(&runner.invokes); got != invokesAfterFirst {
		t.Fatalf("cache hit triggered %d extra engine runs", got-invokesAfterFirst)
	}
}

func TestReprocessBypassesCache(t *testing.T) {
	runner := newFakeRunner()
	o, _, d := testSetup(t, runner, Config{})
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp-1")
	plugins := []string{engine.PluginPsList}

	first, err := o.EnsureAnalyzed(ctx, d, fp, plugins)
	if err != nil {
		t.Fatal(err)
	}

	second, err := o.Reprocess(ctx, d, fp, plugins)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("reprocess reused the cached job")
	}
	if got := atomic.LoadInt32(&runner.invokes); got != 2 {
		t.Fatalf("engine invoked %d times, want 2", got)
	}
}

func TestEnsureAnalyzedSingleFlight(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 50 * time.Millisecond
	o, _, d := testSetup(t, runner, Config{MaxConcurrent: 4})
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp-race")
	plugins := []string{engine.PluginPsList}

	const n = 16
	var wg sync.WaitGroup
	jobs := make([]*store.Job, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs[i], errs[i] = o.EnsureAnalyzed(ctx, d, fp, plugins)
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if jobs[i].ID != jobs[0].ID {
			t.Fatalf("caller %d observed job %s, caller 0 observed %s", i, jobs[i].ID, jobs[0].ID)
		}
		if jobs[i].Status != store.StatusSucceeded {
			t.Fatalf("caller %d observed status %s", i, jobs[i].Status)
		}
	}
	if got := atomic.LoadInt32(&runner.invokes); got != 1 {
		t.Fatalf("engine invoked %d times for one fingerprint, want 1", got)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	runner := newFakeRunner()
	transient := fault.New(fault.KindEngineTransient, "engine.invoke", "timed out")
	runner.failures[engine.PluginPsList] = []error{transient, transient}
	o, _, d := testSetup(t, runner, Config{RetryAttempts: 3, RetryBase: time.Millisecond})

	job, err := o.EnsureAnalyzed(context.Background(), d, "fp-1", []string{engine.PluginPsList})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded after retries", job.Status)
	}
	if got := atomic.LoadInt32(&runner.invokes); got != 3 {
		t.Fatalf("engine invoked %d times, want 3 (two transient failures + success)", got)
	}
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	runner := newFakeRunner()
	transient := fault.New(fault.KindEngineTransient, "engine.invoke", "timed out")
	runner.failures[engine.PluginPsList] = []error{transient, transient, transient, transient}
	o, _, d := testSetup(t, runner, Config{RetryAttempts: 2, RetryBase: time.Millisecond})

	job, err := o.EnsureAnalyzed(context.Background(), d, "fp-1", []string{engine.PluginPsList})
	if err == nil {
		t.Fatal("expected failure after retry exhaustion")
	}
	if job.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if got := atomic.LoadInt32(&runner.invokes); got != 3 {
		t.Fatalf("engine invoked %d times, want 3 (initial + 2 retries)", got)
	}
}

func TestTerminalFailureNeverRetries(t *testing.T) {
	runner := newFakeRunner()
	runner.failures[engine.PluginPsList] = []error{
		fault.New(fault.KindEngineTerminal, "engine.invoke", "crash"),
	}
	o, _, d := testSetup(t, runner, Config{RetryAttempts: 5, RetryBase: time.Millisecond})

	job, err := o.EnsureAnalyzed(context.Background(), d, "fp-1", []string{engine.PluginPsList})
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if fault.KindOf(err) != fault.KindEngineTerminal {
		t.Fatalf("error kind = %q, want engine_terminal", fault.KindOf(err))
	}
	if job.Status != store.StatusFailed || job.ErrorKind != string(fault.KindEngineTerminal) {
		t.Fatalf("job = %+v, want failed/engine_terminal", job)
	}
	if got := atomic.LoadInt32(&runner.invokes); got != 1 {
		t.Fatalf("terminal failure retried: %d invocations", got)
	}
}

func TestFailureKeepsEarlierPluginArtifacts(t *testing.T) {
	runner := newFakeRunner()
	runner.records[engine.PluginPsList] = []engine.Record{
		{Process: &engine.ProcessRecord{PID: 4, Name: "System"}},
	}
	runner.failures[engine.PluginNetScan] = []error{
		fault.New(fault.KindEngineTerminal, "engine.invoke", "crash"),
	}
	o, mem, d := testSetup(t, runner, Config{})

	job, err := o.EnsureAnalyzed(context.Background(), d, "fp-1", []string{engine.PluginPsList, engine.PluginNetScan})
	if err == nil {
		t.Fatal("expected failure")
	}
	if job.Status != store.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}

	arts, err := mem.ArtifactsOf(context.Background(), job.ID, engine.PluginPsList)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 {
		t.Fatalf("earlier plugin output discarded: %d artifacts", len(arts))
	}
}

func TestCancellationBetweenPlugins(t *testing.T) {
	runner := newFakeRunner()
	runner.records[engine.PluginPsList] = []engine.Record{
		{Process: &engine.ProcessRecord{PID: 4, Name: "System"}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	runner.onRun = func(plugin string) {
		if plugin == engine.PluginPsList {
			cancel()
		}
	}
	o, mem, d := testSetup(t, runner, Config{})

	job, err := o.EnsureAnalyzed(ctx, d, "fp-1", []string{engine.PluginPsList, engine.PluginNetScan})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if job.Status != store.StatusCanceled {
		t.Fatalf("status = %s, want canceled", job.Status)
	}

	// The committed first-plugin batch stays valid for reuse.
	arts, err := mem.ArtifactsOf(context.Background(), job.ID, engine.PluginPsList)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 {
		t.Fatalf("canceled job lost committed artifacts: %d", len(arts))
	}
}

func TestFailedJobDoesNotInvalidatePriorSuccess(t *testing.T) {
	runner := newFakeRunner()
	o, mem, d := testSetup(t, runner, Config{})
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp-1")

	good, err := o.EnsureAnalyzed(ctx, d, fp, []string{engine.PluginPsList})
	if err != nil {
		t.Fatal(err)
	}

	// A later run for a different fingerprint fails; the prior success for
	// fp-1 still answers from cache.
	runner.failures[engine.PluginPsList] = []error{
		fault.New(fault.KindEngineTerminal, "engine.invoke", "crash"),
	}
	if _, err := o.EnsureAnalyzed(ctx, d, "fp-2", []string{engine.PluginPsList}); err == nil {
		t.Fatal("expected failure for fp-2")
	}

	again, err := o.EnsureAnalyzed(ctx, d, fp, []string{engine.PluginPsList})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != good.ID {
		t.Fatal("prior succeeded job was lost")
	}
	if _, err := mem.JobByID(ctx, good.ID); err != nil {
		t.Fatal(err)
	}
}

func TestProvenanceRecordedPerInvocation(t *testing.T) {
	runner := newFakeRunner()
	transient := fault.New(fault.KindEngineTransient, "engine.invoke", "timed out")
	runner.failures[engine.PluginPsList] = []error{transient}
	o, mem, d := testSetup(t, runner, Config{RetryAttempts: 2, RetryBase: time.Millisecond})

	if _, err := o.EnsureAnalyzed(context.Background(), d, "fp-1", []string{engine.PluginPsList}); err != nil {
		t.Fatal(err)
	}

	entries, err := mem.ProvenanceOf(context.Background(), d.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("provenance entries = %d, want 2 (failed attempt + success)", len(entries))
	}
	var failed, ok int
	for _, e := range entries {
		if e.Success {
			ok++
		} else {
			failed++
		}
	}
	if failed != 1 || ok != 1 {
		t.Fatalf("provenance outcomes: %d failed, %d ok", failed, ok)
	}
}

func TestConcurrencySlotBound(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 30 * time.Millisecond

	var inFlight, peak int32
	runner.onRun = func(string) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		go func() {
			time.Sleep(25 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}

	o, mem, _ := testSetup(t, runner, Config{MaxConcurrent: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 6 {
		d := &store.Dump{Path: "/dumps/x.raw", SHA256: string(rune('a' + i)), Size: 1, Format: "raw"}
		if err := mem.UpsertDump(ctx, d); err != nil {
			t.Fatal(err)
		}
		fp := fingerprint.Fingerprint("fp-" + string(rune('a'+i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.EnsureAnalyzed(ctx, d, fp, []string{engine.PluginPsList}); err != nil {
				t.Errorf("job %s: %v", fp, err)
			}
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("engine concurrency peaked at %d, cap is 2", p)
	}
}

func TestJoinCallerTimeoutLeavesJobRunning(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 100 * time.Millisecond
	o, _, d := testSetup(t, runner, Config{})
	fp := fingerprint.Fingerprint("fp-slow")

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		if _, err := o.EnsureAnalyzed(context.Background(), d, fp, []string{engine.PluginPsList}); err != nil {
			t.Errorf("owner failed: %v", err)
		}
	}()
	<-started
	// Give the owner time to register the in-flight entry.
	for !o.InFlight(fp) {
		time.Sleep(time.Millisecond)
	}

	joinCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := o.EnsureAnalyzed(joinCtx, d, fp, []string{engine.PluginPsList})
	if fault.KindOf(err) != fault.KindConcurrencyTimeout {
		t.Fatalf("joiner error kind = %q, want concurrency_timeout", fault.KindOf(err))
	}

	<-done
	// Owner completed despite the joiner giving up.
	job, err := o.EnsureAnalyzed(context.Background(), d, fp, []string{engine.PluginPsList})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.StatusSucceeded {
		t.Fatalf("owner job status = %s", job.Status)
	}
}

func TestJoinersFollowJobOwnedByAnotherProcess(t *testing.T) {
	runner := newFakeRunner()
	o, mem, d := testSetup(t, runner, Config{})
	ctx := context.Background()
	fp := fingerprint.Fingerprint("fp-remote")

	// Another service instance already registered the running job; only
	// the store row is visible to this process.
	remote := &store.Job{Fingerprint: fp, DumpID: d.ID, Plugins: []string{engine.PluginPsList}}
	if err := mem.RegisterRunning(ctx, remote); err != nil {
		t.Fatal(err)
	}

	type outcome struct {
		job *store.Job
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			job, err := o.EnsureAnalyzed(ctx, d, fp, []string{engine.PluginPsList})
			results <- outcome{job, err}
		}()
	}

	// Let both callers park, one polling the store, one joined on the
	// in-flight handle, before the remote owner finishes.
	time.Sleep(50 * time.Millisecond)
	if err := mem.CompleteJob(ctx, remote.ID, store.StatusSucceeded, "", ""); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("caller %d: %v", i, res.err)
		}
		if res.job == nil || res.job.ID != remote.ID {
			t.Fatalf("caller %d got job %+v, want the remote job %s", i, res.job, remote.ID)
		}
	}
	if got := atomic.LoadInt32(&runner.invokes); got != 0 {
		t.Fatalf("engine invoked %d times while another process owned the job", got)
	}
}
