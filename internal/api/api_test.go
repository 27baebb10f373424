package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"memtriage/internal/anomaly"
	"memtriage/internal/engine"
	"memtriage/internal/facade"
	"memtriage/internal/ingest"
	"memtriage/internal/orchestrator"
	"memtriage/internal/store"
	"memtriage/internal/timeline"
)

type stubRunner struct {
	records map[string][]engine.Record
}

func (s *stubRunner) Version() string { return "stub-1.0" }

func (s *stubRunner) DetectProfile(ctx context.Context, dumpPath string) (engine.Profile, error) {
	return engine.Profile{OS: "windows", Build: "19041"}, nil
}

func (s *stubRunner) Run(ctx context.Context, req engine.Request) (engine.Result, error) {
	return engine.Result{Plugin: req.Plugin, Records: s.records[req.Plugin]}, nil
}

func testRecords() map[string][]engine.Record {
	return map[string][]engine.Record{
		engine.PluginPsList: {
			{Process: &engine.ProcessRecord{PID: 4, Name: "System", CreateTime: "2024-03-01 08:00:00"}},
			{Process: &engine.ProcessRecord{PID: 100, PPID: 4, Name: "explorer.exe", CreateTime: "2024-03-01 08:30:00",
				ImagePath: `C:\Windows\explorer.exe`}},
		},
		engine.PluginPsScan: {
			{Process: &engine.ProcessRecord{PID: 4, Name: "System", CreateTime: "2024-03-01 08:00:00"}},
			{Process: &engine.ProcessRecord{PID: 666, PPID: 4, Name: "ghost.exe", CreateTime: "2024-03-01 09:00:00"}},
		},
		engine.PluginNetScan: {
			{Connection: &engine.ConnectionRecord{Protocol: "TCPv4", LocalAddr: "10.0.0.5", LocalPort: 49152,
				RemoteAddr: "198.51.100.7", RemotePort: 443, State: "ESTABLISHED", PID: 100}},
		},
		engine.PluginMalfind: {
			{Injection: &engine.InjectionRecord{PID: 100, Process: "explorer.exe", Start: "0x7f0000", Protection: "PAGE_EXECUTE_READWRITE"}},
		},
		engine.PluginCmdLine: {
			{CmdLine: &engine.CmdLineRecord{PID: 100, Process: "explorer.exe", Args: `C:\Windows\explorer.exe`}},
		},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	mem := store.NewMemory()
	work := t.TempDir()
	runner := &stubRunner{records: testRecords()}

	orch, err := orchestrator.New(mem, runner, nil, nil, orchestrator.Config{MaxConcurrent: 2})
	if err != nil {
		t.Fatal(err)
	}
	fac, err := facade.New(mem,
		&ingest.Ingestor{WorkDir: work},
		orch,
		runner,
		anomaly.New(mem, anomaly.DefaultPolicy()),
		timeline.NewBuilder(mem),
		nil,
		facade.Config{},
	)
	if err != nil {
		t.Fatal(err)
	}

	a, err := New(fac, nil)
	if err != nil {
		t.Fatal(err)
	}
	routes, err := a.Routes()
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)

	ref := filepath.Join(work, "case.raw")
	if err := os.WriteFile(ref, []byte("test memory capture"), 0o644); err != nil {
		t.Fatal(err)
	}
	return srv, ref
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatal(err)
	}
}

func processTestDump(t *testing.T, srv *httptest.Server, ref string) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/dumps/process", map[string]any{"ref": ref})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process status = %d", resp.StatusCode)
	}
	var result struct {
		Dump struct {
			ID string `json:"id"`
		} `json:"dump"`
	}
	decodeBody(t, resp, &result)
	if result.Dump.ID == "" {
		t.Fatal("no dump id in process response")
	}
	return result.Dump.ID
}

func TestProcessAndReadEndpoints(t *testing.T) {
	srv, ref := newTestServer(t)
	dumpID := processTestDump(t, srv, ref)

	for _, path := range []string{
		"/v1/dumps",
		"/v1/dumps/" + dumpID + "/",
		"/v1/dumps/" + dumpID + "/anomalies",
		"/v1/dumps/" + dumpID + "/timeline",
		"/v1/dumps/" + dumpID + "/tree",
		"/v1/dumps/" + dumpID + "/process/100",
		"/v1/dumps/" + dumpID + "/network",
		"/v1/dumps/" + dumpID + "/hidden",
		"/v1/dumps/" + dumpID + "/injections",
		"/v1/dumps/" + dumpID + "/provenance",
		"/healthz",
		"/statsz",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
	}
}

func TestTimelinePagingQuery(t *testing.T) {
	srv, ref := newTestServer(t)
	dumpID := processTestDump(t, srv, ref)

	resp, err := http.Get(fmt.Sprintf("%s/v1/dumps/%s/timeline?offset=1&limit=1", srv.URL, dumpID))
	if err != nil {
		t.Fatal(err)
	}
	var view struct {
		Total  int               `json:"total"`
		Offset int               `json:"offset"`
		Events []json.RawMessage `json:"events"`
	}
	decodeBody(t, resp, &view)
	if view.Total != 3 || view.Offset != 1 || len(view.Events) != 1 {
		t.Fatalf("view = %+v", view)
	}
}

func TestHiddenProcessEndpoint(t *testing.T) {
	srv, ref := newTestServer(t)
	dumpID := processTestDump(t, srv, ref)

	resp, err := http.Get(srv.URL + "/v1/dumps/" + dumpID + "/hidden")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Processes []struct {
			PID int `json:"pid"`
		} `json:"processes"`
	}
	decodeBody(t, resp, &body)
	if len(body.Processes) != 1 || body.Processes[0].PID != 666 {
		t.Fatalf("hidden = %+v", body.Processes)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, ref := newTestServer(t)
	dumpID := processTestDump(t, srv, ref)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed dump id", http.MethodGet, "/v1/dumps/not-a-uuid/anomalies", nil, http.StatusBadRequest},
		{"unknown dump", http.MethodGet, "/v1/dumps/1b4e28ba-2fa1-11d2-883f-0016d3cca427/anomalies", nil, http.StatusBadRequest},
		{"unknown pid", http.MethodGet, "/v1/dumps/" + dumpID + "/process/9999", nil, http.StatusBadRequest},
		{"bad pid", http.MethodGet, "/v1/dumps/" + dumpID + "/process/abc", nil, http.StatusBadRequest},
		{"bad offset", http.MethodGet, "/v1/dumps/" + dumpID + "/timeline?offset=-2", nil, http.StatusBadRequest},
		{"missing ref", http.MethodPost, "/v1/dumps/process", map[string]any{}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/dumps/process", map[string]any{"ref": ref, "bogus": 1}, http.StatusBadRequest},
		{"unknown plugin", http.MethodPost, "/v1/dumps/process",
			map[string]any{"ref": ref, "plugins": []string{"windows.nosuch"}}, http.StatusBadRequest},
		{"missing file", http.MethodPost, "/v1/dumps/process",
			map[string]any{"ref": filepath.Join(t.TempDir(), "nope.raw")}, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp *http.Response
			var err error
			if tc.method == http.MethodPost {
				resp = postJSON(t, srv.URL+tc.path, tc.body)
			} else {
				resp, err = http.Get(srv.URL + tc.path)
				if err != nil {
					t.Fatal(err)
				}
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			var body struct {
				Error string `json:"error"`
				Kind  string `json:"kind"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Error == "" {
				t.Fatal("error body missing message")
			}
		})
	}
}

func TestProcessRepeatReturnsSameJob(t *testing.T) {
	srv, ref := newTestServer(t)

	type result struct {
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
	}

	resp := postJSON(t, srv.URL+"/v1/dumps/process", map[string]any{"ref": ref})
	var first result
	decodeBody(t, resp, &first)

	resp = postJSON(t, srv.URL+"/v1/dumps/process", map[string]any{"ref": ref})
	var second result
	decodeBody(t, resp, &second)
	if second.Job.ID != first.Job.ID {
		t.Fatal("repeat request did not reuse the cached job")
	}

	resp = postJSON(t, srv.URL+"/v1/dumps/process", map[string]any{"ref": ref, "force": true})
	var forced result
	decodeBody(t, resp, &forced)
	if forced.Job.ID == first.Job.ID {
		t.Fatal("forced request reused the cached job")
	}
}
