package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"memtriage/internal/fault"
)

const defaultRunTimeout = 10 * time.Minute

// ExecRunner invokes a Volatility 3 compatible CLI, one subprocess per
// plugin extraction, and parses its JSON renderer output.
type ExecRunner struct {
	Binary  string
	Ver     string
	Timeout time.Duration
	Logger  *log.Logger
}

// NewExecRunner builds a runner for the given engine binary and version
// string. The version must change when the engine is upgraded so stale
// artifacts are never reused across engine builds.
func NewExecRunner(binary, version string, timeout time.Duration, logger *log.Logger) (*ExecRunner, error) {
	if binary == "" {
		return nil, errors.New("engine binary is required")
	}
	if version == "" {
		return nil, errors.New("engine version is required")
	}
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	return &ExecRunner{Binary: binary, Ver: version, Timeout: timeout, Logger: logger}, nil
}

func (r *ExecRunner) Version() string { return r.Ver }

// DetectProfile runs the engine's info plugin and reads the OS and build
// out of its output.
func (r *ExecRunner) DetectProfile(ctx context.Context, dumpPath string) (Profile, error) {
	rows, _, err := r.invoke(ctx, dumpPath, "windows.info", r.Timeout)
	if err != nil {
		if fault.KindOf(err) == fault.KindEngineTerminal {
			// The engine refusing to identify the image is a profile
			// problem, not an engine defect.
			return Profile{}, fault.Wrap(fault.KindProfile, "engine.detect_profile", err)
		}
		return Profile{}, err
	}

	profile := Profile{}
	for _, row := range rows {
		switch strings.ToLower(stringField(row, "Variable", "variable")) {
		case "ntbuildlab", "build":
			profile.Build = stringField(row, "Value", "value")
		case "is64bit", "os":
			if profile.OS == "" {
				profile.OS = "windows"
			}
		}
	}
	if profile.OS == "" && len(rows) > 0 {
		profile.OS = "windows"
	}
	if profile.OS == "" {
		return Profile{}, fault.New(fault.KindProfile, "engine.detect_profile",
			"engine returned no identification rows for "+dumpPath)
	}
	return profile, nil
}

// Run executes one plugin over the dump and maps the engine rows into
// typed records. Record order follows the engine's output order.
func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	if !KnownPlugin(req.Plugin) {
		return Result{}, fault.Newf(fault.KindInput, "engine.run", "unknown plugin %q", req.Plugin)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}

	started := time.Now()
	rows, cmdline, err := r.invoke(ctx, req.DumpPath, req.Plugin, timeout)
	if err != nil {
		return Result{}, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		if rec, ok := mapRecord(req.Plugin, row); ok {
			records = append(records, rec)
		}
	}

	return Result{
		Plugin:      req.Plugin,
		Records:     records,
		CommandLine: cmdline,
		Duration:    time.Since(started),
	}, nil
}

func (r *ExecRunner) invoke(ctx context.Context, dumpPath, plugin string, timeout time.Duration) ([]map[string]any, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-f", dumpPath, "-r", "json", plugin}
	cmd := exec.CommandContext(runCtx, r.Binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmdline := r.Binary + " " + strings.Join(args, " ")
	if r.Logger != nil {
		r.Logger.Printf("INFO engine invoke: %s", cmdline)
	}

	if err := cmd.Run(); err != nil {
		return nil, cmdline, classify(runCtx, plugin, err, stderr.String())
	}

	var rows []map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rows); err != nil {
		return nil, cmdline, fault.Newf(fault.KindEngineTerminal, "engine.invoke",
			"%s produced malformed output: %v", plugin, err)
	}
	return rows, cmdline, nil
}

// classify sorts an engine failure into the retry taxonomy. Timeouts and
// resource exhaustion are transient; everything else kills the job.
func classify(ctx context.Context, plugin string, err error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Newf(fault.KindEngineTransient, "engine.invoke", "%s timed out", plugin)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fault.Wrap(fault.KindEngineTransient, "engine.invoke", ctx.Err())
	}

	lowered := strings.ToLower(stderr)
	switch {
	case strings.Contains(lowered, "memoryerror"),
		strings.Contains(lowered, "resource temporarily unavailable"),
		strings.Contains(lowered, "cannot allocate memory"):
		return fault.Newf(fault.KindEngineTransient, "engine.invoke", "%s exhausted resources", plugin)
	case strings.Contains(lowered, "unsatisfied requirement"),
		strings.Contains(lowered, "unable to validate the plugin requirements"),
		strings.Contains(lowered, "symbol table"):
		return fault.Newf(fault.KindProfile, "engine.invoke", "%s could not resolve the dump profile", plugin)
	case strings.Contains(lowered, "invalid or corrupt"),
		strings.Contains(lowered, "unable to read"):
		return fault.Newf(fault.KindInput, "engine.invoke", "%s rejected the dump as unreadable", plugin)
	}

	return fault.Wrap(fault.KindEngineTerminal, "engine.invoke", fmt.Errorf("%s: %w", plugin, err))
}

func mapRecord(plugin string, row map[string]any) (Record, bool) {
	switch plugin {
	case PluginPsList, PluginPsScan:
		rec := &ProcessRecord{
			PID:        intField(row, "PID", "pid"),
			PPID:       intField(row, "PPID", "ppid"),
			Name:       stringField(row, "ImageFileName", "name"),
			ImagePath:  stringField(row, "Path", "image_path", "path"),
			CreateTime: stringField(row, "CreateTime", "create_time"),
			ExitTime:   stringField(row, "ExitTime", "exit_time"),
			Threads:    intField(row, "Threads", "threads"),
			Handles:    intField(row, "Handles", "handles"),
		}
		if rec.Name == "" && rec.PID == 0 {
			return Record{}, false
		}
		return Record{Process: rec}, true
	case PluginNetScan:
		rec := &ConnectionRecord{
			Protocol:   stringField(row, "Proto", "protocol"),
			LocalAddr:  stringField(row, "LocalAddr", "local_addr"),
			LocalPort:  intField(row, "LocalPort", "local_port"),
			RemoteAddr: stringField(row, "ForeignAddr", "remote_addr"),
			RemotePort: intField(row, "ForeignPort", "remote_port"),
			State:      stringField(row, "State", "state"),
			PID:        intField(row, "PID", "pid"),
			Owner:      stringField(row, "Owner", "owner"),
			Created:    stringField(row, "Created", "created"),
		}
		return Record{Connection: rec}, true
	case PluginMalfind:
		rec := &InjectionRecord{
			PID:        intField(row, "PID", "pid"),
			Process:    stringField(row, "Process", "process"),
			Start:      stringField(row, "Start VPN", "start"),
			Protection: stringField(row, "Protection", "protection"),
			Tag:        stringField(row, "Tag", "tag"),
			Disasm:     stringField(row, "Disasm", "disasm"),
		}
		return Record{Injection: rec}, true
	case PluginCmdLine:
		rec := &CmdLineRecord{
			PID:     intField(row, "PID", "pid"),
			Process: stringField(row, "Process", "process"),
			Args:    stringField(row, "Args", "args"),
		}
		return Record{CmdLine: rec}, true
	}
	return Record{}, false
}

func stringField(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func intField(row map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := row[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case string:
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return n
			}
		}
	}
	return 0
}
