package engine

// Plugin names understood by the extraction engine. These mirror the
// Volatility 3 plugin naming scheme the engine exposes on its CLI.
const (
	PluginPsList  = "windows.pslist"
	PluginPsScan  = "windows.psscan"
	PluginNetScan = "windows.netscan"
	PluginMalfind = "windows.malfind"
	PluginCmdLine = "windows.cmdline"
)

// DefaultPlugins is the extraction set used when a request does not name a
// subset.
func DefaultPlugins() []string {
	return []string{PluginPsList, PluginPsScan, PluginNetScan, PluginMalfind, PluginCmdLine}
}

// KnownPlugin reports whether the engine can run the named plugin.
func KnownPlugin(name string) bool {
	switch name {
	case PluginPsList, PluginPsScan, PluginNetScan, PluginMalfind, PluginCmdLine:
		return true
	}
	return false
}

// Record is one structured row produced by a plugin. Exactly one of the
// typed fields is set, matching the plugin that produced it. Timestamps are
// kept as the engine emitted them; parsing happens where they are consumed.
type Record struct {
	Process    *ProcessRecord    `json:"process,omitempty"`
	Connection *ConnectionRecord `json:"connection,omitempty"`
	Injection  *InjectionRecord  `json:"injection,omitempty"`
	CmdLine    *CmdLineRecord    `json:"cmdline,omitempty"`
}

// ProcessRecord is one process entry from pslist or psscan.
type ProcessRecord struct {
	PID        int    `json:"pid"`
	PPID       int    `json:"ppid"`
	Name       string `json:"name"`
	ImagePath  string `json:"image_path,omitempty"`
	CreateTime string `json:"create_time,omitempty"`
	ExitTime   string `json:"exit_time,omitempty"`
	Threads    int    `json:"threads,omitempty"`
	Handles    int    `json:"handles,omitempty"`
	Wow64      bool   `json:"wow64,omitempty"`
}

// ConnectionRecord is one connection entry from netscan.
type ConnectionRecord struct {
	Protocol   string `json:"protocol"`
	LocalAddr  string `json:"local_addr"`
	LocalPort  int    `json:"local_port"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	RemotePort int    `json:"remote_port,omitempty"`
	State      string `json:"state,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Created    string `json:"created,omitempty"`
}

// InjectionRecord is one code-injection indicator from malfind.
type InjectionRecord struct {
	PID        int    `json:"pid"`
	Process    string `json:"process"`
	Start      string `json:"start"`
	Protection string `json:"protection"`
	Tag        string `json:"tag,omitempty"`
	Disasm     string `json:"disasm,omitempty"`
}

// CmdLineRecord is one command line entry.
type CmdLineRecord struct {
	PID     int    `json:"pid"`
	Process string `json:"process"`
	Args    string `json:"args"`
}
