package anomaly

import (
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"memtriage/internal/fault"
)

// WatchPolicy names network endpoints worth flagging. Addresses are exact
// IPs, networks are CIDR prefixes, ports match the remote side.
type WatchPolicy struct {
	Addresses []string `yaml:"addresses"`
	Networks  []string `yaml:"networks"`
	Ports     []int    `yaml:"ports"`
}

// Policy holds the tunable inputs of the rule set. Thresholds and name
// tables are policy choices, not structure, so they load from a file and
// fall back to the defaults below.
type Policy struct {
	// SimilarityThreshold is the minimum name-similarity ratio (0..1) at
	// which a process name counts as spoofing a known system name.
	SimilarityThreshold float64             `yaml:"similarity_threshold"`
	ExpectedParents     map[string][]string `yaml:"expected_parents"`
	SingleInstance      []string            `yaml:"single_instance"`
	CommonNames         []string            `yaml:"common_names"`
	LegitimatePaths     []string            `yaml:"legitimate_paths"`
	SuspiciousPaths     []string            `yaml:"suspicious_paths"`
	Shells              []string            `yaml:"shells"`
	DocumentApps        []string            `yaml:"document_apps"`
	Watch               WatchPolicy         `yaml:"watch"`
}

// DefaultPolicy returns the built-in Windows rule tables.
func DefaultPolicy() Policy {
	return Policy{
		SimilarityThreshold: 0.85,
		ExpectedParents: map[string][]string{
			"services.exe": {"svchost.exe", "dllhost.exe", "taskhost.exe", "wuauclt.exe", "spoolsv.exe"},
			"explorer.exe": {"chrome.exe", "firefox.exe", "notepad.exe", "cmd.exe", "powershell.exe", "iexplore.exe", "msedge.exe", "onedrive.exe"},
			"svchost.exe":  {"wuauclt.exe", "searchindexer.exe", "runtimebroker.exe", "taskhostw.exe"},
			"winlogon.exe": {"userinit.exe", "logonui.exe"},
			"userinit.exe": {"explorer.exe"},
			"smss.exe":     {"csrss.exe", "wininit.exe"},
			"wininit.exe":  {"services.exe", "lsass.exe"},
		},
		SingleInstance: []string{
			"csrss.exe", "smss.exe", "wininit.exe", "services.exe", "lsass.exe", "winlogon.exe",
		},
		CommonNames: []string{
			"svchost.exe", "lsass.exe", "csrss.exe", "explorer.exe",
			"services.exe", "smss.exe", "winlogon.exe", "wininit.exe",
			"spoolsv.exe", "taskhost.exe", "dwm.exe", "conhost.exe",
		},
		LegitimatePaths: []string{
			`c:\windows\system32`,
			`c:\windows\syswow64`,
			`c:\windows\explorer.exe`,
		},
		SuspiciousPaths: []string{
			`\temp\`,
			`\appdata\local\temp`,
			`\users\public`,
			`\programdata`,
			`c:\$recycle.bin`,
		},
		Shells: []string{
			"cmd.exe", "powershell.exe", "wscript.exe", "cscript.exe",
		},
		DocumentApps: []string{
			"winword.exe", "excel.exe", "powerpnt.exe", "outlook.exe",
		},
	}
}

// LoadPolicy reads a YAML policy file layered over the defaults. Keys the
// file omits keep their default values.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fault.Wrap(fault.KindInput, "anomaly.policy", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fault.Wrap(fault.KindInput, "anomaly.policy", err)
	}
	return p, nil
}

// compiled is the policy with lookup sets and parsed prefixes built once.
type compiled struct {
	Policy

	// allowedParents maps a child name to every parent the table permits.
	// A child may appear under several parents (wuauclt.exe runs under
	// services.exe or svchost.exe); any of them is legitimate.
	allowedParents map[string]map[string]bool
	singleInstance map[string]bool
	commonNames    map[string]bool
	shells         map[string]bool
	documentApps   map[string]bool
	watchAddrs     map[string]bool
	watchNets      []netip.Prefix
	watchPorts     map[int]bool
}

func (p Policy) compile() compiled {
	c := compiled{
		Policy:         p,
		allowedParents: make(map[string]map[string]bool),
		singleInstance: toSet(p.SingleInstance),
		commonNames:    toSet(p.CommonNames),
		shells:         toSet(p.Shells),
		documentApps:   toSet(p.DocumentApps),
		watchAddrs:     toSet(p.Watch.Addresses),
		watchPorts:     make(map[int]bool),
	}
	for parent, children := range p.ExpectedParents {
		for _, child := range children {
			key := strings.ToLower(child)
			if c.allowedParents[key] == nil {
				c.allowedParents[key] = make(map[string]bool)
			}
			c.allowedParents[key][strings.ToLower(parent)] = true
		}
	}
	for _, port := range p.Watch.Ports {
		c.watchPorts[port] = true
	}
	for _, cidr := range p.Watch.Networks {
		if pfx, err := netip.ParsePrefix(cidr); err == nil {
			c.watchNets = append(c.watchNets, pfx)
		}
	}
	return c
}

func (c *compiled) watchesEndpoint(addr string, port int) bool {
	if c.watchPorts[port] {
		return true
	}
	if c.watchAddrs[strings.ToLower(addr)] {
		return true
	}
	if ip, err := netip.ParseAddr(addr); err == nil {
		for _, pfx := range c.watchNets {
			if pfx.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.ToLower(it)] = true
	}
	return set
}
