package anomaly

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// lineageFindings flags implausible parent-child pairs: children whose
// required parent differs, and shell or system-like processes parented by a
// document editor.
func (d *Detector) lineageFindings(snap *snapshot) []Finding {
	byPID := make(map[int]procArtifact, len(snap.pslist))
	for _, pa := range snap.pslist {
		byPID[pa.proc.PID] = pa
	}

	var findings []Finding
	for _, pa := range snap.pslist {
		name := strings.ToLower(pa.proc.Name)
		parent, ok := byPID[pa.proc.PPID]
		if !ok || pa.proc.PPID == 0 {
			continue
		}
		parentName := strings.ToLower(parent.proc.Name)

		if allowed, known := d.policy.allowedParents[name]; known && !allowed[parentName] {
			findings = append(findings, Finding{
				Rule:      RuleUnexpectedParent,
				Severity:  SeverityHigh,
				PID:       pa.proc.PID,
				ParentPID: pa.proc.PPID,
				Process:   name,
				Description: fmt.Sprintf("%s (PID %d) has unexpected parent %s (expected %s)",
					name, pa.proc.PID, parentName, parentList(allowed)),
				Artifacts: []uuid.UUID{pa.id, parent.id},
			})
		}

		if d.policy.documentApps[parentName] && d.systemLike(name) {
			findings = append(findings, Finding{
				Rule:      RuleSuspiciousLineage,
				Severity:  SeverityCritical,
				PID:       pa.proc.PID,
				ParentPID: pa.proc.PPID,
				Process:   name,
				Description: fmt.Sprintf("%s (PID %d) spawned by document application %s (possible macro or exploit)",
					name, pa.proc.PID, parentName),
				Artifacts: []uuid.UUID{pa.id, parent.id},
			})
		}
	}
	return findings
}

// parentList renders an allowed-parent set in a fixed order so the same
// snapshot always yields byte-identical descriptions.
func parentList(allowed map[string]bool) string {
	names := make([]string, 0, len(allowed))
	for name := range allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " or ")
}

// systemLike reports whether a name is a shell, a known system process, or
// close enough to one to count as an impersonation.
func (d *Detector) systemLike(name string) bool {
	if d.policy.shells[name] || d.policy.commonNames[name] {
		return true
	}
	spoofed, _ := d.closestCommonName(name)
	return spoofed != ""
}

// closestCommonName returns the known system name the given name most
// resembles above the similarity threshold, or "" when none qualifies.
// Exact matches never count as spoofing.
func (d *Detector) closestCommonName(name string) (string, float64) {
	best, bestRatio := "", 0.0
	for _, common := range d.policy.CommonNames {
		common = strings.ToLower(common)
		if name == common {
			return "", 0
		}
		if r := similarity(name, common); r > d.policy.SimilarityThreshold && r > bestRatio {
			best, bestRatio = common, r
		}
	}
	return best, bestRatio
}

func (d *Detector) spoofedNameFindings(snap *snapshot) []Finding {
	var findings []Finding
	for _, pa := range snap.pslist {
		name := strings.ToLower(pa.proc.Name)
		if name == "" {
			continue
		}
		common, ratio := d.closestCommonName(name)
		if common == "" {
			continue
		}
		findings = append(findings, Finding{
			Rule:     RuleSpoofedName,
			Severity: SeverityHigh,
			PID:      pa.proc.PID,
			Process:  name,
			Description: fmt.Sprintf("process name %q (PID %d) is %.3f similar to %q (possible typosquatting)",
				name, pa.proc.PID, ratio, common),
			Artifacts: []uuid.UUID{pa.id},
		})
	}
	return findings
}

// pathFindings checks execution location: system processes outside their
// legitimate directories, then anything running from transient or
// user-writable storage. At most one path finding per process; the system
// location check wins.
func (d *Detector) pathFindings(snap *snapshot) []Finding {
	var findings []Finding
	for _, pa := range snap.pslist {
		name := strings.ToLower(pa.proc.Name)
		path := strings.ToLower(pa.proc.ImagePath)
		if path == "" || path == "n/a" {
			continue
		}

		if d.policy.commonNames[name] {
			legitimate := false
			for _, legit := range d.policy.LegitimatePaths {
				if strings.Contains(path, strings.ToLower(legit)) {
					legitimate = true
					break
				}
			}
			if !legitimate {
				findings = append(findings, Finding{
					Rule:     RuleUnusualPath,
					Severity: SeverityCritical,
					PID:      pa.proc.PID,
					Process:  name,
					Description: fmt.Sprintf("system process %s (PID %d) running from unusual path %s",
						name, pa.proc.PID, pa.proc.ImagePath),
					Artifacts: []uuid.UUID{pa.id},
				})
				continue
			}
		}

		for _, suspicious := range d.policy.SuspiciousPaths {
			if strings.Contains(path, strings.ToLower(suspicious)) {
				findings = append(findings, Finding{
					Rule:     RuleSuspiciousPath,
					Severity: SeverityMedium,
					PID:      pa.proc.PID,
					Process:  name,
					Description: fmt.Sprintf("process %s (PID %d) running from suspicious location %s",
						name, pa.proc.PID, pa.proc.ImagePath),
					Artifacts: []uuid.UUID{pa.id},
				})
				break
			}
		}
	}
	return findings
}

// hiddenProcessFindings flags processes the low-level scan sees but the
// structured list walk does not. Exited processes linger in scan results
// and are not hidden.
func (d *Detector) hiddenProcessFindings(snap *snapshot) []Finding {
	listed := make(map[int]bool, len(snap.pslist))
	for _, pa := range snap.pslist {
		listed[pa.proc.PID] = true
	}

	var findings []Finding
	for _, pa := range snap.psscan {
		if listed[pa.proc.PID] || pa.proc.ExitTime != "" {
			continue
		}
		findings = append(findings, Finding{
			Rule:     RuleHiddenProcess,
			Severity: SeverityHigh,
			PID:      pa.proc.PID,
			Process:  strings.ToLower(pa.proc.Name),
			Description: fmt.Sprintf("process %s (PID %d) found by memory scan but absent from the process list (possible unlinking)",
				strings.ToLower(pa.proc.Name), pa.proc.PID),
			Artifacts: []uuid.UUID{pa.id},
		})
	}
	return findings
}

// duplicateInstanceFindings flags processes that must exist exactly once.
func (d *Detector) duplicateInstanceFindings(snap *snapshot) []Finding {
	instances := make(map[string][]procArtifact)
	for _, pa := range snap.pslist {
		name := strings.ToLower(pa.proc.Name)
		if d.policy.singleInstance[name] {
			instances[name] = append(instances[name], pa)
		}
	}

	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		procs := instances[name]
		if len(procs) < 2 {
			continue
		}
		pids := make([]string, len(procs))
		ids := make([]uuid.UUID, len(procs))
		for i, pa := range procs {
			pids[i] = fmt.Sprintf("%d", pa.proc.PID)
			ids[i] = pa.id
		}
		findings = append(findings, Finding{
			Rule:     RuleDuplicateInstance,
			Severity: SeverityHigh,
			Process:  name,
			Description: fmt.Sprintf("multiple instances of %s detected (PIDs %s)",
				name, strings.Join(pids, ", ")),
			Artifacts: ids,
		})
	}
	return findings
}

// watchedEndpointFindings flags connections to endpoints on the watch
// policy.
func (d *Detector) watchedEndpointFindings(snap *snapshot) []Finding {
	var findings []Finding
	for _, ca := range snap.netscan {
		conn := ca.conn
		if conn.RemoteAddr == "" {
			continue
		}
		if !d.policy.watchesEndpoint(conn.RemoteAddr, conn.RemotePort) {
			continue
		}
		findings = append(findings, Finding{
			Rule:     RuleWatchedEndpoint,
			Severity: SeverityMedium,
			PID:      conn.PID,
			Process:  strings.ToLower(conn.Owner),
			Description: fmt.Sprintf("connection to watched endpoint %s:%d (%s, PID %d)",
				conn.RemoteAddr, conn.RemotePort, conn.Protocol, conn.PID),
			Artifacts: []uuid.UUID{ca.id},
		})
	}
	return findings
}
