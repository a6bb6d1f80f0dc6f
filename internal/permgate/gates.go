// Package permgate implements the plugin execution core's permission
// gates: pure functions that decide whether a candidate path, host, env
// key, or state namespace is accessible under a plugin's declared
// permissions. None of these functions perform I/O beyond an optional
// read-existence check; the caller decides whether a denial is fatal.
package permgate

import (
	"net"
	"strconv"
	"strings"

	"github.com/ocx/execcore/pkg/execapi"
)

// Result is the outcome of a single gate check.
type Result struct {
	Granted     bool
	Reason      string
	Remediation string
}

func deny(reason, remediation string) Result {
	return Result{Granted: false, Reason: reason, Remediation: remediation}
}

func allow() Result {
	return Result{Granted: true}
}

// securityCriticalDeny is hard-coded and supersedes any allow list.
var securityCriticalDeny = []string{
	".env*",
	".ssh/**",
	"**/*.key",
	"**/*.secret",
	"**/.artifacts/**",
	"artifact/**",
}

// CheckFs decides whether path is accessible under perm.FS. write is true
// for a write access and false for a read.
func CheckFs(perm execapi.FSPermissions, path string, write bool) Result {
	norm := normalizePath(path)

	if MatchAny(securityCriticalDeny, norm) {
		return deny("path matches a hard-coded security-critical deny pattern",
			"access secrets or artifact storage through the artifact broker, not the filesystem shim")
	}

	switch perm.Mode {
	case execapi.FSModeNone, "":
		return deny("fs.mode is 'none'", "grant fs.mode 'read' or 'readWrite' in permissions")
	case execapi.FSModeRead:
		if write {
			return deny("fs.mode is 'read'; write requires 'readWrite'", "grant fs.mode 'readWrite' in permissions")
		}
	case execapi.FSModeReadWrite:
		// both read and write allowed, subject to allow/deny lists below
	}

	if MatchAny(perm.Deny, norm) {
		return deny("path matches fs.deny", "remove the conflicting fs.deny pattern or choose a different path")
	}

	if len(perm.Allow) > 0 && !MatchAny(perm.Allow, norm) {
		return deny("path does not match any fs.allow pattern",
			"add '"+norm+"' to permissions.fs.allow")
	}

	return allow()
}

// normalizePath performs syntactic normalisation only: no symlink
// resolution. Leading "./" is stripped, backslashes are converted, and
// repeated slashes are collapsed.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimPrefix(p, "./")
	return p
}

// CheckNet decides whether host is reachable under perm.
func CheckNet(perm execapi.NetPermissions, host string) Result {
	if perm.None {
		return deny("net permission is 'none'", "grant net.allowHosts or net.allowCidrs in permissions")
	}

	h := normalizeHost(host)

	for _, d := range perm.DenyHosts {
		if hostMatches(d, h) {
			return deny("host matches net.denyHosts", "remove the conflicting net.denyHosts entry")
		}
	}

	if hostMatchesAny(perm.AllowHosts, h) {
		return allow()
	}

	if ip := net.ParseIP(h); ip != nil && ip.To4() != nil {
		for _, cidr := range perm.AllowCIDRs {
			if ipInCIDR(ip.To4(), cidr) {
				return allow()
			}
		}
	}

	if len(perm.AllowHosts) == 0 && len(perm.AllowCIDRs) == 0 {
		return deny("no net.allowHosts or net.allowCidrs configured", "add the host to permissions.net.allowHosts")
	}

	return deny("host does not match any net.allowHosts or net.allowCidrs entry",
		"add '"+h+"' to permissions.net.allowHosts")
}

func normalizeHost(host string) string {
	h := host
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndex(h, ":"); i >= 0 {
		if _, err := strconv.Atoi(h[i+1:]); err == nil {
			h = h[:i]
		}
	}
	h = strings.TrimSuffix(h, ".")
	return strings.ToLower(h)
}

func hostMatchesAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if hostMatches(p, host) {
			return true
		}
	}
	return false
}

func hostMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keep leading dot
		return strings.HasSuffix(host, suffix) && host != suffix[1:]
	}
	return pattern == host
}

func ipInCIDR(ip net.IP, cidr string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

// CheckEnv decides whether key is readable under the whitelist.
func CheckEnv(whitelist []string, key string) Result {
	for _, pattern := range whitelist {
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(key, strings.TrimSuffix(pattern, "*")) {
				return allow()
			}
			continue
		}
		if pattern == key {
			return allow()
		}
	}
	return deny("key not present in env.allow", "add '"+key+"' to permissions.envAllow")
}

// StateOp enumerates the operations gated on a state namespace.
type StateOp string

const (
	StateRead   StateOp = "read"
	StateWrite  StateOp = "write"
	StateDelete StateOp = "delete"
)

// OwnNamespace derives a plugin's own state namespace: strip a leading
// "@scope/" and a trailing "-plugin" suffix.
func OwnNamespace(pluginID string) string {
	ns := pluginID
	if strings.HasPrefix(ns, "@") {
		if i := strings.Index(ns, "/"); i >= 0 {
			ns = ns[i+1:]
		}
	}
	ns = strings.TrimSuffix(ns, "-plugin")
	return ns
}

// CheckState decides whether op is permitted on namespace for pluginID.
func CheckState(perm execapi.StatePermissions, namespace, pluginID string, op StateOp) Result {
	own := OwnNamespace(pluginID)

	if namespace == own {
		switch op {
		case StateRead:
			if !perm.OwnRead {
				return deny("own namespace read not granted", "grant permissions.state.own.read")
			}
		case StateWrite:
			if !perm.OwnWrite {
				return deny("own namespace write not granted", "grant permissions.state.own.write")
			}
		case StateDelete:
			if !perm.OwnDelete {
				return deny("own namespace delete not granted", "grant permissions.state.own.delete")
			}
		}
		return allow()
	}

	for _, ext := range perm.External {
		if ext.Namespace != namespace {
			continue
		}
		switch op {
		case StateRead:
			if ext.Read {
				return allow()
			}
		case StateWrite:
			if ext.Write {
				if ext.Reason == "" {
					return deny("external write requires a non-empty reason", "add a 'reason' to the state.external grant")
				}
				return allow()
			}
		case StateDelete:
			if ext.Delete {
				if ext.Reason == "" {
					return deny("external delete requires a non-empty reason", "add a 'reason' to the state.external grant")
				}
				return allow()
			}
		}
		return deny("external namespace grant does not permit "+string(op), "extend the state.external grant for '"+namespace+"'")
	}

	return deny("namespace not covered by permissions.state.external", "add an entry to permissions.state.external for '"+namespace+"'")
}

// AllResult aggregates the per-component results of CheckAll.
type AllResult struct {
	PerComponent map[string]Result
	AllGranted   bool
}

// Target is one permission check to run as part of CheckAll.
type Target struct {
	Kind  string // "fs", "net", "env", "state"
	Path  string
	Write bool
	Host  string
	Key   string

	StateNamespace string
	StateOp        StateOp
	PluginID       string
}

// CheckAll evaluates a batch of targets against perms and reports whether
// every one was granted.
func CheckAll(perms execapi.Permissions, targets []Target) AllResult {
	out := AllResult{PerComponent: make(map[string]Result, len(targets)), AllGranted: true}
	for i, t := range targets {
		var r Result
		switch t.Kind {
		case "fs":
			r = CheckFs(perms.FS, t.Path, t.Write)
		case "net":
			r = CheckNet(perms.Net, t.Host)
		case "env":
			r = CheckEnv(perms.EnvAllow, t.Key)
		case "state":
			r = CheckState(perms.State, t.StateNamespace, t.PluginID, t.StateOp)
		default:
			r = deny("unknown target kind", "")
		}
		key := t.Kind + ":" + strconv.Itoa(i)
		out.PerComponent[key] = r
		if !r.Granted {
			out.AllGranted = false
		}
	}
	return out
}
