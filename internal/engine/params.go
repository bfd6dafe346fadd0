package engine

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aegis-sec/aegis/internal/catalog"
)

// fanOutTools accept an array target and are invoked once per element.
var fanOutTools = map[string]bool{
	"port-scanner":         true,
	"tech-fingerprint":     true,
	"directory-scanner":    true,
	"directory-bruteforce": true,
	"api-discovery":        true,
	"api-fuzzer":           true,
}

// normalizeScheme collapses a duplicated URL scheme such as
// "https://https://host" into a single one. The planner occasionally
// produces these when gluing a scheme onto an already qualified host.
func normalizeScheme(target string) string {
	for _, scheme := range []string{"https://", "http://"} {
		for strings.HasPrefix(target, scheme+scheme) {
			target = strings.TrimPrefix(target, scheme)
		}
		if strings.HasPrefix(target, scheme) {
			rest := strings.TrimPrefix(target, scheme)
			for _, inner := range []string{"https://", "http://"} {
				for strings.HasPrefix(rest, inner) {
					rest = strings.TrimPrefix(rest, inner)
				}
			}
			return scheme + rest
		}
	}
	return target
}

// targetList extracts the fan-out element list from a parameter value.
func targetList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	case string:
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}

// stringifyParams flattens a parameter map to the string form the argv
// builder consumes. Slices join on comma; everything else uses its
// default formatting.
func stringifyParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(t)
		case []string:
			out[k] = strings.Join(t, ",")
		case []any:
			parts := make([]string, 0, len(t))
			for _, e := range t {
				parts = append(parts, fmt.Sprintf("%v", e))
			}
			out[k] = strings.Join(parts, ",")
		default:
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// normalizeParams injects catalogue defaults and enforces the allow
// list. Unknown parameters are dropped with a warning unless the
// catalogue is permissive; missing required parameters warn but do not
// abort, matching the catalogue's advisory contract.
func (e *Engine) normalizeParams(entry catalog.Entry, params map[string]string) map[string]string {
	out := make(map[string]string, len(params)+len(entry.DefaultParams))
	for k, v := range entry.DefaultParams {
		out[k] = v
	}
	for k, v := range params {
		if !e.catalog.Permissive && !entry.AllowsParam(k) {
			e.logger.Warn("dropping unknown parameter", "tool", entry.Name, "param", k)
			continue
		}
		out[k] = v
	}
	for _, req := range entry.RequiredParams {
		if _, ok := out[req]; !ok {
			e.logger.Warn("required parameter missing", "tool", entry.Name, "param", req)
		}
	}
	return out
}

// wordlistFallbacks are tried in order when a requested wordlist does
// not exist, keyed by category.
var wordlistFallbacks = map[string][]string{
	"api": {
		"Discovery/Web-Content/api/api-endpoints.txt",
		"Discovery/Web-Content/api/objects.txt",
		"Discovery/Web-Content/common.txt",
	},
	"generic": {
		"Discovery/Web-Content/common.txt",
		"Discovery/Web-Content/directory-list-2.3-small.txt",
		"Discovery/DNS/subdomains-top1million-5000.txt",
	},
}

// resolveWordlist maps a requested container wordlist path to one that
// actually exists under the host mount. Resolution order: the exact
// path, a same-basename match anywhere under the mount, then the
// category fallback list. Returns the container path and whether a
// substitution happened.
func (e *Engine) resolveWordlist(tool, requested string) (string, bool) {
	root := e.cfg.WordlistRoot
	hostRoot := e.cfg.WordlistHostRoot
	if hostRoot == "" || !strings.HasPrefix(requested, root) {
		return requested, false
	}

	rel := strings.TrimPrefix(requested, root)
	if _, err := os.Stat(filepath.Join(hostRoot, rel)); err == nil {
		return requested, false
	}

	// Same basename elsewhere under the mount.
	base := filepath.Base(requested)
	var found string
	_ = filepath.WalkDir(hostRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return fs.SkipAll
		}
		if !d.IsDir() && d.Name() == base {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if found != "" {
		if rel, err := filepath.Rel(hostRoot, found); err == nil {
			return filepath.Join(root, rel), true
		}
	}

	category := "generic"
	if strings.Contains(strings.ToLower(requested), "api") || strings.Contains(strings.ToLower(tool), "api") {
		category = "api"
	}
	for _, candidate := range wordlistFallbacks[category] {
		if _, err := os.Stat(filepath.Join(hostRoot, candidate)); err == nil {
			return filepath.Join(root, candidate), true
		}
	}
	return requested, false
}

// validateArgv rejects an argv containing any forbidden flag or
// destructive verb after template substitution.
func validateArgv(entry catalog.Entry, argv []string) error {
	joined := strings.Join(argv, " ")
	if hit, bad := entry.ContainsForbidden(joined); bad {
		return fmt.Errorf("argv contains forbidden token %q", hit)
	}
	return nil
}
