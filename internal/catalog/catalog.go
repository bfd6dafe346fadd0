// Package catalog is the declarative registry of executable security
// tools, their container images, parameters and safety rules.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Output formats a tool may produce.
const (
	FormatNDJSON = "ndjson"
	FormatJSON   = "json"
	FormatText   = "text"
)

// Denylist of destructive verbs. A serialised parameter map containing
// any of these is rejected outright, regardless of tool.
var DestructiveVerbs = []string{"rm", "delete", "drop", "destroy", "wipe"}

// destructivePattern matches any denylisted verb on word boundaries so
// that hostnames like "confirm.example.test" do not trip the filter.
var destructivePattern = regexp.MustCompile(`(?i)\b(` + strings.Join(DestructiveVerbs, "|") + `)\b`)

// Mount declares a bind mount a tool container needs.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// Entry describes one executable tool.
type Entry struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	OutputFormat   string            `json:"outputFormat"`
	MaxTimeoutMs   int64             `json:"maxTimeoutMs"`
	AllowedParams  []string          `json:"allowedParams"`
	RequiredParams []string          `json:"requiredParams"`
	DefaultParams  map[string]string `json:"defaultParams,omitempty"`
	ForbiddenFlags []string          `json:"forbiddenFlags,omitempty"`
	// Command is the argv template. Tokens of the form {param} are
	// replaced with the parameter value at build time; tokens whose
	// parameter is absent drop the token and its preceding flag.
	Command     []string `json:"command"`
	DefaultArgs []string `json:"defaultArgs,omitempty"`
	Mounts      []Mount  `json:"mounts,omitempty"`
	LocalBuild  bool     `json:"localBuild,omitempty"`
}

// MaxTimeout returns the per-tool ceiling as a duration.
func (e Entry) MaxTimeout() time.Duration {
	if e.MaxTimeoutMs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(e.MaxTimeoutMs) * time.Millisecond
}

// AllowsParam reports whether the named parameter is recognised.
func (e Entry) AllowsParam(name string) bool {
	for _, p := range e.AllowedParams {
		if p == name {
			return true
		}
	}
	return false
}

// Catalog maps tool names to entries.
type Catalog struct {
	entries map[string]Entry
	// Permissive disables unknown-parameter rejection. Set when no
	// catalogue file was found; the safety denylist still applies.
	Permissive bool
}

// New builds a catalog from entries. Later entries override earlier
// ones with the same name.
func New(entries []Entry) *Catalog {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		c.entries[e.Name] = e
	}
	return c
}

// Load reads a JSON catalogue file and merges it over the built-in
// registry. A missing file yields the built-ins in permissive mode.
func Load(path string) (*Catalog, error) {
	c := New(Builtin())
	if path == "" {
		c.Permissive = true
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.Permissive = true
			return c, nil
		}
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("catalog %s: entry with empty name", path)
		}
		c.entries[e.Name] = e
	}
	return c, nil
}

// Get returns the entry for a tool name.
func (c *Catalog) Get(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Has reports whether the tool exists in the catalogue.
func (c *Catalog) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// Names returns all tool names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContainsForbidden reports whether serialised text hits the global
// denylist or the entry's own forbidden flags.
func (e Entry) ContainsForbidden(serialized string) (string, bool) {
	if m := destructivePattern.FindString(serialized); m != "" {
		return strings.ToLower(m), true
	}
	lower := strings.ToLower(serialized)
	for _, flag := range e.ForbiddenFlags {
		if flag != "" && strings.Contains(lower, strings.ToLower(flag)) {
			return flag, true
		}
	}
	return "", false
}

// BuildArgv renders the entry's command template against params.
// Template tokens of the form {name} are substituted; a token whose
// parameter is missing is dropped together with an immediately
// preceding flag token. Default args not already present are appended.
func (e Entry) BuildArgv(params map[string]string) ([]string, error) {
	argv := make([]string, 0, len(e.Command)+len(e.DefaultArgs))
	skipNext := false
	for i, raw := range e.Command {
		if skipNext {
			skipNext = false
			continue
		}
		name, isPlaceholder := placeholderName(raw)
		if !isPlaceholder {
			// Peek: a flag followed by an unresolvable placeholder is dropped.
			if strings.HasPrefix(raw, "-") && i+1 < len(e.Command) {
				if next, ok := placeholderName(e.Command[i+1]); ok {
					if _, present := params[next]; !present {
						if _, hasDefault := e.DefaultParams[next]; !hasDefault {
							skipNext = true
							continue
						}
					}
				}
			}
			argv = append(argv, raw)
			continue
		}
		value, ok := params[name]
		if !ok {
			value, ok = e.DefaultParams[name]
		}
		if !ok {
			continue
		}
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("catalog: parameter %q is empty", name)
		}
		argv = append(argv, value)
	}

	for _, def := range e.DefaultArgs {
		if !containsToken(argv, def) {
			argv = append(argv, def)
		}
	}
	return argv, nil
}

func placeholderName(token string) (string, bool) {
	if strings.HasPrefix(token, "{") && strings.HasSuffix(token, "}") && len(token) > 2 {
		return token[1 : len(token)-1], true
	}
	return "", false
}

func containsToken(argv []string, token string) bool {
	for _, a := range argv {
		if a == token {
			return true
		}
	}
	return false
}
