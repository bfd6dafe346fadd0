package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileIsPermissive(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Permissive {
		t.Fatal("expected permissive mode without a catalogue file")
	}
	if !c.Has("subdomain-scanner") {
		t.Fatal("expected built-in subdomain-scanner")
	}
}

func TestLoadMergesFileOverBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	content := `[
		{"name": "port-scanner", "image": "custom/nmap:v2", "maxTimeoutMs": 1000,
		 "allowedParams": ["target"], "requiredParams": ["target"],
		 "command": ["nmap", "{target}"]},
		{"name": "custom-probe", "image": "custom/probe:1",
		 "allowedParams": ["target"], "command": ["probe", "{target}"]}
	]`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Permissive {
		t.Fatal("expected strict mode with a catalogue file")
	}
	ps, ok := c.Get("port-scanner")
	if !ok {
		t.Fatal("port-scanner missing")
	}
	if ps.Image != "custom/nmap:v2" {
		t.Fatalf("expected override image, got %q", ps.Image)
	}
	if !c.Has("custom-probe") {
		t.Fatal("expected custom-probe entry")
	}
	if !c.Has("header-analyzer") {
		t.Fatal("expected untouched built-ins to survive the merge")
	}
}

func TestMaxTimeout(t *testing.T) {
	e := Entry{MaxTimeoutMs: 60000}
	if e.MaxTimeout() != time.Minute {
		t.Fatalf("expected 1m, got %v", e.MaxTimeout())
	}
	if (Entry{}).MaxTimeout() != 10*time.Minute {
		t.Fatalf("expected 10m fallback, got %v", (Entry{}).MaxTimeout())
	}
}

func TestContainsForbiddenDenylist(t *testing.T) {
	e := Entry{ForbiddenFlags: []string{"--os-shell"}}

	if verb, hit := e.ContainsForbidden(`{"cmd":"rm -rf /tmp"}`); !hit || verb != "rm" {
		t.Fatalf("expected rm to trip the denylist, got %q %v", verb, hit)
	}
	if _, hit := e.ContainsForbidden(`{"sql":"DROP TABLE users"}`); !hit {
		t.Fatal("expected drop to trip the denylist")
	}
	if flag, hit := e.ContainsForbidden(`{"args":"--os-shell"}`); !hit || flag != "--os-shell" {
		t.Fatalf("expected forbidden flag hit, got %q %v", flag, hit)
	}
	// Word-boundary matching: "confirm" and "dropdown" are innocent.
	if verb, hit := e.ContainsForbidden(`{"target":"https://confirm.example.test/dropdown"}`); hit {
		t.Fatalf("false positive on %q", verb)
	}
}

func TestBuildArgvSubstitutesAndDrops(t *testing.T) {
	e := Entry{
		Command:       []string{"ffuf", "-u", "{target}", "-w", "{wordlist}", "-t", "{threads}"},
		DefaultParams: map[string]string{"threads": "10"},
		DefaultArgs:   []string{"-of", "json"},
	}

	argv, err := e.BuildArgv(map[string]string{"target": "https://example.test"})
	if err != nil {
		t.Fatalf("build argv: %v", err)
	}
	want := []string{"ffuf", "-u", "https://example.test", "-t", "10", "-of", "json"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q (%v)", i, argv[i], want[i], argv)
		}
	}
}

func TestBuildArgvRejectsEmptyValue(t *testing.T) {
	e := Entry{Command: []string{"nmap", "{target}"}}
	if _, err := e.BuildArgv(map[string]string{"target": "   "}); err == nil {
		t.Fatal("expected empty parameter value to be rejected")
	}
}

func TestBuiltinEntriesAreWellFormed(t *testing.T) {
	for _, e := range Builtin() {
		if e.Name == "" || e.Image == "" {
			t.Fatalf("built-in entry missing name or image: %+v", e)
		}
		if len(e.Command) == 0 {
			t.Fatalf("built-in %s has no command template", e.Name)
		}
		if e.MaxTimeoutMs <= 0 {
			t.Fatalf("built-in %s has no timeout ceiling", e.Name)
		}
		for _, req := range e.RequiredParams {
			if !e.AllowsParam(req) {
				t.Fatalf("built-in %s requires %q but does not allow it", e.Name, req)
			}
		}
	}
}
