package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-sec/aegis/internal/workflow"
)

var portLinePattern = regexp.MustCompile(`(\d+)/tcp\s+open\s+(\S+)`)

// parseOutput converts raw tool output into findings using the
// per-tool parser, falling back to a single generic finding.
func parseOutput(tool, target, output string) []workflow.Finding {
	switch tool {
	case "subdomain-scanner":
		return parseSubdomains(tool, output)
	case "port-scanner":
		return parsePorts(tool, target, output)
	default:
		return parseGeneric(tool, target, output)
	}
}

// parseSubdomains emits one finding per non-empty line, skipping
// anything that looks like a tool error message.
func parseSubdomains(tool, output string) []workflow.Finding {
	var findings []workflow.Finding
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(strings.ToLower(line), "error") {
			continue
		}
		findings = append(findings, workflow.Finding{
			Type:       "subdomain",
			Severity:   workflow.SeverityInfo,
			Confidence: 0.95,
			Target:     line,
			Data:       map[string]any{"host": line},
			Tool:       tool,
			Timestamp:  time.Now().UTC(),
		})
	}
	return findings
}

// parsePorts extracts "<port>/tcp open <service>" lines.
func parsePorts(tool, target, output string) []workflow.Finding {
	var findings []workflow.Finding
	for _, m := range portLinePattern.FindAllStringSubmatch(output, -1) {
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		findings = append(findings, workflow.Finding{
			Type:       "port",
			Severity:   workflow.SeverityInfo,
			Confidence: 0.9,
			Target:     target,
			Data:       map[string]any{"port": port, "service": m[2]},
			Tool:       tool,
			Timestamp:  time.Now().UTC(),
		})
	}
	return findings
}

// parseGeneric wraps non-empty output in a single info finding capped
// at 1KiB.
func parseGeneric(tool, target, output string) []workflow.Finding {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil
	}
	if len(trimmed) > 1024 {
		trimmed = trimmed[:1024]
	}
	return []workflow.Finding{{
		Type:       "generic",
		Severity:   workflow.SeverityInfo,
		Confidence: 0.5,
		Target:     target,
		Data:       map[string]any{"output": trimmed},
		Tool:       tool,
		Timestamp:  time.Now().UTC(),
	}}
}
