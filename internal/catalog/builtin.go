package catalog

// Builtin returns the default tool registry. A catalogue file merged
// over these entries may override any of them.
func Builtin() []Entry {
	return []Entry{
		{
			Name:           "subdomain-scanner",
			Image:          "aegis/subfinder:latest",
			OutputFormat:   FormatText,
			MaxTimeoutMs:   300_000,
			AllowedParams:  []string{"target", "sources", "rate-limit"},
			RequiredParams: []string{"target"},
			Command:        []string{"subfinder", "-d", "{target}", "-silent", "-rl", "{rate-limit}"},
			DefaultParams:  map[string]string{"rate-limit": "50"},
			ForbiddenFlags: []string{"-active-bruteforce"},
		},
		{
			Name:           "port-scanner",
			Image:          "aegis/nmap:latest",
			OutputFormat:   FormatText,
			MaxTimeoutMs:   600_000,
			AllowedParams:  []string{"target", "ports", "scan-type"},
			RequiredParams: []string{"target"},
			Command:        []string{"nmap", "-Pn", "-p", "{ports}", "{target}"},
			DefaultParams:  map[string]string{"ports": "1-1000"},
			DefaultArgs:    []string{"--max-retries", "2"},
			ForbiddenFlags: []string{"-O", "--script=exploit"},
		},
		{
			Name:           "directory-bruteforce",
			Image:          "aegis/ffuf:latest",
			OutputFormat:   FormatJSON,
			MaxTimeoutMs:   600_000,
			AllowedParams:  []string{"target", "wordlist", "extensions", "threads"},
			RequiredParams: []string{"target"},
			Command:        []string{"ffuf", "-u", "{target}/FUZZ", "-w", "{wordlist}", "-t", "{threads}"},
			DefaultParams:  map[string]string{"wordlist": "/wordlists/Discovery/Web-Content/common.txt", "threads": "10"},
			DefaultArgs:    []string{"-of", "json"},
			Mounts:         []Mount{{Source: "", Target: "/wordlists", ReadOnly: true}},
		},
		{
			Name:           "directory-scanner",
			Image:          "aegis/dirsearch:latest",
			OutputFormat:   FormatJSON,
			MaxTimeoutMs:   600_000,
			AllowedParams:  []string{"target", "wordlist", "extensions"},
			RequiredParams: []string{"target"},
			Command:        []string{"dirsearch", "-u", "{target}", "-w", "{wordlist}"},
			Mounts:         []Mount{{Source: "", Target: "/wordlists", ReadOnly: true}},
		},
		{
			Name:           "tech-fingerprint",
			Image:          "aegis/whatweb:latest",
			OutputFormat:   FormatJSON,
			MaxTimeoutMs:   120_000,
			AllowedParams:  []string{"target", "aggression"},
			RequiredParams: []string{"target"},
			Command:        []string{"whatweb", "--log-json=-", "-a", "{aggression}", "{target}"},
			DefaultParams:  map[string]string{"aggression": "1"},
		},
		{
			Name:           "header-analyzer",
			Image:          "aegis/header-analyzer:latest",
			OutputFormat:   FormatJSON,
			MaxTimeoutMs:   60_000,
			AllowedParams:  []string{"target"},
			RequiredParams: []string{"target"},
			Command:        []string{"header-check", "{target}"},
			LocalBuild:     true,
		},
		{
			Name:           "ssl-checker",
			Image:          "aegis/testssl:latest",
			OutputFormat:   FormatJSON,
			MaxTimeoutMs:   180_000,
			AllowedParams:  []string{"target"},
			RequiredParams: []string{"target"},
			Command:        []string{"testssl.sh", "--jsonfile", "-", "{target}"},
		},
		{
			Name:           "injection-tester",
			Image:          "aegis/sqlmap:latest",
			OutputFormat:   FormatText,
			MaxTimeoutMs:   900_000,
			AllowedParams:  []string{"target", "level", "risk"},
			RequiredParams: []string{"target"},
			Command:        []string{"sqlmap", "-u", "{target}", "--batch", "--level", "{level}", "--risk", "{risk}"},
			DefaultParams:  map[string]string{"level": "1", "risk": "1"},
			ForbiddenFlags: []string{"--os-shell", "--os-pwn", "--sql-shell"},
		},
		{
			Name:           "api-discovery",
			Image:          "aegis/kiterunner:latest",
			OutputFormat:   FormatText,
			MaxTimeoutMs:   600_000,
			AllowedParams:  []string{"target", "wordlist"},
			RequiredParams: []string{"target"},
			Command:        []string{"kr", "scan", "{target}", "-w", "{wordlist}"},
			Mounts:         []Mount{{Source: "", Target: "/wordlists", ReadOnly: true}},
		},
		{
			Name:           "api-fuzzer",
			Image:          "aegis/ffuf:latest",
			OutputFormat:   FormatJSON,
			MaxTimeoutMs:   600_000,
			AllowedParams:  []string{"target", "wordlist", "method"},
			RequiredParams: []string{"target"},
			Command:        []string{"ffuf", "-u", "{target}", "-w", "{wordlist}", "-X", "{method}"},
			DefaultParams:  map[string]string{"wordlist": "/wordlists/Discovery/Web-Content/api/api-endpoints.txt", "method": "GET"},
			Mounts:         []Mount{{Source: "", Target: "/wordlists", ReadOnly: true}},
		},
		{
			Name:           "jwt-analyzer",
			Image:          "aegis/jwt-tool:latest",
			OutputFormat:   FormatText,
			MaxTimeoutMs:   120_000,
			AllowedParams:  []string{"target", "token"},
			RequiredParams: []string{"target"},
			Command:        []string{"jwt_tool", "-t", "{target}", "-M", "pb"},
		},
		{
			Name:           "ssrf-probe",
			Image:          "aegis/ssrfmap:latest",
			OutputFormat:   FormatText,
			MaxTimeoutMs:   300_000,
			AllowedParams:  []string{"target", "secondary-target"},
			RequiredParams: []string{"target"},
			Command:        []string{"ssrf-probe", "-u", "{target}", "-c", "{secondary-target}"},
		},
	}
}
