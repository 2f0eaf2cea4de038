package scanner

import "regexp"

func rule(name string, typ IssueType, sev Severity, desc, pattern string) Rule {
	return Rule{
		Name:        name,
		Type:        typ,
		Severity:    sev,
		Description: desc,
		Regex:       regexp.MustCompile(pattern),
	}
}

// Node module import, as require('x'), import('x') or `from 'x'`.
const jsImport = `(?:(?:require|import)\s*\(\s*|from\s+)['"](?:node:)?`

func javascriptRules() []Rule {
	return []Rule{
		rule("infinite_while", ResourceExhaustion, SeverityHigh,
			"Unbounded while loop",
			`while\s*\(\s*(?:true|1)\s*\)`),
		rule("infinite_for", ResourceExhaustion, SeverityHigh,
			"Unbounded for loop",
			`for\s*\(\s*;\s*;\s*\)`),
		rule("eval", MaliciousCode, SeverityHigh,
			"Dynamic code evaluation via eval",
			`\beval\s*\(`),
		rule("function_constructor", MaliciousCode, SeverityHigh,
			"Dynamic code evaluation via Function constructor",
			`\bnew\s+Function\s*\(`),
		rule("child_process", MaliciousCode, SeverityCritical,
			"Process spawning via child_process",
			jsImport+`child_process['"]`),
		rule("process_binding", SandboxEscape, SeverityCritical,
			"Access to native bindings via process.binding",
			`\bprocess\.binding\s*\(`),
		rule("constructor_escape", SandboxEscape, SeverityCritical,
			"Constructor chain escape to the Function constructor",
			`constructor\s*\.\s*constructor\b`),
		rule("dangerous_module", UnsafeImport, SeverityHigh,
			"Import of filesystem, network or VM module",
			jsImport+`(?:fs|fs/promises|net|http|https|http2|dgram|dns|tls|vm|worker_threads|cluster)['"]`),
		rule("process_env", DataExfiltration, SeverityMedium,
			"Read of process environment",
			`\bprocess\.env\b`),
		rule("fetch", DataExfiltration, SeverityMedium,
			"Outbound network request via fetch",
			`\bfetch\s*\(`),
		rule("prototype_pollution", MaliciousCode, SeverityMedium,
			"Direct __proto__ access",
			`__proto__`),
		rule("process_exit", ResourceExhaustion, SeverityLow,
			"Explicit process exit",
			`\bprocess\.exit\s*\(`),
		rule("set_interval", ResourceExhaustion, SeverityLow,
			"Recurring timer via setInterval",
			`\bsetInterval\s*\(`),
	}
}

func pythonRules() []Rule {
	return []Rule{
		rule("os_system", MaliciousCode, SeverityCritical,
			"Shell command execution via os module",
			`\bos\.(?:system|popen|exec[lv]p?e?|spawn[lv]p?e?)\s*\(`),
		rule("subprocess", MaliciousCode, SeverityHigh,
			"Import of subprocess",
			`(?m)^[ \t]*(?:import|from)\s+subprocess\b`),
		rule("ctypes", PrivilegeEscalation, SeverityCritical,
			"Native memory access via ctypes",
			`(?m)^[ \t]*(?:import|from)\s+ctypes\b`),
		rule("sensitive_open", DataExfiltration, SeverityCritical,
			"Read of host system files",
			`\bopen\s*\(\s*['"]/(?:etc|proc|sys)/`),
		rule("eval_exec", MaliciousCode, SeverityHigh,
			"Dynamic code evaluation via eval/exec",
			`\b(?:eval|exec)\s*\(`),
		rule("dunder_import", UnsafeImport, SeverityHigh,
			"Dynamic import via __import__",
			`__import__\s*\(`),
		rule("infinite_while", ResourceExhaustion, SeverityHigh,
			"Unbounded while loop",
			`\bwhile\s+(?:True|1)\s*:`),
		rule("socket", DataExfiltration, SeverityHigh,
			"Raw socket access",
			`(?m)^[ \t]*(?:import|from)\s+socket\b`),
		rule("os_import", UnsafeImport, SeverityMedium,
			"Import of os module",
			`(?m)^[ \t]*(?:import\s+os\b|from\s+os\s+import\b)`),
		rule("pickle_load", MaliciousCode, SeverityMedium,
			"Unpickling untrusted data",
			`\bpickle\.loads?\s*\(`),
		rule("network_client", DataExfiltration, SeverityMedium,
			"Outbound HTTP client",
			`(?m)^[ \t]*(?:import|from)\s+(?:urllib|requests|http\.client)\b`),
	}
}

func rubyRules() []Rule {
	return []Rule{
		rule("system_call", MaliciousCode, SeverityCritical,
			"Shell command execution",
			`(?:\b(?:system|spawn)\s*\(|\bIO\.popen\b|\bOpen3\b|\bKernel\.exec\b)`),
		rule("backticks", MaliciousCode, SeverityHigh,
			"Shell command via backticks or %x",
			"`[^`\\n]+`|%x[\\(\\[\\{]"),
		rule("eval", MaliciousCode, SeverityHigh,
			"Dynamic code evaluation",
			`\b(?:eval|instance_eval|class_eval|module_eval)\b`),
		rule("infinite_loop", ResourceExhaustion, SeverityHigh,
			"Unbounded loop",
			`\bloop\s+do\b|\bwhile\s+true\b`),
		rule("sensitive_read", DataExfiltration, SeverityCritical,
			"Read of host system files",
			`\bFile\.(?:read|open|readlines)\s*\(\s*['"]/(?:etc|proc|sys)/`),
		rule("network_require", DataExfiltration, SeverityHigh,
			"Network library import",
			`\brequire\s*\(?\s*['"](?:socket|net/http|open-uri)['"]`),
		rule("env_access", DataExfiltration, SeverityMedium,
			"Read of process environment",
			`\bENV\[`),
	}
}

func shellRules() []Rule {
	return []Rule{
		rule("rm_root", MaliciousCode, SeverityCritical,
			"Recursive delete of the filesystem root",
			`\brm\s+-(?:rf|fr|r)\s+/(?:\s|$|\*)`),
		rule("fork_bomb", ResourceExhaustion, SeverityCritical,
			"Fork bomb",
			`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
		rule("sudo", PrivilegeEscalation, SeverityCritical,
			"Privilege escalation via sudo",
			`\bsudo\b`),
		rule("pipe_to_shell", MaliciousCode, SeverityCritical,
			"Remote script piped to a shell",
			`\b(?:curl|wget)\b[^\n|]*\|\s*(?:ba|z)?sh\b`),
		rule("dev_tcp", DataExfiltration, SeverityCritical,
			"Reverse shell via /dev/tcp",
			`/dev/(?:tcp|udp)/`),
		rule("namespace_escape", SandboxEscape, SeverityCritical,
			"Namespace or root change",
			`\b(?:nsenter|chroot|unshare)\b`),
		rule("setuid", PrivilegeEscalation, SeverityHigh,
			"Setuid/setgid permission change",
			`\bchmod\s+(?:[ugoa]*\+s|[4-7][0-7]{3})\b`),
		rule("disk_fill", ResourceExhaustion, SeverityHigh,
			"Unbounded disk or memory fill via dd",
			`\bdd\s+if=/dev/(?:zero|urandom|random)`),
		rule("infinite_loop", ResourceExhaustion, SeverityHigh,
			"Unbounded loop",
			`\bwhile\s+(?:true|:)\s*;\s*do\b`),
		rule("passwd_read", DataExfiltration, SeverityHigh,
			"Read of account database",
			`/etc/(?:passwd|shadow)\b`),
		rule("eval", MaliciousCode, SeverityMedium,
			"Dynamic evaluation",
			`\beval\s`),
	}
}

// fallbackRules is applied to languages without a dedicated rule set.
func fallbackRules() []Rule {
	all := javascriptRules()
	keep := map[string]bool{
		"infinite_while":     true,
		"infinite_for":       true,
		"eval":               true,
		"child_process":      true,
		"process_binding":    true,
		"constructor_escape": true,
	}
	out := all[:0]
	for _, r := range all {
		if keep[r.Name] {
			out = append(out, r)
		}
	}
	return out
}

// commonRules target container escape paths regardless of language.
func commonRules() []Rule {
	return []Rule{
		rule("proc_self_access", SandboxEscape, SeverityHigh,
			"Access to /proc/self (possible namespace escape)",
			`/proc/self/(?:exe|fd|root|mem|environ)`),
		rule("container_breakout", SandboxEscape, SeverityCritical,
			"Container breakout via cgroup manipulation",
			`/sys/fs/cgroup|release_agent`),
		rule("docker_socket", SandboxEscape, SeverityCritical,
			"Access to the Docker socket",
			`docker\.sock`),
		rule("metadata_service", DataExfiltration, SeverityHigh,
			"Access to cloud metadata service",
			`169\.254\.169\.254`),
	}
}
