package hooks

import "regexp"

// dangerousPatterns match tool-call content that must never execute. A
// single match from this list dominates any other verdict for the call.
var dangerousPatterns = compileAll([]string{
	`rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+/(\s|"|$)`,
	`rm\s+-[a-zA-Z]*f[a-zA-Z]*r?\s+/(\s|"|$)`,
	`:\(\)\s*\{\s*:\|\s*:\s*&\s*\}\s*;`, // fork bomb
	`dd\s+.*of=/dev/(sd|nvme|hd)[a-z0-9]*(\s|"|$)`,
	`mkfs\.[a-z0-9]+\s+/dev/`,
	`>\s*/dev/(sd|nvme|hd)[a-z0-9]*(\s|"|$)`,
	`(?i)\bdrop\s+(table|database|schema)\b`,
	`(?i)\btruncate\s+table\b`,
	`chmod\s+-R\s+000\s+/(\s|"|$)`,
	`(?i)setenforce\s+0`,
	`(?i)\bdisable\s+selinux\b`,
})

// warnPatterns match tool-call content that is allowed but flagged in the
// log as risky.
var warnPatterns = compileAll([]string{
	`\bsudo\b`,
	`\bchmod\b`,
	`\bchown\b`,
	`rm\s+-[a-zA-Z]*r`,
	`(?i)git\s+push\s+.*--force`,
	`(?i)git\s+push\s+.*-f(\s|"|$)`,
	`(?i)git\s+reset\s+--hard`,
})

// sensitivePathPatterns match filesystem paths whose writes are allowed but
// audited at warn severity.
var sensitivePathPatterns = compileAll([]string{
	`(?i)/etc/passwd$`,
	`(?i)/etc/shadow$`,
	`(?i)\.ssh/`,
	`(?i)id_rsa`,
	`(?i)\.env(\.|$)`,
	`(?i)credentials(\.json|\.yaml|\.yml)?$`,
	`(?i)\.aws/credentials$`,
	`(?i)\.netrc$`,
})

func compileAll(raw []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, s string) (*regexp.Regexp, bool) {
	for _, re := range patterns {
		if re.MatchString(s) {
			return re, true
		}
	}
	return nil, false
}
