package logging

import "regexp"

// Sanitizer redacts secret-shaped substrings from log output before it ever
// reaches a handler, so a leaked API key never ends up in daemon.log.
type Sanitizer struct {
	patterns    []*regexp.Regexp
	placeholder string
}

// NewSanitizer builds a Sanitizer with the default pattern set.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns:    defaultPatterns(),
		placeholder: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	raw := []string{
		`sk-ant-[A-Za-z0-9_-]{20,}`,
		`sk-[A-Za-z0-9]{20,}`,
		`AIza[A-Za-z0-9_-]{35}`,
		`gh[pousr]_[A-Za-z0-9]{36,}`,
		`AKIA[A-Z0-9]{16}`,
		`xox[baprs]-[A-Za-z0-9-]{10,}`,
		`(?i)bearer\s+[A-Za-z0-9._-]{10,}`,
		`(?i)api[_-]?key["':=\s]+[A-Za-z0-9._-]{10,}`,
		`(?i)secret["':=\s]+[A-Za-z0-9._-]{10,}`,
		`(?i)password["':=\s]+\S{4,}`,
		`(?i)token["':=\s]+[A-Za-z0-9._-]{10,}`,
		`(?i)authorization:\s*\S+`,
		`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		`postgres(?:ql)?://[^:\s]+:[^@\s]+@\S+`,
		`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`,
	}
	compiled := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts every pattern match in s.
func (s *Sanitizer) Sanitize(str string) string {
	out := str
	for _, re := range s.patterns {
		out = re.ReplaceAllString(out, s.placeholder)
	}
	return out
}

// SanitizeMap redacts string values in a map recursively.
func (s *Sanitizer) SanitizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = s.Sanitize(val)
		case map[string]interface{}:
			out[k] = s.SanitizeMap(val)
		default:
			out[k] = v
		}
	}
	return out
}

// AddPattern registers an additional redaction regex.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}

// SetRedactedPlaceholder overrides the default "[REDACTED]" marker.
func (s *Sanitizer) SetRedactedPlaceholder(placeholder string) {
	s.placeholder = placeholder
}
