package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor redacts sensitive information from logs
type Redactor struct {
	rules []rule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// JSON fields holding access codes and secrets; the key survives.
			{
				re:   regexp.MustCompile(`("(?:accessKey|access_key|admin_secret|adminSecret|password|api_key|apiKey|signature)"\s*:\s*")[^"]*(")`),
				repl: "${1}" + redacted + "${2}",
			},
			// Admin header, in any dump that shows it.
			{
				re:   regexp.MustCompile(`(?i)(X-Wafleet-Secret["\s:=]+)[^\s",}]+`),
				repl: "${1}" + redacted,
			},
			// key=value forms, e.g. query strings.
			{
				re:   regexp.MustCompile(`(?i)\b((?:password|secret|token|access_key|apikey)=)[^\s&"]+`),
				repl: "${1}" + redacted,
			},

			// API keys
			{re: regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), repl: redacted},
			{re: regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), repl: redacted},

			// Bearer tokens
			{re: regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), repl: "Bearer " + redacted},
		},
	}
}

// AddPattern adds a custom redaction pattern; the whole match is replaced.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rule := range r.rules {
		result = rule.re.ReplaceAllString(result, rule.repl)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since the redacted line can differ in length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
