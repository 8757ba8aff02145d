package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
)

// redactPatterns match credential-shaped substrings in log output. Stdout is
// protocol traffic and never logged, but agent stderr and config paths can
// carry keys.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`anthropic-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{8,}`),
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/-]+=*`),
	regexp.MustCompile(`(?i)api[-_]?key[=:]\s*\S+`),
}

// redactingWriter masks credential patterns before passing bytes downstream.
type redactingWriter struct {
	w io.Writer
}

func newRedactingWriter(w io.Writer) *redactingWriter {
	return &redactingWriter{w: w}
}

func (r *redactingWriter) Write(p []byte) (int, error) {
	masked := redact(p)
	if _, err := r.w.Write(masked); err != nil {
		return 0, err
	}
	// Report the original length so log.Logger does not retry.
	return len(p), nil
}

func redact(p []byte) []byte {
	for _, re := range redactPatterns {
		p = re.ReplaceAll(p, []byte("[redacted]"))
	}
	return p
}

// setupLogger writes redacted log lines to stderr and, when configured, to a
// log file created with owner-only permissions.
func setupLogger(logFilePath string) *log.Logger {
	writers := []io.Writer{os.Stderr}

	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "[bridge] cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		} else if f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "[bridge] cannot open log file %s: %v\n", logFilePath, err)
		} else {
			// An existing file keeps its mode on open; tighten it.
			_ = f.Chmod(0o600)
			writers = append(writers, f)
		}
	}

	return log.New(newRedactingWriter(io.MultiWriter(writers...)), "[bridge] ", log.LstdFlags)
}
