package worker

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// maxStderrLine bounds a buffered stderr line; longer output is logged in
// pieces.
const maxStderrLine = 64 * 1024

// stderrLogger forwards worker stderr to slog line by line.
// Maps Python log levels to slog:
//
//	[ERROR]/[CRITICAL]/Traceback -> Error
//	[WARNING]/[WARN]             -> Warn
//	anything else                -> Debug
type stderrLogger struct {
	log *slog.Logger

	mu  sync.Mutex
	buf []byte
}

func newStderrLogger(log *slog.Logger) *stderrLogger {
	return &stderrLogger{log: log}
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)

	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}

	if len(l.buf) > maxStderrLine {
		l.emit(string(l.buf))
		l.buf = nil
	}

	return len(p), nil
}

func (l *stderrLogger) emit(line string) {
	line = strings.TrimRight(line, "\r ")
	if line == "" {
		return
	}

	switch {
	case containsAny(line, "[ERROR]", "[CRITICAL]", "Traceback"):
		l.log.Error("inference worker error", "log", line)
	case containsAny(line, "[WARNING]", "[WARN]"):
		l.log.Warn("inference worker warning", "log", line)
	default:
		l.log.Debug("inference worker log", "log", line)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
