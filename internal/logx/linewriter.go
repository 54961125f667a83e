package logx

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// LineWriter turns stream output into per-line zerolog events at a given level.
// It is an io.Writer so it can sit next to a capture buffer in an io.MultiWriter.
type LineWriter struct {
	logger zerolog.Logger
	level  zerolog.Level

	mu  sync.Mutex
	buf []byte
}

func NewLineWriter(base zerolog.Logger, fields map[string]string, level zerolog.Level) *LineWriter {
	w := base.With()
	for k, v := range fields {
		w = w.Str(k, v)
	}
	return &LineWriter{logger: w.Logger(), level: level}
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		lw.emit(bytes.TrimRight(lw.buf[:i], "\r"))
		lw.buf = lw.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (lw *LineWriter) Flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if len(lw.buf) > 0 {
		lw.emit(lw.buf)
		lw.buf = nil
	}
}

func (lw *LineWriter) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	lw.logger.WithLevel(lw.level).Msg(string(line))
}
