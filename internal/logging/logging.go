// Package logging implements the handling of logs.
//
// All log entries are written through a [zap.Logger], which writes both
// to an output stream (usually stderr) and to a [RingBuffer] that keeps the
// most recent entries in memory for display on the dashboard.
package logging

import (
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TimeLayout is the layout of the timestamps for all log entries.
const TimeLayout = "2006-01-02 15:04:05"

var _ zapcore.WriteSyncer = (*RingBuffer)(nil)

// RingBuffer is a simple ring-buffer implementation.
// It is a [zapcore.WriteSyncer] keeping every write as one line.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []string
	index int
	full  bool
	size  int
}

// NewRingBuffer returns a pointer to a new [RingBuffer].
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		buf:  make([]string, size),
		size: size,
	}
}

// Size returns the size of the ring-buffer.
func (b *RingBuffer) Size() int {
	return b.size
}

// Lines returns a copy of the slice of ring-buffer contents.
func (b *RingBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]string, b.index)
		copy(out, b.buf[:b.index])

		return out
	}
	out := make([]string, b.size)
	copy(out, b.buf[b.index:])
	copy(out[b.size-b.index:], b.buf[:b.index])

	return out
}

// Reset returns the ring-buffer to zero state.
func (b *RingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = make([]string, b.size)
	b.index = 0
	b.full = false
}

// Write adds p as one message to the ring-buffer.
func (b *RingBuffer) Write(p []byte) (int, error) {
	b.add(string(p))

	return len(p), nil
}

// Sync is a no-op, the ring-buffer is never buffered.
func (b *RingBuffer) Sync() error {
	return nil
}

// add adds a new message to the ring-buffer.
func (b *RingBuffer) add(msg string) {
	if b.size <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf[b.index] = strings.TrimSuffix(msg, "\n")
	b.index = (b.index + 1) % b.size
	if b.index == 0 {
		b.full = true
	}
}

// NewLogger returns a [zap.Logger] writing human-readable entries at the
// given level into both the ring-buffer and the output stream.
func NewLogger(rbuf *RingBuffer, out io.Writer, level zap.AtomicLevel) *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(TimeLayout)
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.CallerKey = zapcore.OmitKey
	cfg.ConsoleSeparator = " "

	enc := zapcore.NewConsoleEncoder(cfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(out), level),
	}
	if rbuf != nil {
		cores = append(cores, zapcore.NewCore(enc.Clone(), rbuf, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.DPanicLevel))
}

// ParseLevel returns a [zap.AtomicLevel] for a level name (such as "debug").
func ParseLevel(name string) (zap.AtomicLevel, error) {
	lvl, err := zap.ParseAtomicLevel(name)
	if err != nil {
		return zap.AtomicLevel{}, err //nolint:wrapcheck
	}

	return lvl, nil
}
