// Package utils holds small filesystem and logging helpers shared by the
// daemon packages.
package utils

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"
)

// StampWriter prefixes every complete line with a sequence number and the
// wall clock time. An unterminated tail is held back until the next newline
// or Close.
type StampWriter struct {
	mu      sync.Mutex
	target  io.Writer
	seq     uint64
	pending []byte
	now     func() time.Time
}

func NewStampWriter(target io.Writer) *StampWriter {
	return &StampWriter{target: target, now: time.Now}
}

// Write reports len(p) once every complete line reached the target.
func (w *StampWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(w.pending[:idx], []byte{'\r'})
		if err := w.writeLine(line); err != nil {
			return 0, err
		}
		w.pending = w.pending[idx+1:]
	}

	if len(w.pending) == 0 {
		w.pending = nil
	}
	return len(p), nil
}

func (w *StampWriter) writeLine(line []byte) error {
	w.seq++
	buf := make([]byte, 0, len(line)+64)
	buf = append(buf, "line="...)
	buf = strconv.AppendUint(buf, w.seq, 10)
	buf = append(buf, " time="...)
	buf = w.now().AppendFormat(buf, time.RFC3339)
	buf = append(buf, ' ')
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := w.target.Write(buf)
	return err
}

// Close writes out an unterminated tail.
func (w *StampWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return nil
	}
	err := w.writeLine(w.pending)
	w.pending = nil
	return err
}
