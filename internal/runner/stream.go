package runner

import (
	"bytes"
	"sync"
)

// maxLineBytes bounds a single streamed line. Longer output is force-split
// so one runaway print cannot buffer unbounded memory.
const maxLineBytes = 256 * 1024

// lineWriter is an io.Writer that slices a byte stream into lines and
// hands each complete line to emit. Exec demuxing writes concurrently from
// the copy goroutine, so writes are serialized.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

func newLineWriter(emit func(line string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if w.buf.Len() > maxLineBytes {
				w.emitLine(string(data))
				w.buf.Reset()
			}
			return len(p), nil
		}
		w.emitLine(string(data[:idx]))
		w.buf.Next(idx + 1)
	}
}

// Flush emits any trailing line that never saw a newline. Called once the
// exec stream ends.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emitLine(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emitLine(line string) {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	w.emit(line)
}
