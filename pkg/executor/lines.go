package executor

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// maxPendingLine bounds a partial line held while waiting for a newline.
const maxPendingLine = 64 * 1024

// lineWriter captures everything written to it and forwards complete lines
// to a sink. Transports may write from their own goroutines.
type lineWriter struct {
	mu      sync.Mutex
	capture io.Writer
	stream  engine.Stream
	sink    engine.LineSink
	pending bytes.Buffer
}

func newLineWriter(capture io.Writer, stream engine.Stream, sink engine.LineSink) *lineWriter {
	return &lineWriter{capture: capture, stream: stream, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.capture.Write(p)
	if err != nil || w.sink == nil {
		return n, err
	}

	w.pending.Write(p)
	for {
		idx := bytes.IndexByte(w.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.pending.Next(idx + 1))
		w.emit(line)
	}
	if w.pending.Len() > maxPendingLine {
		w.emit(w.pending.String())
		w.pending.Reset()
	}
	return n, nil
}

// Flush forwards a trailing line without a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sink != nil && w.pending.Len() > 0 {
		w.emit(w.pending.String())
		w.pending.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	// Progress bars redraw with carriage returns; keep the last frame.
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		line = line[i+1:]
	}
	if strings.TrimSpace(line) == "" {
		return
	}
	w.sink(w.stream, line)
}
