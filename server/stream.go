package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	flushBytes    = 4096
	frameStart    = "start"
	frameEOF      = "eof"
	frameCancel   = "cancel"
	frameState    = "state"
	frameComplete = "complete"
	frameError    = "error"
)

type startFrame struct {
	InputFiles      map[string][]byte `json:"inputFiles"`
	Type            string            `json:"type"`
	Args            []string          `json:"args"`
	OutputFilePaths []string          `json:"outputFilePaths"`
}

type controlFrame struct {
	Type string `json:"type"`
}

type frame struct {
	OutputFiles map[string][]byte `json:"outputFiles,omitempty"`
	ExitCode    *int              `json:"exitCode,omitempty"`
	Type        string            `json:"type"`
	Run         string            `json:"run,omitempty"`
	State       string            `json:"state,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Message     string            `json:"message,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	EOF         bool              `json:"eof,omitempty"`
}

// connWriter serializes frame writes; gorilla connections allow one
// concurrent writer.
type connWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *connWriter) send(f frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(f)
}

func (w *connWriter) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// streamSink batches one output stream into frames. While the engine waits
// for input every byte is sent at once, so prompts without a newline reach
// the client.
type streamSink struct {
	w       *connWriter
	kind    string
	buf     []byte
	mu      sync.Mutex
	waiting bool
}

func (s *streamSink) sink(_ context.Context, b byte, eof bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eof {
		if err := s.flushLocked(); err != nil {
			return err
		}
		return s.w.send(frame{Type: s.kind, EOF: true})
	}
	s.buf = append(s.buf, b)
	if b == '\n' || s.waiting || len(s.buf) >= flushBytes {
		return s.flushLocked()
	}
	return nil
}

// setWaiting marks whether the engine is blocked on input. Entering the
// waiting state sends any held bytes; a failed send surfaces on the next
// sink call.
func (s *streamSink) setWaiting(waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = waiting
	if waiting {
		_ = s.flushLocked()
	}
}

func (s *streamSink) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *streamSink) flushLocked() error {
	if len(s.buf) == 0 {
		return nil
	}
	data := s.buf
	s.buf = nil
	return s.w.send(frame{Type: s.kind, Data: data})
}
