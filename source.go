package stdiobridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// EmptySource is an input source that is immediately at end of input.
func EmptySource(context.Context) (byte, error) {
	return 0, io.EOF
}

// BytesSource serves data one byte per call, then io.EOF.
func BytesSource(data []byte) InputSource {
	var pos int
	return func(ctx context.Context) (byte, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if pos >= len(data) {
			return 0, io.EOF
		}
		b := data[pos]
		pos++
		return b, nil
	}
}

// ReaderSource serves bytes from r as they arrive. A background goroutine
// reads r in chunks, started on the first request; a call blocks until a
// byte is available, r is exhausted, or ctx is done.
//
// The reader goroutine only exits when r returns an error, so r should be
// closed (or reach EOF) when the caller is done with it.
func ReaderSource(r io.Reader) InputSource {
	s := &readerSource{r: r, chunks: make(chan []byte)}
	return s.next
}

type readerSource struct {
	r       io.Reader
	err     error
	chunks  chan []byte
	pending []byte
	once    sync.Once
}

func (s *readerSource) start() {
	go func() {
		defer close(s.chunks)
		buf := make([]byte, 4096)
		for {
			n, err := s.r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.chunks <- chunk
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.err = err
				}
				return
			}
		}
	}()
}

func (s *readerSource) next(ctx context.Context) (byte, error) {
	s.once.Do(s.start)
	for len(s.pending) == 0 {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				if s.err != nil {
					return 0, s.err
				}
				return 0, io.EOF
			}
			s.pending = chunk
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	b := s.pending[0]
	s.pending = s.pending[1:]
	return b, nil
}

// WriterSink writes each byte to w and ignores the end-of-stream marker.
func WriterSink(w io.Writer) Sink {
	var one [1]byte
	return func(_ context.Context, b byte, eof bool) error {
		if eof {
			return nil
		}
		one[0] = b
		_, err := w.Write(one[:])
		return err
	}
}

// BufferSink appends each byte to buf. buf must not be read until the run
// returns.
func BufferSink(buf *bytes.Buffer) Sink {
	return func(_ context.Context, b byte, eof bool) error {
		if !eof {
			buf.WriteByte(b)
		}
		return nil
	}
}

// DiscardSink drops everything.
func DiscardSink(context.Context, byte, bool) error {
	return nil
}
