package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/errors"
	"github.com/wippyai/wasm-stdio-bridge/supervisor"
)

// Runner executes one run. *runtime.Runtime implements it.
type Runner interface {
	Run(ctx context.Context, opts stdiobridge.Options, extra ...supervisor.Option) (*stdiobridge.Result, error)
}

type statser interface {
	Stats() (active, total int64)
}

// Config configures a Server.
type Config struct {
	Logger *zap.Logger

	// AllowedOrigins lists accepted Origin headers. Empty allows same-origin
	// requests only; "*" allows any origin.
	AllowedOrigins []string

	// MaxMessageBytes caps one incoming frame. Zero means no limit.
	MaxMessageBytes int64

	// MaxRuns caps concurrent runs. Zero means no limit.
	MaxRuns int
}

// Server serves bridge runs over WebSocket.
type Server struct {
	runner   Runner
	log      *zap.Logger
	slots    chan struct{}
	upgrader websocket.Upgrader
	cfg      Config
}

// New creates a server over r.
func New(r Runner, cfg Config) *Server {
	s := &Server{runner: r, cfg: cfg, log: cfg.Logger}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if cfg.MaxRuns > 0 {
		s.slots = make(chan struct{}, cfg.MaxRuns)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(cfg.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /run", s.handleRun)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if st, ok := s.runner.(statser); ok {
		active, total := st.Stats()
		body["active"] = active
		body["total"] = total
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		http.Error(w, "too many runs", http.StatusServiceUnavailable)
		return
	}
	defer s.release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	id := uuid.NewString()
	log := s.log.With(zap.String("run", id), zap.String("remote", conn.RemoteAddr().String()))
	out := &connWriter{conn: conn}

	start, err := readStart(conn)
	if err != nil {
		log.Debug("bad start frame", zap.Error(err))
		_ = out.send(errorFrame(err))
		out.close(websocket.CloseUnsupportedData, "bad start frame")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stdout := &streamSink{w: out, kind: "stdout"}
	stderr := &streamSink{w: out, kind: "stderr"}
	stdin := newStdinQueue()
	stdin.onWait = func(waiting bool) {
		stdout.setWaiting(waiting)
		stderr.setWaiting(waiting)
	}
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(conn, stdin, cancel, log)
	}()

	log.Info("run started", zap.Strings("args", start.Args), zap.Int("input_files", len(start.InputFiles)))
	began := time.Now()
	res, err := s.runner.Run(ctx, stdiobridge.Options{
		Args:        start.Args,
		InputFiles:  start.InputFiles,
		OutputPaths: start.OutputFilePaths,
		Stdin:       stdin.next,
		Stdout:      stdout.sink,
		Stderr:      stderr.sink,
	},
		supervisor.WithRunID(id),
		supervisor.OnStateChange(func(id string, st supervisor.State) {
			_ = out.send(frame{Type: frameState, Run: id, State: st.String()})
		}),
	)

	if err == nil {
		err = stderrors.Join(stdout.flush(), stderr.flush())
	}
	if err != nil {
		log.Info("run failed", zap.Error(err), zap.Duration("elapsed", time.Since(began)))
		_ = out.send(errorFrame(err))
		out.close(websocket.CloseNormalClosure, "")
	} else {
		log.Info("run completed", zap.Int("exit_code", res.ExitCode), zap.Duration("elapsed", time.Since(began)))
		code := res.ExitCode
		_ = out.send(frame{Type: frameComplete, Run: id, ExitCode: &code, OutputFiles: res.OutputFiles})
		out.close(websocket.CloseNormalClosure, "")
	}

	// The client answers the close frame; bound the wait for it.
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	<-readerDone
}

func readStart(conn *websocket.Conn) (startFrame, error) {
	var start startFrame
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return start, errors.Wrap(errors.PhaseHandshake, errors.KindInvalidInput, err, "read start frame")
	}
	if mt != websocket.TextMessage {
		return start, errors.InvalidInput(errors.PhaseHandshake, "start frame must be text")
	}
	if err := json.Unmarshal(data, &start); err != nil {
		return start, errors.Wrap(errors.PhaseHandshake, errors.KindInvalidInput, err, "decode start frame")
	}
	if start.Type != frameStart {
		return start, errors.InvalidInput(errors.PhaseHandshake, "first frame must have type \"start\"")
	}
	return start, nil
}

// readLoop feeds stdin until the connection ends. A dropped connection
// cancels the run.
func (s *Server) readLoop(conn *websocket.Conn, stdin *stdinQueue, cancel context.CancelFunc, log *zap.Logger) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			stdin.close(err)
			cancel()
			return
		}
		if mt == websocket.BinaryMessage {
			stdin.push(data)
			continue
		}
		var ctl controlFrame
		if err := json.Unmarshal(data, &ctl); err != nil {
			log.Debug("ignoring malformed control frame", zap.Error(err))
			continue
		}
		switch ctl.Type {
		case frameEOF:
			stdin.close(nil)
		case frameCancel:
			log.Info("run canceled by client")
			cancel()
		default:
			log.Debug("ignoring control frame", zap.String("type", ctl.Type))
		}
	}
}

func errorFrame(err error) frame {
	kind := string(errors.KindOf(err))
	if kind == "" {
		kind = string(errors.KindContextFault)
	}
	return frame{Type: frameError, Kind: kind, Message: err.Error()}
}
