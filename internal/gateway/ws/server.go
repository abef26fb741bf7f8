// Package ws serves agent runs over WebSocket. The client sends one run frame,
// the server answers with one frame per event and closes the connection after
// the done frame.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/stream"
)

const (
	// Subprotocol is offered to clients during the handshake.
	Subprotocol = "agent007-run-v1"

	// FrameRun is the type of the client's request frame.
	FrameRun = "run"
	// FramePing is sent periodically while a run is in progress.
	FramePing = "ping"

	defaultHeartbeat = 30 * time.Second
	requestTimeout   = 10 * time.Second
	maxRequestBytes  = 32 << 20
)

// Frame is the envelope of every WebSocket message in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func newFrame(typ string, payload any) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s frame: %w", typ, err)
		}
		data = b
	}
	return &Frame{Type: typ, Data: data}, nil
}

// Runner executes run requests. *stream.Streamer implements it.
type Runner interface {
	Stream(ctx context.Context, req *stream.Request, emit func(agent.Event) error) (*stream.Result, error)
}

// Server upgrades HTTP requests and runs one agent session per connection.
type Server struct {
	runner    Runner
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewServer creates a WebSocket server. A non-positive heartbeat uses 30s.
func NewServer(runner Runner, heartbeat time.Duration, logger *slog.Logger) *Server {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Server{runner: runner, heartbeat: heartbeat, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(maxRequestBytes)

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	req, err := s.readRequest(ctx, conn)
	if err != nil {
		s.logger.WarnContext(ctx, "invalid run request", slog.String("error", err.Error()))
		s.fail(ctx, conn, err.Error())
		return
	}

	// The client sends nothing after the request; CloseRead handles control
	// frames and cancels the context when the peer goes away.
	ctx = conn.CloseRead(ctx)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn)

	_, err = s.runner.Stream(ctx, req, func(e agent.Event) error {
		return s.writeFrame(ctx, conn, e.Type(), e)
	})
	hbCancel()

	switch {
	case errors.Is(err, stream.ErrSandboxBusy), errors.Is(err, stream.ErrEmptyMessage):
		s.fail(ctx, conn, err.Error())
		return
	case err != nil:
		s.logger.WarnContext(ctx, "websocket run ended with error",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		conn.Close(websocket.StatusInternalError, "run failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}

func (s *Server) readRequest(ctx context.Context, conn *websocket.Conn) (*stream.Request, error) {
	readCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}
	if f.Type != FrameRun {
		return nil, fmt.Errorf("expected %s frame, got %q", FrameRun, f.Type)
	}

	var req stream.Request
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// fail reports an error that happened before the run started and closes
// the connection.
func (s *Server) fail(ctx context.Context, conn *websocket.Conn, msg string) {
	_ = s.writeFrame(ctx, conn, agent.EventError, agent.Error{Message: msg})
	_ = s.writeFrame(ctx, conn, agent.EventDone, agent.Done{})
	conn.Close(websocket.StatusPolicyViolation, "request rejected")
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeFrame(ctx, conn, FramePing, nil); err != nil {
				s.logger.Debug("heartbeat ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	f, err := newFrame(typ, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
