package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	events []agent.Event
	delay  time.Duration
	got    chan *stream.Request
}

func (f *fakeRunner) Stream(ctx context.Context, req *stream.Request, emit func(agent.Event) error) (*stream.Result, error) {
	if f.got != nil {
		f.got <- req
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, e := range f.events {
		if err := emit(e); err != nil {
			return nil, err
		}
	}
	return &stream.Result{Response: "ok"}, nil
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	f, err := newFrame(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(f)
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntilDone collects frames up to and including done.
func readUntilDone(t *testing.T, conn *websocket.Conn) []Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frames []Frame
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read after %d frames: %v", len(frames), err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		frames = append(frames, f)
		if f.Type == agent.EventDone {
			return frames
		}
	}
}

func types(frames []Frame) string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return strings.Join(out, ",")
}

func TestRunOverWebSocket(t *testing.T) {
	runner := &fakeRunner{
		got: make(chan *stream.Request, 1),
		events: []agent.Event{
			agent.Status{Message: "Sandbox ready", SandboxID: "sbx-1"},
			agent.Thinking{Iteration: 1},
			agent.Message{Content: "hello"},
			agent.Done{},
		},
	}
	conn := dial(t, NewServer(runner, time.Minute, discardLogger()))

	send(t, conn, FrameRun, stream.Request{Message: "hi", UserID: "u1", SandboxID: "sbx-1"})
	frames := readUntilDone(t, conn)

	if types(frames) != "status,thinking,message,done" {
		t.Fatalf("frames = %s", types(frames))
	}
	var msg agent.Message
	if err := json.Unmarshal(frames[2].Data, &msg); err != nil || msg.Content != "hello" {
		t.Errorf("message frame = %s (%v)", frames[2].Data, err)
	}
	req := <-runner.got
	if req.UserID != "u1" || req.SandboxID != "sbx-1" {
		t.Errorf("request = %+v", req)
	}

	_, _, err := conn.Read(context.Background())
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close = %v, want normal closure", err)
	}
}

func TestRejectsInvalidFrame(t *testing.T) {
	conn := dial(t, NewServer(&fakeRunner{}, time.Minute, discardLogger()))

	send(t, conn, "hello", map[string]string{"message": "hi"})
	frames := readUntilDone(t, conn)

	if types(frames) != "error,done" {
		t.Fatalf("frames = %s", types(frames))
	}
	var e agent.Error
	if err := json.Unmarshal(frames[0].Data, &e); err != nil || !strings.Contains(e.Message, "expected run frame") {
		t.Errorf("error frame = %s", frames[0].Data)
	}
}

func TestRejectsEmptyMessage(t *testing.T) {
	conn := dial(t, NewServer(&fakeRunner{}, time.Minute, discardLogger()))

	send(t, conn, FrameRun, stream.Request{UserID: "u1"})
	frames := readUntilDone(t, conn)

	if types(frames) != "error,done" {
		t.Fatalf("frames = %s", types(frames))
	}
}

func TestHeartbeatDuringRun(t *testing.T) {
	runner := &fakeRunner{delay: 200 * time.Millisecond, events: []agent.Event{agent.Done{}}}
	conn := dial(t, NewServer(runner, 20*time.Millisecond, discardLogger()))

	send(t, conn, FrameRun, stream.Request{Message: "slow"})
	frames := readUntilDone(t, conn)

	if len(frames) < 2 || frames[0].Type != FramePing {
		t.Errorf("frames = %s, want pings before done", types(frames))
	}
}
