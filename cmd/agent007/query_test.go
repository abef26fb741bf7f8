package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/client"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/httpapi"
)

func event(t *testing.T, typ string, payload any) client.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return client.Event{Type: typ, Data: data}
}

func TestRenderer(t *testing.T) {
	var out, errOut bytes.Buffer
	dir := t.TempDir()
	r := &renderer{out: &out, errOut: &errOut, saveDir: dir}

	events := []client.Event{
		event(t, agent.EventStatus, agent.Status{Message: "Sandbox ready", SandboxID: "sbx-1"}),
		event(t, agent.EventThinking, agent.Thinking{Iteration: 1}),
		event(t, agent.EventToolCall, agent.ToolCall{ID: "c1", Name: "run_command", Arguments: `{"command":"ls"}`}),
		event(t, agent.EventToolResult, agent.ToolResult{ID: "c1", Name: "run_command", Result: "a.txt\nb.txt"}),
		event(t, agent.EventFile, agent.File{
			Filename: "report.txt",
			MimeType: "text/plain",
			Size:     5,
			Data:     base64.StdEncoding.EncodeToString([]byte("hello")),
		}),
		event(t, agent.EventMessage, agent.Message{Content: "all done"}),
		event(t, agent.EventDone, agent.Done{}),
	}
	for _, e := range events {
		if err := r.render(e); err != nil {
			t.Fatalf("render %s: %v", e.Type, err)
		}
	}

	if out.String() != "all done\n" {
		t.Errorf("stdout = %q", out.String())
	}
	for _, want := range []string{
		"[status] Sandbox ready (sbx-1)",
		"[thinking] iteration 1",
		`[tool: run_command] {"command":"ls"}`,
		"[result: run_command] a.txt b.txt",
		"[file] report.txt saved to",
	} {
		if !strings.Contains(errOut.String(), want) {
			t.Errorf("stderr missing %q:\n%s", want, errOut.String())
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("saved file = %q, %v", data, err)
	}
	if r.failed {
		t.Error("renderer marked failed")
	}
}

func TestRenderer_ErrorAndDiscardedState(t *testing.T) {
	var out, errOut bytes.Buffer
	r := &renderer{out: &out, errOut: &errOut, saveDir: t.TempDir()}

	_ = r.render(event(t, agent.EventStatus, agent.Status{
		Message:           "Sandbox ready",
		SandboxID:         "sbx-2",
		StateDiscarded:    true,
		PreviousSandboxID: "sbx-1",
	}))
	_ = r.render(event(t, agent.EventError, agent.Error{Message: "provider unavailable"}))

	if !strings.Contains(errOut.String(), "previous sandbox sbx-1 expired") {
		t.Errorf("stderr = %q", errOut.String())
	}
	if !strings.Contains(errOut.String(), "Error: provider unavailable") {
		t.Errorf("stderr = %q", errOut.String())
	}
	if !r.failed {
		t.Error("expected renderer to be marked failed")
	}
}

func TestRenderer_BadFileDataIsReported(t *testing.T) {
	var errOut bytes.Buffer
	r := &renderer{out: &bytes.Buffer{}, errOut: &errOut, saveDir: t.TempDir()}

	err := r.render(event(t, agent.EventFile, agent.File{Filename: "x.bin", Data: "!!not base64!!"}))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(errOut.String(), "[file] x.bin:") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestLoadUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	up, err := loadUpload(path)
	if err != nil {
		t.Fatal(err)
	}
	if up.Name != "data.csv" || up.Size != 8 {
		t.Errorf("upload = %+v", up)
	}
	decoded, _ := base64.StdEncoding.DecodeString(up.Data)
	if string(decoded) != "a,b\n1,2\n" {
		t.Errorf("data = %q", decoded)
	}
	if _, err := loadUpload(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPreview(t *testing.T) {
	if got := preview("  one\ntwo  ", 50); got != "one two" {
		t.Errorf("preview = %q", got)
	}
	if got := preview(strings.Repeat("x", 10), 4); got != "xxxx..." {
		t.Errorf("preview = %q", got)
	}
}

type fakePoller struct {
	replies []*httpapi.WarmResponse
	calls   int
}

func (f *fakePoller) WarmStatus(context.Context, string) (*httpapi.WarmResponse, error) {
	r := f.replies[f.calls]
	if f.calls < len(f.replies)-1 {
		f.calls++
	}
	return r, nil
}

func TestWaitReady(t *testing.T) {
	p := &fakePoller{replies: []*httpapi.WarmResponse{
		{Status: "warming"},
		{Status: "warming"},
		{Status: "ready", Ready: true, SandboxID: "sbx-w"},
	}}
	st, err := waitReady(context.Background(), p, "u1", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Ready || st.SandboxID != "sbx-w" {
		t.Errorf("status = %+v", st)
	}
}

func TestWaitReady_StopsWhenEntryGone(t *testing.T) {
	p := &fakePoller{replies: []*httpapi.WarmResponse{{Status: "none"}}}
	st, err := waitReady(context.Background(), p, "u1", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if st.Ready {
		t.Errorf("status = %+v", st)
	}
}

func TestWaitReady_ContextCancelled(t *testing.T) {
	p := &fakePoller{replies: []*httpapi.WarmResponse{{Status: "warming"}}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := waitReady(ctx, p, "u1", time.Millisecond); err == nil {
		t.Error("expected context error")
	}
}
