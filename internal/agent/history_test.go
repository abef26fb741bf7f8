package agent

import (
	"encoding/json"
	"testing"

	"github.com/vitalii-dynamiq/agent007/internal/llm"
)

func TestBuildMessages_PairsToolCalls(t *testing.T) {
	var history []HistoryMessage
	raw := `[
		{"role":"user","content":"check disk"},
		{"role":"assistant","content":"Looking.","tool_calls":[
			{"id":"t1","name":"execute_command","arguments":"{\"command\":\"df -h\"}","result":"50% used"},
			{"id":"t2","name":"read_file","arguments":{"path":"/etc/hosts"}}
		]},
		{"role":"tool","content":"stray"},
		{"role":"assistant","content":"Disk is half full."}
	]`
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		t.Fatal(err)
	}

	msgs := BuildMessages("sys", history, "thanks")

	roles := make([]llm.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleTool, llm.RoleAssistant, llm.RoleUser}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}

	call := msgs[2]
	if len(call.ContentBlocks) != 3 || call.ContentBlocks[0].Text != "Looking." {
		t.Fatalf("assistant blocks = %+v", call.ContentBlocks)
	}
	if cmd := call.ContentBlocks[1].Input["command"]; cmd != "df -h" {
		t.Errorf("string arguments decoded to %v", call.ContentBlocks[1].Input)
	}
	if p := call.ContentBlocks[2].Input["path"]; p != "/etc/hosts" {
		t.Errorf("object arguments decoded to %v", call.ContentBlocks[2].Input)
	}

	if b := msgs[3].ContentBlocks[0]; b.ToolUseID != "t1" || b.Text != "50% used" {
		t.Errorf("first tool message = %+v", b)
	}
	if b := msgs[4].ContentBlocks[0]; b.ToolUseID != "t2" || b.Text != "(no result)" {
		t.Errorf("second tool message = %+v", b)
	}
	if msgs[6].Content != "thanks" {
		t.Errorf("last message = %+v", msgs[6])
	}
}

func TestBuildMessages_EmptyHistory(t *testing.T) {
	msgs := BuildMessages("sys", nil, "hello")
	if len(msgs) != 2 || msgs[0].Content != "sys" || msgs[1].Content != "hello" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestToolCallRecord_Input(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"object", `{"a":1,"b":2}`, 2},
		{"encoded string", `"{\"a\":1}"`, 1},
		{"malformed string", `"{not json"`, 0},
		{"array", `[1,2]`, 0},
		{"null", `null`, 0},
		{"missing", ``, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToolCallRecord{Arguments: json.RawMessage(tt.raw)}.Input()
			if got == nil || len(got) != tt.want {
				t.Errorf("Input() = %v, want %d keys", got, tt.want)
			}
		})
	}
}

func TestPayload(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Done{}, `{}`},
		{Thinking{Iteration: 2}, `{"iteration":2}`},
		{Status{Message: "Sandbox ready", SandboxID: "s1", Reused: Bool(true), Warm: Bool(false)},
			`{"message":"Sandbox ready","sandboxId":"s1","reused":true,"warm":false}`},
		{Status{Message: "Creating sandbox...", StateDiscarded: true, PreviousSandboxID: "old"},
			`{"message":"Creating sandbox...","stateDiscarded":true,"previousSandboxId":"old"}`},
		{ToolCall{ID: "c", Name: "n", Arguments: "{}"}, `{"id":"c","name":"n","arguments":"{}"}`},
	}
	for _, tt := range tests {
		got, err := Payload(tt.event)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tt.want {
			t.Errorf("%s payload = %s, want %s", tt.event.Type(), got, tt.want)
		}
	}
}
