package stream

import (
	"encoding/json"
	"testing"
)

func TestExtractText(t *testing.T) {
	cases := map[string]string{
		`{"type":"item_completed","item":{"text":"from item"}}`:                      "from item",
		`{"type":"agent_message_delta","delta":{"text":"from delta"}}`:               "from delta",
		`{"type":"message","content":"plain content"}`:                               "plain content",
		`{"content":[{"type":"output_text","text":"a"},{"type":"image"},{"text":"b"}]}`: "ab",
		`{"item":{"text":"item wins"},"delta":{"text":"ignored"}}`:                    "item wins",
		`{"item":{"id":"no text"},"delta":{"text":"fallback"}}`:                       "fallback",
		`{"type":"token_count"}`: "",
		`not json`:               "",
	}
	for raw, want := range cases {
		if got := ExtractText(json.RawMessage(raw)); got != want {
			t.Errorf("ExtractText(%s) = %q, want %q", raw, got, want)
		}
	}
}

func TestTextAccumulator(t *testing.T) {
	var acc TextAccumulator
	acc.Add(Processing("agent_message_delta", json.RawMessage(`{"delta":{"text":"Hello "}}`)))
	acc.Add(Processing("agent_message_delta", json.RawMessage(`{"delta":{"text":"world"}}`)))
	acc.Add(Processing("item_completed", json.RawMessage(`{"item":{"text":"world"}}`)))
	acc.Add(Finished([]byte("rollout")))

	if got := acc.String(); got != "Hello world" {
		t.Errorf("accumulated: got %q, want %q", got, "Hello world")
	}
}

func TestEventFactories(t *testing.T) {
	n := Notice("cancel", "task cancelled").WithSender("A1", "Planner").WithTask("t1", "C1")
	if n.Status != StatusProcessing || n.EventType != "cancel" {
		t.Errorf("notice: got %s/%s", n.Status, n.EventType)
	}
	if string(n.RawPayload) != `{"message":"task cancelled"}` {
		t.Errorf("notice payload: got %s", n.RawPayload)
	}
	if n.SenderName != "Planner" || n.TaskID != "t1" || n.ConversationID != "C1" {
		t.Errorf("stamps: got %+v", n)
	}
	if !Finished(nil).Terminal() || !Failed("x").Terminal() || n.Terminal() {
		t.Error("terminal classification is wrong")
	}
	if TypeOf(json.RawMessage(`{"type":"exec_command_begin"}`)) != "exec_command_begin" {
		t.Error("TypeOf should read the type field")
	}
}
