package stream

import (
	"encoding/json"
	"strings"
)

// textExtractors are tried in order; the first non-empty result wins.
var textExtractors = []func(map[string]json.RawMessage) string{
	nestedText("item"),
	nestedText("delta"),
	contentText,
}

// ExtractText pulls human-readable text out of a backend payload. It is
// best-effort and lossy, for logs and async results only.
func ExtractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, extract := range textExtractors {
		if text := extract(obj); text != "" {
			return text
		}
	}
	return ""
}

func nestedText(field string) func(map[string]json.RawMessage) string {
	return func(obj map[string]json.RawMessage) string {
		inner, ok := obj[field]
		if !ok {
			return ""
		}
		var v struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(inner, &v); err != nil {
			return ""
		}
		return v.Text
	}
}

// contentText accepts a plain string or an array of typed parts.
func contentText(obj map[string]json.RawMessage) string {
	raw, ok := obj["content"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "", "text", "output_text", "input_text":
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// TextAccumulator gathers the text of a task's events.
// A fragment that is already the tail of the accumulated text is skipped, so
// a final message echoing the streamed deltas is not counted twice.
type TextAccumulator struct {
	sb strings.Builder
}

// Add extracts and appends the text of one event.
func (a *TextAccumulator) Add(e Event) {
	if e.Status != StatusProcessing {
		return
	}
	text := ExtractText(e.RawPayload)
	if text == "" {
		return
	}
	if strings.HasSuffix(a.sb.String(), text) {
		return
	}
	a.sb.WriteString(text)
}

// String returns the accumulated text.
func (a *TextAccumulator) String() string {
	return a.sb.String()
}
