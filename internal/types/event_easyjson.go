package types

// MarshalEasyJSON/UnmarshalEasyJSON are hand-maintained rather than
// go:generate'd: Event's Attributes field is a bare map[string]any, which
// easyjson's generator refuses to specialize, so the generated file would
// fall back to encoding/json for the one field that matters most on the
// Event Bus / SSE hot path anyway. Writing the encoder by hand keeps the
// fast path for the fixed fields and only reflects for Attributes.
//
// The SSE and WebSocket transports marshal one Event per subscriber per
// publish (the Bus itself hands Event values over channels without
// encoding them); easyjson.Marshal skips the reflection walk
// encoding/json would otherwise repeat per subscriber.

import (
	"encoding/json"
	"time"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

func jsonMarshalFallback(v any) ([]byte, error) {
	return json.Marshal(v)
}

var (
	_ easyjson.Marshaler   = Event{}
	_ easyjson.Unmarshaler = (*Event)(nil)
)

// MarshalJSON implements json.Marshaler via the easyjson fast path.
func (v Event) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	v.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (v Event) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('{')
	w.RawString(`"name":`)
	w.String(string(v.Name))
	if v.RunID != "" {
		w.RawString(`,"runId":`)
		w.String(v.RunID)
	}
	if v.AgentID != "" {
		w.RawString(`,"agentId":`)
		w.String(v.AgentID)
	}
	if v.ThreadID != "" {
		w.RawString(`,"threadId":`)
		w.String(v.ThreadID)
	}
	if v.StepID != "" {
		w.RawString(`,"stepId":`)
		w.String(v.StepID)
	}
	w.RawString(`,"timestamp":`)
	w.String(v.Timestamp.UTC().Format(time.RFC3339Nano))
	if len(v.Attributes) > 0 {
		w.RawString(`,"attributes":`)
		w.Raw(marshalAttributes(v.Attributes))
	}
	w.RawByte('}')
}

// marshalAttributes falls back to encoding/json only for the free-form
// attribute bag; every fixed Event field above skips it entirely.
func marshalAttributes(attrs map[string]any) ([]byte, error) {
	return jsonMarshalFallback(attrs)
}

// UnmarshalJSON implements json.Unmarshaler via the easyjson fast path.
func (v *Event) UnmarshalJSON(data []byte) error {
	l := jlexer.Lexer{Data: data}
	v.UnmarshalEasyJSON(&l)
	return l.Error()
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (v *Event) UnmarshalEasyJSON(l *jlexer.Lexer) {
	if l.IsNull() {
		l.Skip()
		return
	}
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		if l.IsNull() {
			l.Skip()
			l.WantComma()
			continue
		}
		switch key {
		case "name":
			v.Name = EventName(l.String())
		case "runId":
			v.RunID = l.String()
		case "agentId":
			v.AgentID = l.String()
		case "threadId":
			v.ThreadID = l.String()
		case "stepId":
			v.StepID = l.String()
		case "timestamp":
			ts, err := time.Parse(time.RFC3339Nano, l.String())
			if err != nil {
				l.AddError(err)
			}
			v.Timestamp = ts
		case "attributes":
			raw := l.Interface()
			if m, ok := raw.(map[string]any); ok {
				v.Attributes = m
			}
		default:
			l.SkipRecursive()
		}
		l.WantComma()
	}
	l.Delim('}')
}
