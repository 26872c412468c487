package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind tags a stream event.
type Kind string

const (
	KindContent  Kind = "content"
	KindMetadata Kind = "metadata"
	KindProgress Kind = "progress"
	KindError    Kind = "error"
	KindEnd      Kind = "end"
)

// Frame is one raw message read off the transport. Type may be empty when
// the payload carries its own "type" field.
type Frame struct {
	ID   string
	Type string
	Data []byte
}

// Event is a decoded stream event. Only the fields of its Kind are set.
type Event struct {
	Kind Kind
	// Seq is the sender's sequence number, or zero for unsequenced frames.
	Seq int64

	Text     string
	Metadata map[string]any
	Progress float64
	Code     string
	Message  string
	Final    json.RawMessage
}

// decodeFrame parses a frame into an event. Frames of unknown type or with
// malformed payloads yield an error and are dropped by the caller.
func decodeFrame(f Frame) (Event, error) {
	data := strings.TrimSpace(string(f.Data))
	if data == "[DONE]" {
		return Event{Kind: KindEnd}, nil
	}

	isObject := gjson.Valid(data) && gjson.Parse(data).IsObject()
	typ := f.Type
	if (typ == "" || typ == "message") && isObject {
		typ = gjson.Get(data, "type").String()
	}

	var ev Event
	if isObject {
		ev.Seq = gjson.Get(data, "seq").Int()
	}
	if ev.Seq == 0 && f.ID != "" {
		if n, err := strconv.ParseInt(f.ID, 10, 64); err == nil {
			ev.Seq = n
		}
	}

	switch typ {
	case "content":
		ev.Kind = KindContent
		if !isObject {
			ev.Text = string(f.Data)
			return ev, nil
		}
		text := gjson.Get(data, "text")
		if !text.Exists() {
			text = gjson.Get(data, "content")
		}
		if text.Type != gjson.String {
			return Event{}, fmt.Errorf("content frame without text")
		}
		ev.Text = text.String()

	case "metadata":
		ev.Kind = KindMetadata
		if !isObject {
			return Event{}, fmt.Errorf("metadata frame is not an object")
		}
		src := data
		if m := gjson.Get(data, "metadata"); m.IsObject() {
			src = m.Raw
		}
		if err := json.Unmarshal([]byte(src), &ev.Metadata); err != nil {
			return Event{}, fmt.Errorf("decode metadata: %w", err)
		}
		delete(ev.Metadata, "type")
		delete(ev.Metadata, "seq")

	case "progress":
		ev.Kind = KindProgress
		var p gjson.Result
		if isObject {
			p = gjson.Get(data, "progress")
		} else {
			p = gjson.Parse(data)
		}
		if p.Type != gjson.Number {
			return Event{}, fmt.Errorf("progress frame without a number")
		}
		ev.Progress = min(max(p.Float(), 0), 100)

	case "error":
		ev.Kind = KindError
		if isObject {
			ev.Code = gjson.Get(data, "code").String()
			ev.Message = gjson.Get(data, "message").String()
		} else {
			ev.Message = data
		}

	case "end", "done":
		ev.Kind = KindEnd
		if isObject {
			ev.Final = json.RawMessage(data)
		}

	default:
		return Event{}, fmt.Errorf("unknown frame type %q", typ)
	}
	return ev, nil
}
