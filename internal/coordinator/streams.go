package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/hyperengineering/chatsync/internal/stream"
)

// StreamRequest opens a stream that fills one cached message.
type StreamRequest struct {
	ConversationID string
	// MessageID is the cached message to fill; a new id when empty.
	MessageID string
	// Role defaults to "assistant".
	Role    string
	Request stream.Request
}

// Stream is a connection being reconciled into a cached message. Its events
// are consumed by the coordinator; observers watch the messages collection.
type Stream struct {
	MessageID string

	conn    *stream.Connection
	settled chan struct{}

	mu  sync.Mutex
	msg Message
}

// Conn returns the underlying connection for state inspection. Its Events
// channel belongs to the coordinator.
func (s *Stream) Conn() *stream.Connection { return s.conn }

// Settled is closed once the final message record has been written.
func (s *Stream) Settled() <-chan struct{} { return s.settled }

// Message returns the last message state written to the store.
func (s *Stream) Message() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.msg
	m.Metadata = maps.Clone(s.msg.Metadata)
	return m
}

// Close stops the stream and waits for the final record.
func (s *Stream) Close() {
	s.conn.Close()
	<-s.settled
}

// OpenStream starts streaming into a cached message on the conversation's
// channel. A stream already open on the conversation is closed first. The
// message record is written after every content, metadata or progress event
// and finalized from the connection outcome; a failed stream keeps the
// content received so far.
func (c *Coordinator) OpenStream(ctx context.Context, r StreamRequest) (*Stream, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if r.ConversationID == "" {
		return nil, errors.New("coordinator: conversation id is required")
	}
	if r.MessageID == "" {
		r.MessageID = ulid.Make().String()
	}
	if r.Role == "" {
		r.Role = "assistant"
	}

	now := c.opts.Now().UTC()
	s := &Stream{
		MessageID: r.MessageID,
		settled:   make(chan struct{}),
		msg: Message{
			ID:             r.MessageID,
			ConversationID: r.ConversationID,
			Role:           r.Role,
			Status:         MessageStreaming,
			SyncStatus:     SyncSynced,
			Timestamp:      now.UnixMilli(),
		},
	}
	writeCtx := context.WithoutCancel(ctx)
	if err := c.writeMessage(writeCtx, s); err != nil {
		return nil, err
	}

	// Close waits on streamWG; the check and Add must not interleave with it.
	c.streamsMu.Lock()
	if c.closed.Load() {
		c.streamsMu.Unlock()
		c.failOpen(writeCtx, s, ErrClosed)
		return nil, ErrClosed
	}
	c.streamWG.Add(1)
	c.streamsMu.Unlock()

	conn, err := c.transport.Connect(ctx, r.ConversationID, r.Request)
	if err != nil {
		c.streamWG.Done()
		c.failOpen(writeCtx, s, err)
		return nil, fmt.Errorf("open stream: %w", err)
	}
	s.conn = conn

	c.streamsMu.Lock()
	c.streams[r.ConversationID] = s
	c.streamsMu.Unlock()

	go c.consume(writeCtx, r.ConversationID, s)
	return s, nil
}

// CloseStream closes the conversation's stream and waits for its final
// record. It is a no-op when none is open.
func (c *Coordinator) CloseStream(conversationID string) {
	c.streamsMu.Lock()
	s := c.streams[conversationID]
	c.streamsMu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (c *Coordinator) consume(ctx context.Context, conversationID string, s *Stream) {
	defer c.streamWG.Done()
	defer close(s.settled)

	for ev := range s.conn.Events() {
		s.mu.Lock()
		changed := applyEvent(&s.msg, ev)
		s.mu.Unlock()
		if !changed {
			continue
		}
		if err := c.writeMessage(ctx, s); err != nil {
			c.logger.Warn("write streamed message failed", "message_id", s.MessageID, "error", err)
		}
	}

	s.mu.Lock()
	finalizeMessage(&s.msg, s.conn.Outcome(), s.conn.Partial())
	s.mu.Unlock()
	if err := c.writeMessage(ctx, s); err != nil {
		c.logger.Error("write final message failed", "message_id", s.MessageID, "error", err)
	}

	c.streamsMu.Lock()
	if c.streams[conversationID] == s {
		delete(c.streams, conversationID)
	}
	c.streamsMu.Unlock()

	c.logger.Info("stream settled",
		"conversation_id", conversationID,
		"message_id", s.MessageID,
		"status", s.msg.Status,
		"content_bytes", len(s.msg.Content),
	)
}

// applyEvent folds ev into m and reports whether m should be written now.
// End and error events are written by finalizeMessage.
func applyEvent(m *Message, ev stream.Event) bool {
	switch ev.Kind {
	case stream.KindContent:
		m.Content += ev.Text
		return true
	case stream.KindMetadata:
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(ev.Metadata))
		}
		maps.Copy(m.Metadata, ev.Metadata)
		return true
	case stream.KindProgress:
		m.Progress = ev.Progress
		return true
	case stream.KindError:
		m.Error = ev.Message
		if ev.Code != "" {
			m.Error = ev.Code + ": " + ev.Message
		}
	case stream.KindEnd:
		if final := gjson.GetBytes(ev.Final, "content"); final.Type == gjson.String {
			m.Content = final.String()
		}
		if md := gjson.GetBytes(ev.Final, "metadata"); md.IsObject() {
			var extra map[string]any
			if err := json.Unmarshal([]byte(md.Raw), &extra); err == nil {
				if m.Metadata == nil {
					m.Metadata = make(map[string]any, len(extra))
				}
				maps.Copy(m.Metadata, extra)
			}
		}
	}
	return false
}

// finalizeMessage sets the terminal status from the connection outcome.
// Content accepted by the connection but not yet applied is kept.
func finalizeMessage(m *Message, out stream.Outcome, partial string) {
	if out.Status != stream.Completed && len(partial) > len(m.Content) && strings.HasPrefix(partial, m.Content) {
		m.Content = partial
	}
	switch out.Status {
	case stream.Completed:
		m.Status = MessageComplete
	case stream.Truncated:
		m.Status = MessageTruncated
	case stream.Cancelled:
		m.Status = MessageIncomplete
	default:
		m.Status = MessageError
		if m.Error == "" && out.Err != nil {
			m.Error = out.Err.Error()
		}
	}
}

func (c *Coordinator) writeMessage(ctx context.Context, s *Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg.Version++
	s.msg.UpdatedAt = c.opts.Now().UTC()
	return c.store.Put(ctx, MessagesCollection, s.msg)
}

// failOpen records a stream that never connected.
func (c *Coordinator) failOpen(ctx context.Context, s *Stream, err error) {
	s.msg.Status = MessageError
	s.msg.Error = err.Error()
	if werr := c.writeMessage(ctx, s); werr != nil {
		c.logger.Warn("write failed message", "message_id", s.MessageID, "error", werr)
	}
}
