package stream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketDialer streams JSON text messages over a websocket. Each message
// carries its own "type" and optional "seq"; the resume token is sent as
// the last_event_id query parameter.
type WebSocketDialer struct {
	Header    http.Header
	ReadLimit int64
}

func (d *WebSocketDialer) Dial(ctx context.Context, req Request, resume string) (FrameReader, error) {
	if resume != "" {
		params := make(map[string]string, len(req.Params)+1)
		for k, v := range req.Params {
			params[k] = v
		}
		params["last_event_id"] = resume
		req.Params = params
	}
	target, err := requestURL(req)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, vs := range d.Header {
		header[k] = append(header[k], vs...)
	}
	for k, vs := range req.Header {
		header[k] = append(header[k], vs...)
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &RemoteError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: err.Error()}
		}
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	if len(req.Body) > 0 {
		if err := conn.Write(ctx, websocket.MessageText, req.Body); err != nil {
			conn.Close(websocket.StatusInternalError, "request failed")
			return nil, fmt.Errorf("send request: %w", err)
		}
	}
	return &wsReader{conn: conn}, nil
}

type wsReader struct {
	conn *websocket.Conn
}

func (w *wsReader) ReadFrame(ctx context.Context) (Frame, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Data: data}, nil
}

func (w *wsReader) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
