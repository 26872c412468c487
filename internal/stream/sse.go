package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// SSEDialer streams server-sent events over HTTP. The resume token is sent
// as Last-Event-ID.
type SSEDialer struct {
	Client *http.Client
	Header http.Header
}

// Dial issues the stream request. A 4xx response other than 408 and 429 is a
// *RemoteError; other failures are retried by the connection.
func (d *SSEDialer) Dial(ctx context.Context, req Request, resume string) (FrameReader, error) {
	target, err := requestURL(req)
	if err != nil {
		return nil, err
	}

	method := http.MethodGet
	var body io.Reader
	if len(req.Body) > 0 {
		method = http.MethodPost
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if resume != "" {
		httpReq.Header.Set("Last-Event-ID", resume)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &RemoteError{
				Code:    fmt.Sprintf("http_%d", resp.StatusCode),
				Message: strings.TrimSpace(string(msg)),
			}
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return &sseReader{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

func requestURL(req Request) (string, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type sseReader struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// ReadFrame returns the next dispatched event. Comment lines and events
// without data are skipped. Cancellation is handled by the request context.
func (s *sseReader) ReadFrame(ctx context.Context) (Frame, error) {
	var (
		f    Frame
		data []string
	)
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		line, err := s.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 {
				f = Frame{}
				continue
			}
			f.Data = []byte(strings.Join(data, "\n"))
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Type = value
		case "data":
			data = append(data, value)
		case "id":
			f.ID = value
		}
	}
}

func (s *sseReader) Close() error {
	return s.body.Close()
}
