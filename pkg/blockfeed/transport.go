package blockfeed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Transport selects how the feed talks to the relay.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// ParseTransport maps a config string to a Transport, defaulting to websocket.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ws", "websocket":
		return TransportWebSocket, nil
	case "sse", "eventsource":
		return TransportSSE, nil
	default:
		return "", fmt.Errorf("unknown relay transport %q", s)
	}
}

// Stream yields raw relay messages. Close unblocks a pending Next.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Opener opens a stream to the relay.
type Opener func(ctx context.Context, rawURL string) (Stream, error)

// WebSocketOpener dials the relay with d. http(s) URLs are rewritten to ws(s).
func WebSocketOpener(d *websocket.Dialer, header http.Header) Opener {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return func(ctx context.Context, rawURL string) (Stream, error) {
		u, err := wsURL(rawURL)
		if err != nil {
			return nil, err
		}
		conn, resp, err := d.DialContext(ctx, u, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", u, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", u, err)
		}
		return &wsStream{conn: conn}, nil
	}
}

func wsURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error { return s.conn.Close() }

// SSEOpener issues a GET with Accept: text/event-stream using client.
func SSEOpener(client *http.Client, header http.Header) Opener {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context, rawURL string) (Stream, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build sse request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sse request %s: %w", rawURL, err)
		}
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("sse request %s: unexpected status %d", rawURL, resp.StatusCode)
		}
		return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
	}
}

// ErrStreamClosed is returned by Next once the relay ends the stream.
var ErrStreamClosed = errors.New("stream closed by relay")

type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

// Next returns the data of the next event. Multi-line data fields are joined with
// newlines; comments and other fields are skipped.
func (s *sseStream) Next() ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if hasData {
				return data.Bytes(), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if hasData {
			data.WriteByte('\n')
		}
		data.Write(value)
		hasData = true
	}
}

func (s *sseStream) Close() error { return s.body.Close() }
