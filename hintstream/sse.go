package hintstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var ErrUnexpectedResponse = errors.New("unexpected event stream response")

// SSETransport reads the hint stream as server-sent events.
type SSETransport struct {
	url    string
	client *http.Client
}

// NewSSETransport creates a transport for the stream at url. The client must not have a timeout,
// a connection lives until it breaks.
func NewSSETransport(url string, client *http.Client) *SSETransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &SSETransport{url: url, client: client}
}

func (t *SSETransport) Connect(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedResponse, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: content type %q", ErrUnexpectedResponse, ct)
	}
	return newSSEConn(resp.Body), nil
}

type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newSSEConn(body io.ReadCloser) *sseConn {
	return &sseConn{body: body, reader: bufio.NewReader(body)}
}

// Next returns the next dispatched event. Comment lines are returned as keep-alives.
// Reads are unblocked by cancelling the context the connection was opened with.
func (c *sseConn) Next(ctx context.Context) (Message, error) {
	var (
		msg     Message
		data    bytes.Buffer
		hasData bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Message{}, ErrConnectionClosed
			}
			return Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				// event without data, nothing to dispatch
				msg = Message{}
				continue
			}
			msg.Data = data.Bytes()
			return msg, nil
		}
		if line[0] == ':' {
			// a comment between fields of an event does not end it
			if !hasData && msg.ID == "" && msg.Event == "" {
				return Message{}, nil
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			msg.ID = value
		case "event":
			msg.Event = value
		}
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
