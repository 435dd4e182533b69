package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/segun-io/ada/internal/apperr"
)

// Client is a minimal daemon client speaking the line-delimited JSON
// protocol: one Request at a time, correlated by a generated uuid, with
// every Event the daemon pushes in between delivered on Events.
//
// The daemon itself never dials; this lives here so the protocol's two
// halves stay in one package and every test (and companion tool) exercises
// the same framing the GUI does.
type Client struct {
	conn net.Conn

	mu      sync.Mutex
	pending map[string]chan Response

	events chan Event
	closed chan struct{}
}

// Dial connects to a daemon's IPC port on loopback.
func Dial(port int) (*Client, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
		events:  make(chan Event, BusBufferHint),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// BusBufferHint sizes the client-side event buffer to match the daemon's
// bus capacity so a test subscriber doesn't drop what the daemon didn't.
const BusBufferHint = 4096

// Events is the stream of daemon-pushed events for this connection.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close tears the connection down; any in-flight Request returns an error.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.closed)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case MessageResponse:
			if msg.Response == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- *msg.Response
			}
		case MessageEvent:
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
			}
		}
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Request sends req and blocks until its Response arrives or timeout
// elapses. An error-kind response is returned as a Go error carrying the
// daemon's message.
func (c *Client) Request(req Request, timeout time.Duration) (Response, error) {
	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	msg := Message{Type: MessageRequest, ID: id, Request: &req}
	data, err := json.Marshal(msg)
	if err != nil {
		return Response{}, apperr.New(apperr.KindSerializationError, err.Error())
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, apperr.IO(err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, apperr.IO(fmt.Errorf("connection closed awaiting response"))
		}
		if resp.Type == RespError {
			return resp, apperr.New(apperr.KindTerminalError, resp.Message)
		}
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Response{}, apperr.IO(fmt.Errorf("request %s timed out", req.Type))
	}
}
