package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrConnClosed is returned for calls against a closed connection.
var ErrConnClosed = errors.New("plugin connection closed")

// NotifyHandler receives server-initiated notifications from the plugin.
type NotifyHandler func(method string, params json.RawMessage)

// Conn is one framed JSON-RPC connection to a plugin. A background reader
// dispatches responses to pending calls and notifications to the handler.
type Conn struct {
	w      io.Writer
	handle NotifyHandler
	log    *slog.Logger

	mu      sync.Mutex
	pending map[int64]chan envelope
	nextID  int64
	closed  bool

	done chan struct{}
}

// NewConn starts a connection over the given reader/writer pair and launches
// the read loop.
func NewConn(r io.Reader, w io.Writer, handle NotifyHandler, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		w:       w,
		handle:  handle,
		log:     log,
		pending: make(map[int64]chan envelope),
		nextID:  1,
		done:    make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

// Done is closed when the read loop exits (EOF or transport error).
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readLoop(r *bufio.Reader) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		msg, err := ReadMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("plugin: read loop ended", "err", err)
			}
			return
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			// Response to one of our calls.
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			} else {
				c.log.Warn("plugin: response for unknown id", "id", *msg.ID)
			}
		case msg.Method != "":
			if c.handle != nil {
				c.handle(msg.Method, msg.Params)
			}
		}
	}
}

// Call sends a request and decodes the response into result (which may be
// nil). The call honors ctx cancellation and deadlines.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	id := c.nextID
	c.nextID++
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	err = WriteMessage(c.w, envelope{ID: &id, Method: method, Params: raw})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("plugin: write %s: %w", method, err)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrConnClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("plugin: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return WriteMessage(c.w, envelope{Method: method, Params: raw})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("plugin: marshal params: %w", err)
	}
	return raw, nil
}
