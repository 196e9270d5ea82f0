// Package client speaks the socket protocol from the other side. It backs the
// end-to-end tests and small tools that need to talk to a running server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/frontbase/frontbase/internal/codec"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/protocol"
)

// ErrClosed is returned once the connection has ended.
var ErrClosed = errors.New("client: connection closed")

const eventBuffer = 256

type options struct {
	token  string
	codec  string
	dialer *gorilla.Dialer
}

type Option func(*options)

// WithToken sends token as the connection's token query parameter.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithCodec requests a subprotocol, "json" or "cbor".
func WithCodec(name string) Option {
	return func(o *options) { o.codec = name }
}

func WithDialer(d *gorilla.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

type Client struct {
	ws    *gorilla.Conn
	codec codec.Codec

	writeMu sync.Mutex
	nextAck atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan protocol.Frame

	events chan protocol.Frame
	done   chan struct{}
	err    error
	once   sync.Once
}

// Dial connects to a server socket endpoint such as ws://host:8600/socket.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	o := options{codec: codec.JSONName, dialer: gorilla.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	if o.token != "" {
		q := u.Query()
		q.Set(constants.TokenParam, o.token)
		u.RawQuery = q.Encode()
	}

	dialer := *o.dialer
	dialer.Subprotocols = []string{o.codec}
	ws, res, err := dialer.DialContext(ctx, u.String(), nil)
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", u.Redacted(), err)
	}

	c := &Client{
		ws:      ws,
		codec:   codec.ForSubprotocol(ws.Subprotocol()),
		pending: make(map[uint64]chan protocol.Frame),
		events:  make(chan protocol.Frame, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Codec returns the codec negotiated during the handshake.
func (c *Client) Codec() codec.Codec {
	return c.codec
}

// Done is closed when the connection ends, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send emits an event without waiting for anything.
func (c *Client) Send(ctx context.Context, event string, args ...any) error {
	return c.write(ctx, protocol.Frame{Event: event, Args: args})
}

// Call emits an event and waits for its acknowledgement, returning the ack arguments.
func (c *Client) Call(ctx context.Context, event string, args ...any) ([]any, error) {
	id := c.nextAck.Add(1)
	ch := make(chan protocol.Frame, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, protocol.Frame{Event: event, Args: args, Ack: id}); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		return f.Args, nil
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next returns the next pushed event.
func (c *Client) Next(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.events:
		return f, nil
	default:
	}
	select {
	case f := <-c.events:
		return f, nil
	case <-c.done:
		// frames read before the close are still delivered
		select {
		case f := <-c.events:
			return f, nil
		default:
			return protocol.Frame{}, c.err
		}
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Expect returns the next pushed event named event. Other events are discarded.
func (c *Client) Expect(ctx context.Context, event string) (protocol.Frame, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return protocol.Frame{}, fmt.Errorf("client: waiting for %q: %w", event, err)
		}
		if f.Event == event {
			return f, nil
		}
	}
}

// Decode converts a generic frame argument into dst by round-tripping it
// through the negotiated codec.
func (c *Client) Decode(arg any, dst any) error {
	data, err := c.codec.Marshal(arg)
	if err != nil {
		return err
	}
	return c.codec.Unmarshal(data, dst)
}

// Close sends a normal close and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.ws.WriteControl(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(constants.CloseMessageCode, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
		c.finish(err)
		return c.ws.Close()
	}
	c.finish(ErrClosed)
	return c.ws.Close()
}

func (c *Client) write(ctx context.Context, f protocol.Frame) error {
	select {
	case <-c.done:
		return c.err
	default:
	}

	data, err := c.codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", f.Event, err)
	}
	messageType := gorilla.TextMessage
	if c.codec.Binary() {
		messageType = gorilla.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				err = ErrClosed
			}
			c.finish(err)
			return
		}

		var f protocol.Frame
		if err := c.codec.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Event == constants.EventAck && f.Ack != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[f.Ack]
			c.pendingMu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
			continue
		}
		select {
		case c.events <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}
