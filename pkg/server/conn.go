package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/frontbase/frontbase/internal/codec"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/protocol"
	"github.com/frontbase/frontbase/pkg/query"
	"github.com/frontbase/frontbase/pkg/registry"
	"github.com/frontbase/frontbase/pkg/session"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long the peer may stay silent before the connection is dropped.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = pongWait * 9 / 10
	// maxMessageSize caps a single incoming frame.
	maxMessageSize = 1 << 20
	// closeGrace bounds the close handshake write.
	closeGrace = time.Second
)

var (
	// errClosedByServer ends the pumps after a requested close was flushed.
	errClosedByServer = errors.New("connection closed by server")
	// errClosedByPeer ends the pumps when the client went away cleanly.
	errClosedByPeer = errors.New("connection closed by peer")
)

// outbound is one entry of the write queue. A closing entry flushes the
// queue and ends the connection.
type outbound struct {
	frame   protocol.Frame
	closing bool
}

// Conn is one websocket client. It implements [session.Peer]: frames are
// queued to a single writer, and query jobs go through a mailbox drained by a
// worker. The mailbox holds at most one job per query id, so it is bounded by
// the connection's registrations and never drops a trigger.
type Conn struct {
	id    string
	ws    *gorilla.Conn
	codec codec.Codec
	log   zerolog.Logger

	send chan outbound
	done chan struct{}

	jobsMu  sync.Mutex
	pending map[string]registry.Job
	order   []string
	wake    chan struct{}

	closing  atomic.Bool
	stopOnce sync.Once
}

func newConn(id string, ws *gorilla.Conn, c codec.Codec, mailbox int, log zerolog.Logger) *Conn {
	return &Conn{
		id:    id,
		ws:    ws,
		codec: c,
		log:   log,
		send:    make(chan outbound, mailbox),
		done:    make(chan struct{}),
		pending: make(map[string]registry.Job),
		wake:    make(chan struct{}, 1),
	}
}

var _ session.Peer = (*Conn)(nil)

func (c *Conn) ID() string {
	return c.id
}

// Live reports whether results may still be delivered.
func (c *Conn) Live() bool {
	select {
	case <-c.done:
		return false
	default:
		return !c.closing.Load()
	}
}

func (c *Conn) Emit(event string, args ...any) error {
	return c.push(protocol.Frame{Event: event, Args: args})
}

func (c *Conn) Ack(id uint64, args ...any) error {
	if id == 0 {
		return nil
	}
	return c.push(protocol.Frame{Event: constants.EventAck, Args: args, Ack: id})
}

// Enqueue hands a job to the worker without blocking. A job for a query that
// is already waiting is merged into it: the run that follows reads the latest
// data either way. It reports false only when the connection is going away.
func (c *Conn) Enqueue(job registry.Job) bool {
	if !c.Live() {
		return false
	}
	c.jobsMu.Lock()
	if _, queued := c.pending[job.QueryID]; !queued {
		c.order = append(c.order, job.QueryID)
	}
	c.pending[job.QueryID] = job
	c.jobsMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// nextJob pops the oldest waiting job.
func (c *Conn) nextJob() (registry.Job, bool) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	if len(c.order) == 0 {
		return registry.Job{}, false
	}
	id := c.order[0]
	c.order = c.order[1:]
	job := c.pending[id]
	delete(c.pending, id)
	return job, true
}


// Close asks the writer to flush what has been emitted so far and then close
// the connection. Later emits fail with ErrConnectionClosed.
func (c *Conn) Close() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	select {
	case c.send <- outbound{closing: true}:
	case <-c.done:
	}
}

func (c *Conn) push(f protocol.Frame) error {
	if c.closing.Load() {
		return constants.ErrConnectionClosed
	}
	select {
	case c.send <- outbound{frame: f}:
		return nil
	case <-c.done:
		return constants.ErrConnectionClosed
	}
}

// stop releases the socket. Blocked reads and pushes return.
func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// serve runs the connection until it ends. The session is opened once the
// writer is running, so signals emitted by Open go out immediately.
func (c *Conn) serve(ctx context.Context, gate *session.Gate, exec *query.Executor, token string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.writePump(ctx) })
	sess := gate.Open(ctx, c, token)
	defer sess.Close()

	g.Go(func() error { return c.readPump(ctx, sess) })
	g.Go(func() error { return c.jobPump(ctx, exec) })
	g.Go(func() error {
		<-ctx.Done()
		c.stop()
		return nil
	})

	err := g.Wait()
	c.stop()
	c.drain()
	if errors.Is(err, errClosedByServer) || errors.Is(err, errClosedByPeer) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain drops whatever is still queued.
func (c *Conn) drain() {
	c.jobsMu.Lock()
	clear(c.pending)
	c.order = nil
	c.jobsMu.Unlock()
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func (c *Conn) readPump(ctx context.Context, sess *session.Session) error {
	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				return errClosedByPeer
			}
			select {
			case <-c.done:
				return errClosedByServer
			default:
			}
			return err
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}

		var frame protocol.Frame
		if err := c.codec.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.log.Debug().Str("event", frame.Event).Uint64("ack", frame.Ack).Msg("frame received")
		sess.Handle(ctx, frame)
	}
}

func (c *Conn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeClose(gorilla.CloseGoingAway)
			return ctx.Err()
		case out := <-c.send:
			if out.closing {
				c.writeClose(constants.CloseMessageCode)
				return errClosedByServer
			}
			if err := c.write(out.frame); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(gorilla.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(f protocol.Frame) error {
	data, err := c.codec.Marshal(f)
	if err != nil {
		// an unencodable payload is the server's bug, not the connection's
		c.log.Error().Err(err).Str("event", f.Event).Msg("encode frame")
		return nil
	}
	messageType := gorilla.TextMessage
	if c.codec.Binary() {
		messageType = gorilla.BinaryMessage
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) writeClose(code int) {
	msg := gorilla.FormatCloseMessage(code, "")
	if err := c.ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
		c.log.Debug().Err(err).Msg("write close message")
	}
}

// jobPump executes queued jobs one at a time and pushes their results. A job
// whose connection went away in the meantime is dropped without a push.
func (c *Conn) jobPump(ctx context.Context, exec *query.Executor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
		for ctx.Err() == nil {
			job, ok := c.nextJob()
			if !ok {
				break
			}
			c.run(ctx, exec, job)
		}
	}
}

func (c *Conn) run(ctx context.Context, exec *query.Executor, job registry.Job) {
	if !c.Live() {
		return
	}
	res := exec.Execute(ctx, job)
	if !c.Live() {
		c.log.Debug().Str("query_id", job.QueryID).Msg("connection gone, dropping result")
		return
	}
	if err := c.Emit(protocol.ReceiveEvent(job.QueryID), res); err != nil {
		c.log.Debug().Err(err).Str("query_id", job.QueryID).Msg("push result")
	}
}
