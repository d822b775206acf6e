// Package httpconn drives one HTTP/1.1 client connection over an arbitrary
// byte stream.
//
// Handshake splits the connection into a Sender, used by the foreground to
// issue requests, and a Connection whose Run loop owns the stream. Run is
// meant to be spawned on its own goroutine; it hands the stream back in Parts
// once the sender is closed or the server ends the exchange, so the caller can
// shut the stream down itself.
package httpconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
)

var (
	ErrNilConn           = errors.New("httpconn: nil connection")
	ErrSenderClosed      = errors.New("httpconn: sender closed")
	ErrConnectionClosed  = errors.New("httpconn: connection closed")
	ErrIncompleteBody    = errors.New("httpconn: response body closed before EOF")
	ErrConnectionStarted = errors.New("httpconn: connection already running")
)

// Parts is what remains of a connection after Run returns.
type Parts struct {
	Conn net.Conn
	// Read holds bytes already buffered past the last response.
	Read []byte
}

type call struct {
	req   *Request
	reply chan callResult
}

type callResult struct {
	resp *http.Response
	err  error
}

// Sender issues requests to the Connection it was created with.
type Sender struct {
	calls     chan<- *call
	closed    chan struct{}
	closeOnce sync.Once
	done      <-chan struct{}
}

// Connection owns the stream while Run is active.
type Connection struct {
	conn    net.Conn
	br      *bufio.Reader
	calls   <-chan *call
	closed  <-chan struct{}
	done    chan struct{}
	started bool
	mu      sync.Mutex
}

func Handshake(conn net.Conn) (*Sender, *Connection, error) {
	if conn == nil {
		return nil, nil, ErrNilConn
	}
	calls := make(chan *call)
	closed := make(chan struct{})
	done := make(chan struct{})
	s := &Sender{calls: calls, closed: closed, done: done}
	c := &Connection{
		conn:   conn,
		br:     bufio.NewReader(conn),
		calls:  calls,
		closed: closed,
		done:   done,
	}
	return s, c, nil
}

// SendRequest writes req and waits for the response head. The body must be
// read to EOF before the connection accepts another request.
func (s *Sender) SendRequest(ctx context.Context, req *Request) (*http.Response, error) {
	select {
	case <-s.closed:
		return nil, ErrSenderClosed
	default:
	}
	c := &call{req: req, reply: make(chan callResult, 1)}
	select {
	case s.calls <- c:
	case <-s.closed:
		return nil, ErrSenderClosed
	case <-s.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-c.reply:
		return res.resp, res.err
	case <-s.done:
		// Run may have replied and exited in the same step.
		select {
		case res := <-c.reply:
			return res.resp, res.err
		default:
			return nil, ErrConnectionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tells the connection no further requests will be sent.
func (s *Sender) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Run serves requests until the sender closes, the server closes the
// exchange, or an I/O error occurs. The stream is returned in Parts in every
// case so the caller remains responsible for closing it.
func (c *Connection) Run(ctx context.Context) (Parts, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return Parts{}, ErrConnectionStarted
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return c.parts(), ctx.Err()
		case <-c.closed:
			return c.parts(), nil
		case cl := <-c.calls:
			keepGoing, err := c.serve(ctx, cl)
			if err != nil {
				return c.parts(), err
			}
			if !keepGoing {
				return c.parts(), nil
			}
		}
	}
}

func (c *Connection) serve(ctx context.Context, cl *call) (bool, error) {
	if err := cl.req.Write(c.conn); err != nil {
		err = fmt.Errorf("httpconn: write request: %w", err)
		cl.reply <- callResult{err: err}
		return false, err
	}
	resp, err := http.ReadResponse(c.br, &http.Request{Method: cl.req.Method, URL: cl.req.URL})
	if err != nil {
		err = fmt.Errorf("httpconn: read response: %w", err)
		cl.reply <- callResult{err: err}
		return false, err
	}

	bodyDone := make(chan error, 1)
	resp.Body = &trackedBody{rc: resp.Body, done: bodyDone}
	cl.reply <- callResult{resp: resp}

	select {
	case err := <-bodyDone:
		if err != nil {
			return false, err
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return !(resp.Close || cl.req.WantsClose()), nil
}

func (c *Connection) parts() Parts {
	p := Parts{Conn: c.conn}
	if n := c.br.Buffered(); n > 0 {
		buf, _ := c.br.Peek(n)
		p.Read = append([]byte(nil), buf...)
	}
	return p
}

// trackedBody reports to the connection loop once the body is drained.
type trackedBody struct {
	rc       io.ReadCloser
	done     chan<- error
	once     sync.Once
	finished bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil {
		b.finished = true
		if errors.Is(err, io.EOF) {
			b.signal(nil)
		} else {
			b.signal(fmt.Errorf("httpconn: read body: %w", err))
		}
	}
	return n, err
}

func (b *trackedBody) Close() error {
	err := b.rc.Close()
	if !b.finished {
		b.signal(ErrIncompleteBody)
	}
	return err
}

func (b *trackedBody) signal(err error) {
	b.once.Do(func() { b.done <- err })
}
