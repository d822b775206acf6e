// Package tlsprover is a single-party proving engine.
//
// It terminates TLS to the target itself, commits to both plaintext
// directions with blake3, and asks the notary to sign those commitments over
// the control channel. There is no MPC: the notary attests to what the prover
// reports. It exists so the collector can run end to end against a notary
// that speaks the control protocol in package prover.
package tlsprover

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/tdnctl/internal/prover"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyConnected = errors.New("tlsprover: prover already connected")
	ErrAlreadyRunning   = errors.New("tlsprover: prover already running")
	ErrSessionFinished  = errors.New("tlsprover: session already finished")
	ErrMissingProof     = errors.New("tlsprover: notary returned no proof")
	ErrProofMismatch    = errors.New("tlsprover: notary signed a different commitment")
)

const pumpBufferSize = 16 << 10

type Engine struct {
	now func() time.Time
}

var _ prover.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{now: time.Now}
}

func (e *Engine) Setup(ctx context.Context, cfg prover.Config, notary net.Conn) (prover.Setup, error) {
	ch := prover.NewChannel(notary)
	release := bindDeadline(ctx, notary)
	defer release()

	if err := ch.Send(prover.KindSetup, prover.SetupRequest{
		SessionID:   cfg.ID,
		ServerName:  cfg.ServerName,
		MaxSentData: cfg.MaxSentData,
		MaxRecvData: cfg.MaxRecvData,
	}); err != nil {
		return nil, err
	}
	var ack prover.Ack
	if err := ch.Expect(prover.KindSetupAck, &ack); err != nil {
		return nil, err
	}
	if err := ack.Err(); err != nil {
		return nil, err
	}
	log.Debug().Str("session_id", cfg.ID).Str("server", cfg.ServerName).Msg("tlsprover: setup acknowledged")
	return &setup{engine: e, cfg: cfg, ch: ch, notary: notary}, nil
}

type setup struct {
	engine    *Engine
	cfg       prover.Config
	ch        *prover.Channel
	notary    net.Conn
	connected atomic.Bool
}

func (s *setup) Connect(ctx context.Context, server net.Conn) (net.Conn, prover.Future, error) {
	if !s.connected.CompareAndSwap(false, true) {
		return nil, nil, ErrAlreadyConnected
	}
	tlsConn := tls.Client(server, &tls.Config{
		ServerName: s.cfg.ServerName,
		RootCAs:    s.cfg.RootCAs,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("tlsprover: tls handshake with %s: %w", s.cfg.ServerName, err)
	}

	app, inner := net.Pipe()
	f := &future{
		setup:   s,
		tls:     tlsConn,
		inner:   inner,
		sent:    newTranscript("sent", s.cfg.MaxSentData),
		recv:    newTranscript("recv", s.cfg.MaxRecvData),
		started: s.engine.now(),
	}
	return app, f, nil
}

type future struct {
	setup *setup
	tls   *tls.Conn
	inner net.Conn

	sent *transcript
	recv *transcript

	started  time.Time
	deferred atomic.Bool
	running  atomic.Bool
	finished atomic.Bool
}

func (f *future) Control() prover.Control {
	return control{f: f}
}

type control struct {
	f *future
}

func (c control) DeferDecryption(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.f.finished.Load() {
		return ErrSessionFinished
	}
	c.f.deferred.Store(true)
	return nil
}

type direction int

const (
	upstream direction = iota
	downstream
)

type pumpResult struct {
	dir direction
	err error
}

// Run moves bytes between the application stream and the server until the
// server ends the session, then returns the completed prover.
func (f *future) Run(ctx context.Context) (prover.Completed, error) {
	if !f.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	stop := context.AfterFunc(ctx, func() {
		_ = f.tls.Close()
		_ = f.inner.Close()
	})
	defer stop()

	results := make(chan pumpResult, 2)
	go func() { results <- pumpResult{dir: upstream, err: f.pumpUp()} }()
	go func() { results <- pumpResult{dir: downstream, err: f.pumpDown()} }()

	var firstErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			_ = f.tls.Close()
			_ = f.inner.Close()
			continue
		}
		switch r.dir {
		case downstream:
			// Server is done; the application sees EOF.
			_ = f.inner.Close()
		case upstream:
			_ = f.tls.CloseWrite()
		}
	}
	_ = f.tls.Close()
	f.finished.Store(true)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tlsprover: %w", err)
	}
	if firstErr != nil {
		return nil, firstErr
	}

	result := prover.CollectionResult{
		SessionID:          f.setup.cfg.ID,
		ServerName:         f.setup.cfg.ServerName,
		Sent:               f.sent.commit(),
		Received:           f.recv.commit(),
		DeferredDecryption: f.deferred.Load(),
		StartedAt:          f.started,
		CompletedAt:        f.setup.engine.now(),
	}
	return &completed{setup: f.setup, result: result}, nil
}

func (f *future) pumpUp() error {
	buf := make([]byte, pumpBufferSize)
	for {
		n, err := f.inner.Read(buf)
		if n > 0 {
			if rerr := f.sent.record(buf[:n], false); rerr != nil {
				return rerr
			}
			if _, werr := f.tls.Write(buf[:n]); werr != nil {
				return fmt.Errorf("tlsprover: write to server: %w", werr)
			}
		}
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("tlsprover: read application: %w", err)
		}
	}
}

func (f *future) pumpDown() error {
	buf := make([]byte, pumpBufferSize)
	for {
		n, err := f.tls.Read(buf)
		if n > 0 {
			if rerr := f.recv.record(buf[:n], f.deferred.Load()); rerr != nil {
				return rerr
			}
			if _, werr := f.inner.Write(buf[:n]); werr != nil && !isClosed(werr) {
				return fmt.Errorf("tlsprover: write to application: %w", werr)
			}
		}
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("tlsprover: read from server: %w", err)
		}
	}
}

type completed struct {
	setup  *setup
	result prover.CollectionResult
}

func (c *completed) TakeCollectionResult() prover.CollectionResult {
	return c.result
}

func (c *completed) StartNotarize() prover.Notarizer {
	return &notarizer{setup: c.setup, result: c.result}
}

type notarizer struct {
	setup  *setup
	result prover.CollectionResult
}

// Notarize asks the notary to sign the session commitments and closes the
// notary connection afterwards.
func (n *notarizer) Notarize(ctx context.Context, commitmentPwdProof, pubKeyConsumer []byte) (prover.SignedProof, error) {
	defer n.setup.notary.Close()
	release := bindDeadline(ctx, n.setup.notary)
	defer release()

	req := prover.NotarizeRequest{
		SessionID:          n.result.SessionID,
		Sent:               n.result.Sent,
		Received:           n.result.Received,
		CommitmentPwdProof: commitmentPwdProof,
		PubKeyConsumer:     pubKeyConsumer,
	}
	commitment, err := req.Commitment()
	if err != nil {
		return prover.SignedProof{}, fmt.Errorf("tlsprover: commitment: %w", err)
	}
	if err := n.setup.ch.Send(prover.KindNotarize, req); err != nil {
		return prover.SignedProof{}, err
	}
	var ack prover.NotarizeAck
	if err := n.setup.ch.Expect(prover.KindNotarizeAck, &ack); err != nil {
		return prover.SignedProof{}, err
	}
	if err := ack.Ack.Err(); err != nil {
		return prover.SignedProof{}, err
	}
	if ack.Proof == nil {
		return prover.SignedProof{}, ErrMissingProof
	}
	proof := *ack.Proof
	if string(proof.Commitment) != string(commitment) {
		return prover.SignedProof{}, ErrProofMismatch
	}
	if err := proof.Verify(proof.NotaryKey); err != nil {
		return prover.SignedProof{}, err
	}
	return proof, nil
}

// bindDeadline interrupts I/O on conn once ctx ends.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
