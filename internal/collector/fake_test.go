package collector

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/tdnctl/internal/prover"
)

// fakeEngine serves HTTP directly on the application stream and completes
// the prover immediately, before the HTTP exchange has finished.
type fakeEngine struct {
	status int
	body   string

	deferErr    error
	runErr      error
	runPanic    bool
	blockRun    bool
	ignoreCtx   chan struct{}
	notarizeErr error

	mu        sync.Mutex
	cfg       prover.Config
	requests  []*http.Request
	notarized [][2][]byte
}

func (e *fakeEngine) Setup(ctx context.Context, cfg prover.Config, notary net.Conn) (prover.Setup, error) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return &fakeSetup{e: e}, nil
}

func (e *fakeEngine) config() prover.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *fakeEngine) lastRequest() *http.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) == 0 {
		return nil
	}
	return e.requests[len(e.requests)-1]
}

type fakeSetup struct {
	e *fakeEngine
}

func (s *fakeSetup) Connect(ctx context.Context, server net.Conn) (net.Conn, prover.Future, error) {
	app, srv := net.Pipe()
	go s.e.serve(srv)
	return app, &fakeFuture{e: s.e}, nil
}

func (e *fakeEngine) serve(conn net.Conn) {
	defer conn.Close()
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, req.Body)
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	status := e.status
	if status == 0 {
		status = http.StatusOK
	}
	resp := &http.Response{
		StatusCode:    status,
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"application/json"}},
		ContentLength: int64(len(e.body)),
		Body:          io.NopCloser(strings.NewReader(e.body)),
		Close:         true,
	}
	_ = resp.Write(conn)
}

type fakeFuture struct {
	e *fakeEngine
}

func (f *fakeFuture) Control() prover.Control {
	return fakeControl{e: f.e}
}

func (f *fakeFuture) Run(ctx context.Context) (prover.Completed, error) {
	switch {
	case f.e.runPanic:
		panic("prover exploded")
	case f.e.ignoreCtx != nil:
		<-f.e.ignoreCtx
		return nil, errors.New("released")
	case f.e.blockRun:
		<-ctx.Done()
		return nil, ctx.Err()
	case f.e.runErr != nil:
		return nil, f.e.runErr
	}
	cfg := f.e.config()
	return &fakeCompleted{e: f.e, result: prover.CollectionResult{
		SessionID:  cfg.ID,
		ServerName: cfg.ServerName,
		Sent:       prover.TranscriptCommitment{Length: 1, Digest: "00"},
		Received:   prover.TranscriptCommitment{Length: 2, Digest: "11"},
	}}, nil
}

type fakeControl struct {
	e *fakeEngine
}

func (c fakeControl) DeferDecryption(ctx context.Context) error {
	return c.e.deferErr
}

type fakeCompleted struct {
	e      *fakeEngine
	result prover.CollectionResult
}

func (c *fakeCompleted) TakeCollectionResult() prover.CollectionResult {
	return c.result
}

func (c *fakeCompleted) StartNotarize() prover.Notarizer {
	return c
}

func (c *fakeCompleted) Notarize(ctx context.Context, commitmentPwdProof, pubKeyConsumer []byte) (prover.SignedProof, error) {
	c.e.mu.Lock()
	c.e.notarized = append(c.e.notarized, [2][]byte{commitmentPwdProof, pubKeyConsumer})
	c.e.mu.Unlock()
	if c.e.notarizeErr != nil {
		return prover.SignedProof{}, c.e.notarizeErr
	}
	return prover.SignedProof{SessionID: c.result.SessionID, Commitment: []byte("commitment")}, nil
}

// pipeDialer hands out in-memory streams and records the URLs asked for.
type pipeDialer struct {
	mu   sync.Mutex
	urls []string
	fail map[string]error
}

func (d *pipeDialer) dial(ctx context.Context, rawURL string) (net.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	err := d.fail[rawURL]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	a, b := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, b) }()
	return a, nil
}

func (d *pipeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}
