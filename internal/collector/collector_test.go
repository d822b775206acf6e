package collector

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/tdnctl/internal/httpconn"
	"github.com/danmuck/tdnctl/internal/task"
	"github.com/danmuck/tdnctl/internal/testutil/notarytest"
	"github.com/danmuck/tdnctl/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

const (
	proofB64 = "dGVzdA=="
	keyB64   = "a2V5Pz4+"
)

type fakeRun struct {
	notary *notarytest.Notary
	engine *fakeEngine
	dialer *pipeDialer
	phases []Phase
	c      *Collector
	opts   RequestOptions
}

func newFakeRun(t *testing.T, engine *fakeEngine) *fakeRun {
	t.Helper()
	f := &fakeRun{
		notary: notarytest.New(t, notarytest.Options{SessionID: "abc123"}),
		engine: engine,
		dialer: &pipeDialer{},
	}
	f.c = New(Config{
		Engine:       engine,
		Dial:         f.dialer.dial,
		OnPhase:      func(p Phase) { f.phases = append(f.phases, p) },
		AbandonGrace: 200 * time.Millisecond,
	})
	f.opts = RequestOptions{
		NotaryURL:         f.notary.URL(),
		WebsocketProxyURL: "ws://proxy.invalid/?token=target.test",
		Method:            "POST",
		Headers: []httpconn.HeaderField{
			{Name: "Accept", Value: "application/json"},
			{Name: "X-Trace", Value: "one"},
			{Name: "X-Trace", Value: "two"},
		},
		Body: []byte(`{"q":1}`),
	}
	return f
}

func (f *fakeRun) run(t *testing.T) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	target, _ := url.Parse("https://target.test/api")
	return f.c.Run(ctx, target.String(), f.opts.WithHostDefaults(target), proofB64, keyB64)
}

func TestRunReportsEveryPhaseInOrder(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{body: `{"b":2,"a":"<x>"}`})
	out, err := f.run(t)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := Phases()
	if len(f.phases) != len(want) {
		t.Fatalf("phases = %v, want %v", f.phases, want)
	}
	for i := range want {
		if f.phases[i] != want[i] {
			t.Fatalf("phase[%d] = %s, want %s", i, f.phases[i], want[i])
		}
	}
	if out.Response != "{\n  \"a\": \"<x>\",\n  \"b\": 2\n}" {
		t.Fatalf("unexpected pretty response:\n%s", out.Response)
	}
	if out.RunID == "" || out.Session.ID != "abc123" {
		t.Fatalf("unexpected outcome identity: %+v", out)
	}
}

func TestRunCarriesSessionIDIntoNotaryURL(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{body: `{}`})
	if _, err := f.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	urls := f.dialer.dialed()
	if len(urls) != 2 {
		t.Fatalf("expected notary and proxy dials, got %v", urls)
	}
	u, err := url.Parse(urls[0])
	if err != nil {
		t.Fatalf("parse notary url: %v", err)
	}
	if u.Scheme != "ws" || u.Path != "/tdn-collect" || u.Query().Get("sessionId") != "abc123" {
		t.Fatalf("unexpected notary url %s", urls[0])
	}
	if urls[1] != f.opts.WebsocketProxyURL {
		t.Fatalf("unexpected proxy url %s", urls[1])
	}
	if cfg := f.engine.config(); cfg.ID != "abc123" || cfg.ServerName != "target.test" {
		t.Fatalf("prover config not built from session: %+v", cfg)
	}
}

func TestRunReencodesProofsAndNotarizesDecodedBytes(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{body: `{}`})
	if _, err := f.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	u, _ := url.Parse(f.dialer.dialed()[0])
	q := u.Query()
	proof, err := base64.URLEncoding.DecodeString(q.Get("commitmentPwdProofBase64"))
	if err != nil || string(proof) != "test" {
		t.Fatalf("commitment proof did not round trip: %q %v", proof, err)
	}
	if got := q.Get("pubKeyConsumerBase64"); got != "a2V5Pz4-" {
		t.Fatalf("consumer key not URL-safe: %q", got)
	}
	if len(f.engine.notarized) != 1 {
		t.Fatalf("expected one notarization, got %d", len(f.engine.notarized))
	}
	if got := f.engine.notarized[0]; string(got[0]) != "test" || string(got[1]) != "key?>>" {
		t.Fatalf("notarize got %q %q", got[0], got[1])
	}
}

func TestRunSendsHeadersInOrderWithDuplicates(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{body: `{}`})
	if _, err := f.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	req := f.engine.lastRequest()
	if req == nil {
		t.Fatalf("target saw no request")
	}
	if got := req.Header.Values("X-Trace"); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("duplicate headers not preserved: %v", got)
	}
	if req.Host != "target.test" || !req.Close {
		t.Fatalf("host defaults missing: host=%q close=%v", req.Host, req.Close)
	}
	if req.ContentLength != int64(len(`{"q":1}`)) || len(req.TransferEncoding) != 0 {
		t.Fatalf("unexpected framing: length=%d te=%v", req.ContentLength, req.TransferEncoding)
	}
}

func TestRunFailsOnNonOKStatus(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{status: 404, body: `{"error":"missing"}`})
	out, err := f.run(t)
	if err == nil {
		t.Fatalf("expected failure for 404")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 404 {
		t.Fatalf("expected StatusError 404, got %v", err)
	}
	if !strings.Contains(err.Error(), "Response status is not OK") {
		t.Fatalf("unexpected message %q", err)
	}
	if out.ResultJSON != "" {
		t.Fatalf("failed run returned a capture result")
	}
	if last := f.phases[len(f.phases)-1]; last != PhaseReceivedResponse {
		t.Fatalf("run continued past the status check: last phase %s", last)
	}
}

func TestRunFailsOnUnparseableBody(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{body: `<html>`})
	if _, err := f.run(t); err == nil || !strings.HasPrefix(err.Error(), "Could not parse response") {
		t.Fatalf("expected parse failure, got %v", err)
	}
}

func TestRunFailsOnOversizedBody(t *testing.T) {
	testlog.Start(t)
	// The first 8 bytes alone would parse as JSON.
	f := newFakeRun(t, &fakeEngine{body: `{"a":1}        `})
	f.c = New(Config{
		Engine:          f.engine,
		Dial:            f.dialer.dial,
		AbandonGrace:    200 * time.Millisecond,
		MaxResponseBody: 8,
	})
	_, err := f.run(t)
	if !errors.Is(err, ErrResponseTooLarge) || !strings.HasPrefix(err.Error(), "Could not get response body") {
		t.Fatalf("expected oversized body error, got %v", err)
	}
}

func TestRunFailsWhenDeferredDecryptionRefused(t *testing.T) {
	testlog.Start(t)
	refused := errors.New("mpc backend refused")
	f := newFakeRun(t, &fakeEngine{body: `{}`, deferErr: refused, blockRun: true})
	start := time.Now()
	_, err := f.run(t)
	if !errors.Is(err, refused) || !strings.HasPrefix(err.Error(), "failed to enable deferred decryption") {
		t.Fatalf("unexpected error %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("abandoned prover task was not cancelled")
	}
}

func TestRunSurfacesProverFailureAtFinalizer(t *testing.T) {
	testlog.Start(t)
	broken := errors.New("transcript mismatch")
	f := newFakeRun(t, &fakeEngine{body: `{}`, runErr: broken})
	_, err := f.run(t)
	if !errors.Is(err, broken) || !strings.HasPrefix(err.Error(), "Could not get Prover") {
		t.Fatalf("unexpected error %v", err)
	}
	if last := f.phases[len(f.phases)-1]; last != PhaseTakeTlsResults {
		t.Fatalf("prover failure surfaced at %s", last)
	}
}

func TestRunSurfacesProverPanic(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{body: `{}`, runPanic: true})
	if _, err := f.run(t); !errors.Is(err, task.ErrPanicked) {
		t.Fatalf("expected ErrPanicked, got %v", err)
	}
}

func TestRunReportsNotarizeFailure(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{body: `{}`, notarizeErr: errors.New("notary offline")})
	if _, err := f.run(t); err == nil || !strings.HasPrefix(err.Error(), "Could not notarize") {
		t.Fatalf("expected notarize failure, got %v", err)
	}
}

func TestRunStopsWaitingForLeakedTask(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	defer close(release)
	f := newFakeRun(t, &fakeEngine{body: `{}`, deferErr: errors.New("no"), ignoreCtx: release})
	start := time.Now()
	if _, err := f.run(t); err == nil {
		t.Fatalf("expected failure")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run blocked on leaked task for %v", elapsed)
	}
}

type stubTask struct {
	name string
	done chan struct{}
}

func (s stubTask) Name() string          { return s.name }
func (s stubTask) Done() <-chan struct{} { return s.done }

func TestAwaitAbandonedReportsEveryLeakedTask(t *testing.T) {
	testlog.Start(t)
	exited := stubTask{name: "exited", done: make(chan struct{})}
	close(exited.done)
	prover := stubTask{name: "prover", done: make(chan struct{})}
	conn := stubTask{name: "http-connection", done: make(chan struct{})}

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	leaked := awaitAbandoned(logger, 50*time.Millisecond, []pending{prover, exited, conn})
	if len(leaked) != 2 || leaked[0] != "prover" || leaked[1] != "http-connection" {
		t.Fatalf("leaked = %v, want [prover http-connection]", leaked)
	}
	if n := strings.Count(buf.String(), "abandoned task still running"); n != 2 {
		t.Fatalf("expected two leak warnings, got %d:\n%s", n, buf.String())
	}
	if awaitAbandoned(logger, time.Millisecond, nil) != nil {
		t.Fatalf("no tasks should report no leaks")
	}
}

func TestRunFailsWhenProxyUnreachable(t *testing.T) {
	testlog.Start(t)
	f := newFakeRun(t, &fakeEngine{body: `{}`})
	f.dialer.fail = map[string]error{f.opts.WebsocketProxyURL: errors.New("connection refused")}
	_, err := f.run(t)
	if err == nil || !strings.HasPrefix(err.Error(), "Could not connect to websocket proxy") {
		t.Fatalf("unexpected error %v", err)
	}
	if last := f.phases[len(f.phases)-1]; last != PhaseConnectWsProxy {
		t.Fatalf("unexpected last phase %s", last)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	c := New(Config{Engine: &fakeEngine{}, Dial: (&pipeDialer{}).dial})
	ctx := context.Background()
	opts := RequestOptions{NotaryURL: "http://127.0.0.1:1", WebsocketProxyURL: "ws://proxy.test/"}
	tests := []struct {
		name   string
		target string
		proof  string
		key    string
		want   error
		prefix string
	}{
		{name: "unparseable target", target: "http://[::1", proof: proofB64, key: keyB64, want: ErrInvalidTarget, prefix: "Could not parse target_url"},
		{name: "target without host", target: "/relative", proof: proofB64, key: keyB64, want: ErrInvalidTarget, prefix: "Could not get target host"},
		{name: "bad proof", target: "https://x.test", proof: "%%%", key: keyB64, want: ErrInvalidProof, prefix: "Could not decode commitment_pwd_proof_base64"},
		{name: "bad key", target: "https://x.test", proof: proofB64, key: "a-b_", want: ErrInvalidProof, prefix: "Could not decode pub_key_consumer_base64"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Run(ctx, tc.target, opts, tc.proof, tc.key)
			if !errors.Is(err, tc.want) || !strings.HasPrefix(err.Error(), tc.prefix) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}

	if _, err := Collect(ctx, "http://[::1", opts, proofB64, keyB64); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("Collect did not reject target: %v", err)
	}
}

func TestRunRejectsBadRoutingBeforeAnySession(t *testing.T) {
	testlog.Start(t)
	n := notarytest.New(t, notarytest.Options{})
	dialer := &pipeDialer{}
	c := New(Config{Engine: &fakeEngine{}, Dial: dialer.dial})
	tests := []struct {
		name   string
		opts   RequestOptions
		prefix string
	}{
		{name: "unparseable proxy", opts: RequestOptions{NotaryURL: n.URL(), WebsocketProxyURL: "http://[::1"}, prefix: "Could not parse websocket_proxy_url"},
		{name: "proxy not websocket", opts: RequestOptions{NotaryURL: n.URL(), WebsocketProxyURL: "https://proxy.test"}, prefix: "Could not parse websocket_proxy_url"},
		{name: "proxy without host", opts: RequestOptions{NotaryURL: n.URL(), WebsocketProxyURL: "ws:///path"}, prefix: "Could not parse websocket_proxy_url"},
		{name: "missing proxy", opts: RequestOptions{NotaryURL: n.URL()}, prefix: "Could not parse websocket_proxy_url"},
		{name: "missing notary", opts: RequestOptions{WebsocketProxyURL: "ws://proxy.test/"}, prefix: "Could not parse notary_url"},
		{name: "notary bad scheme", opts: RequestOptions{NotaryURL: "ftp://notary.test", WebsocketProxyURL: "ws://proxy.test/"}, prefix: "Could not parse notary_url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var phases []Phase
			c.cfg.OnPhase = func(p Phase) { phases = append(phases, p) }
			_, err := c.Run(context.Background(), "https://x.test", tc.opts, proofB64, keyB64)
			if !errors.Is(err, ErrInvalidOptions) || !strings.HasPrefix(err.Error(), tc.prefix) {
				t.Fatalf("unexpected error %v", err)
			}
			if len(phases) != 0 {
				t.Fatalf("run started before input was validated: %v", phases)
			}
		})
	}
	if got := len(n.SessionRequests()); got != 0 {
		t.Fatalf("notary saw %d session requests for rejected input", got)
	}
	if got := len(dialer.dialed()); got != 0 {
		t.Fatalf("dialed %d websockets for rejected input", got)
	}
}

func TestPrepareForcesConnectionClose(t *testing.T) {
	testlog.Start(t)
	base := RequestOptions{NotaryURL: "http://n.test", WebsocketProxyURL: "ws://p.test"}
	tests := []struct {
		name    string
		headers []httpconn.HeaderField
		want    []string
	}{
		{name: "absent", headers: []httpconn.HeaderField{{Name: "Host", Value: "x.test"}}, want: []string{"Host: x.test", "Connection: close"}},
		{name: "keep-alive replaced", headers: []httpconn.HeaderField{{Name: "connection", Value: "keep-alive"}, {Name: "A", Value: "1"}}, want: []string{"connection: close", "A: 1"}},
		{name: "already closing", headers: []httpconn.HeaderField{{Name: "Connection", Value: "Upgrade, close"}}, want: []string{"Connection: Upgrade, close"}},
	}
	for _, tc := range tests {
		opts := base
		opts.Headers = tc.headers
		in, err := prepare("https://x.test", opts, proofB64, keyB64)
		if err != nil {
			t.Fatalf("%s: prepare: %v", tc.name, err)
		}
		if len(in.opts.Headers) != len(tc.want) {
			t.Fatalf("%s: headers = %+v", tc.name, in.opts.Headers)
		}
		for i, h := range in.opts.Headers {
			if h.Name+": "+h.Value != tc.want[i] {
				t.Fatalf("%s: header %d = %s: %s, want %s", tc.name, i, h.Name, h.Value, tc.want[i])
			}
		}
	}
}

func TestRunFailsWhenNotaryRefusesSession(t *testing.T) {
	testlog.Start(t)
	n := notarytest.New(t, notarytest.Options{SessionStatus: 500})
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c := New(Config{Engine: &fakeEngine{}, Dial: (&pipeDialer{}).dial, Logger: &logger})
	_, err := c.Run(context.Background(), "https://x.test", RequestOptions{NotaryURL: n.URL(), WebsocketProxyURL: "ws://proxy.test/"}, proofB64, keyB64)
	if err == nil || !strings.HasPrefix(err.Error(), "Could not fetch session") {
		t.Fatalf("unexpected error %v", err)
	}
	if !strings.Contains(buf.String(), `"run_id"`) || !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("failure not logged with run id: %s", buf.String())
	}
}
