// Package collector runs one notarized collection session.
//
// A run negotiates a session with the notary, binds a prover to a websocket
// forwarded connection to the target, and performs a single HTTP exchange
// over it while the prover and the HTTP connection driver run as background
// tasks. The finalizer then awaits the connection task, the prover task, takes
// the capture result, closes the socket, and asks the notary to sign.
package collector

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/danmuck/tdnctl/internal/httpconn"
	"github.com/danmuck/tdnctl/internal/notary"
	"github.com/danmuck/tdnctl/internal/observability"
	"github.com/danmuck/tdnctl/internal/prover"
	"github.com/danmuck/tdnctl/internal/prover/tlsprover"
	"github.com/danmuck/tdnctl/internal/task"
	"github.com/danmuck/tdnctl/internal/wsconn"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAbandonGrace    = 2 * time.Second
	DefaultMaxResponseBody = 32 << 20
)

var (
	ErrInvalidTarget = errors.New("collector: invalid target url")
	ErrInvalidProof  = errors.New("collector: invalid proof parameter")
)

// DialFunc opens a byte stream to a websocket URL.
type DialFunc func(ctx context.Context, rawURL string) (net.Conn, error)

type Config struct {
	Engine    prover.Engine
	Notary    notary.Config
	Websocket wsconn.Config
	// Dial replaces websocket dialing for both the notary and the proxy.
	Dial DialFunc
	// RootCAs verifies the target server; nil uses the system pool.
	RootCAs *x509.CertPool
	// OnPhase observes every phase as it is reported.
	OnPhase func(Phase)
	// AbandonGrace bounds the wait for background tasks after a failed run.
	AbandonGrace    time.Duration
	MaxResponseBody int64
	Logger          *zerolog.Logger
}

// Session is what the notary issued for one run.
type Session struct {
	ID          string `json:"id"`
	TargetURL   string `json:"targetUrl"`
	NotaryURL   string `json:"notaryUrl"`
	MaxSentData int    `json:"maxSentData,omitempty"`
	MaxRecvData int    `json:"maxRecvData,omitempty"`
}

// Outcome is the structured result of a successful run.
type Outcome struct {
	RunID   string  `json:"runId"`
	Session Session `json:"session"`
	// Response is the target's JSON body, pretty printed.
	Response string                  `json:"response"`
	Result   prover.CollectionResult `json:"result"`
	// ResultJSON is Result pretty printed; Collect returns it.
	ResultJSON   string             `json:"-"`
	Notarization prover.SignedProof `json:"notarization"`
	Duration     time.Duration      `json:"duration"`
}

type Collector struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Collector {
	if cfg.Engine == nil {
		cfg.Engine = tlsprover.New()
	}
	cfg.Notary = cfg.Notary.WithDefaults()
	if cfg.Websocket.HandshakeTimeout <= 0 {
		cfg.Websocket = wsconn.DefaultConfig()
	}
	if cfg.Dial == nil {
		wsCfg := cfg.Websocket
		cfg.Dial = func(ctx context.Context, rawURL string) (net.Conn, error) {
			return wsconn.Dial(ctx, rawURL, wsCfg)
		}
	}
	if cfg.AbandonGrace <= 0 {
		cfg.AbandonGrace = DefaultAbandonGrace
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = DefaultMaxResponseBody
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Collector{cfg: cfg, log: logger}
}

// Collect runs one session with the default collector and returns the
// pretty printed capture result. Host and Connection are set from the target
// before the run.
func Collect(ctx context.Context, targetURL string, opts RequestOptions, commitmentPwdProofB64, pubKeyConsumerB64 string) (string, error) {
	if target, err := url.Parse(targetURL); err == nil && target.Host != "" {
		opts = opts.WithHostDefaults(target)
	}
	out, err := New(Config{}).Run(ctx, targetURL, opts, commitmentPwdProofB64, pubKeyConsumerB64)
	if err != nil {
		return "", err
	}
	return out.ResultJSON, nil
}

// input is the validated form of a run's arguments.
type input struct {
	targetRaw string
	target    *url.URL
	opts      RequestOptions

	commitmentPwdProof    []byte
	pubKeyConsumer        []byte
	commitmentPwdProofURL string
	pubKeyConsumerURL     string
}

func prepare(targetURL string, opts RequestOptions, commitmentPwdProofB64, pubKeyConsumerB64 string) (input, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return input{}, fmt.Errorf("Could not parse target_url: %w: %w", ErrInvalidTarget, err)
	}
	if target.Hostname() == "" {
		return input{}, fmt.Errorf("Could not get target host: %w", ErrInvalidTarget)
	}
	if err := opts.validate(); err != nil {
		return input{}, err
	}
	opts = opts.withClose()
	proof, err := base64.StdEncoding.DecodeString(commitmentPwdProofB64)
	if err != nil {
		return input{}, fmt.Errorf("Could not decode commitment_pwd_proof_base64: %w: %w", ErrInvalidProof, err)
	}
	key, err := base64.StdEncoding.DecodeString(pubKeyConsumerB64)
	if err != nil {
		return input{}, fmt.Errorf("Could not decode pub_key_consumer_base64: %w: %w", ErrInvalidProof, err)
	}
	return input{
		targetRaw:             targetURL,
		target:                target,
		opts:                  opts,
		commitmentPwdProof:    proof,
		pubKeyConsumer:        key,
		commitmentPwdProofURL: base64.URLEncoding.EncodeToString(proof),
		pubKeyConsumerURL:     base64.URLEncoding.EncodeToString(key),
	}, nil
}

// run holds the state of one collection. Nothing in it is shared between runs.
type run struct {
	c      *Collector
	id     string
	log    zerolog.Logger
	phases *phaseTracker
	in     input
	cancel context.CancelFunc

	notary  *notary.Client
	session Session

	notaryConn net.Conn
	proxyConn  net.Conn
	appConn    net.Conn
	future     prover.Future
	sender     *httpconn.Sender

	proverTask *task.Handle[prover.Completed]
	connTask   *task.Handle[httpconn.Parts]
}

// Run performs one collection and returns its structured outcome.
func (c *Collector) Run(ctx context.Context, targetURL string, opts RequestOptions, commitmentPwdProofB64, pubKeyConsumerB64 string) (Outcome, error) {
	start := time.Now()
	id := uuid.NewString()
	logger := c.log.With().Str("run_id", id).Logger()

	in, err := prepare(targetURL, opts, commitmentPwdProofB64, pubKeyConsumerB64)
	if err != nil {
		observability.RecordCollectorRun(false, time.Since(start))
		logger.Warn().Err(err).Msg("collector: rejected input")
		return Outcome{}, err
	}
	logger.Debug().Str("target", in.target.Host).Str("notary_url", opts.NotaryURL).Msg("collector: run start")

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		c:      c,
		id:     id,
		log:    logger,
		phases: newPhaseTracker(logger, c.cfg.OnPhase),
		in:     in,
		cancel: cancel,
	}

	out, err := r.execute(runCtx)
	r.phases.finish()
	if err != nil {
		r.abandon()
	} else {
		r.release()
	}
	cancel()

	out.Duration = time.Since(start)
	observability.RecordCollectorRun(err == nil, out.Duration)
	if err != nil {
		event := logger.Error().Err(err)
		if p, ok := r.phases.current(); ok {
			event = event.Int("phase", int(p))
		}
		event.Msg("collector: run failed")
		return Outcome{}, err
	}
	logger.Info().Dur("duration", out.Duration).Str("session_id", out.Session.ID).Msg("collector: run complete")
	return out, nil
}

func (r *run) execute(ctx context.Context) (Outcome, error) {
	if err := r.negotiate(ctx); err != nil {
		return Outcome{}, err
	}
	if err := r.establish(ctx); err != nil {
		return Outcome{}, err
	}
	if err := r.supervise(ctx); err != nil {
		return Outcome{}, err
	}
	response, err := r.exchange(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out, err := r.finalize(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out.RunID = r.id
	out.Session = r.session
	out.Response = response
	return out, nil
}
