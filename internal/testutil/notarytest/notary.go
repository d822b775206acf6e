// Package notarytest runs an in-process notary for collector tests.
//
// It issues sessions over HTTP, accepts the collect websocket, and speaks the
// prover control protocol on it, signing notarization requests with a fresh
// ed25519 key.
package notarytest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tdnctl/internal/prover"
	"github.com/danmuck/tdnctl/internal/wsconn"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrUnknownSession = errors.New("notarytest: unknown session")

const serveTimeout = 10 * time.Second

type Options struct {
	// BasePath prefixes every route, e.g. "/notary".
	BasePath string
	// SessionID, when set, is returned for every session request.
	SessionID string
	// SessionStatus, when non-zero, fails session creation with that status.
	SessionStatus int
	// RejectSetup makes the notary refuse the prover setup with this reason.
	RejectSetup string
}

type SessionRequest struct {
	ClientType  string `json:"client_type"`
	MaxSentData *int   `json:"max_sent_data,omitempty"`
	MaxRecvData *int   `json:"max_recv_data,omitempty"`
}

type Notary struct {
	Server *httptest.Server

	key  ed25519.PrivateKey
	opts Options

	mu       sync.Mutex
	next     int
	sessions map[string]bool
	requests []SessionRequest
	collects []url.Values
	notarize []prover.NotarizeRequest
	serveErr []error
	wg       sync.WaitGroup
}

// New starts a notary and stops it when the test ends.
func New(t testing.TB, opts Options) *Notary {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate notary key: %v", err)
	}
	n := &Notary{key: key, opts: opts, sessions: make(map[string]bool)}

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	group := engine.Group(opts.BasePath)
	group.POST("/session", n.handleSession)
	group.GET("/info", n.handleInfo)
	group.GET("/tdn-collect", n.handleCollect)

	n.Server = httptest.NewServer(engine)
	t.Cleanup(func() {
		n.Server.Close()
		n.wg.Wait()
	})
	return n
}

func (n *Notary) URL() string {
	return n.Server.URL + n.opts.BasePath
}

func (n *Notary) PublicKey() ed25519.PublicKey {
	return n.key.Public().(ed25519.PublicKey)
}

func (n *Notary) SessionRequests() []SessionRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SessionRequest(nil), n.requests...)
}

// CollectQueries returns the query of every collect websocket request.
func (n *Notary) CollectQueries() []url.Values {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]url.Values(nil), n.collects...)
}

func (n *Notary) NotarizeRequests() []prover.NotarizeRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]prover.NotarizeRequest(nil), n.notarize...)
}

// Errors returns control protocol failures seen by the notary.
func (n *Notary) Errors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.serveErr...)
}

// AddSession registers id so Serve accepts it without an HTTP request.
func (n *Notary) AddSession(id string) {
	n.mu.Lock()
	n.sessions[id] = true
	n.mu.Unlock()
}

func (n *Notary) handleSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if n.opts.SessionStatus != 0 {
		c.JSON(n.opts.SessionStatus, gin.H{"error": "session refused"})
		return
	}

	n.mu.Lock()
	n.requests = append(n.requests, req)
	n.next++
	id := n.opts.SessionID
	if id == "" {
		id = fmt.Sprintf("session-%d", n.next)
	}
	n.sessions[id] = true
	n.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (n *Notary) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   "notarytest",
		"publicKey": hex.EncodeToString(n.PublicKey()),
	})
}

func (n *Notary) handleCollect(c *gin.Context) {
	query := c.Request.URL.Query()
	id := query.Get("sessionId")

	n.mu.Lock()
	n.collects = append(n.collects, query)
	known := n.sessions[id]
	n.mu.Unlock()
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownSession.Error()})
		return
	}

	conn, err := wsconn.Upgrade(c.Writer, c.Request)
	if err != nil {
		n.recordErr(err)
		return
	}
	n.wg.Add(1)
	defer n.wg.Done()
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(serveTimeout))
	if err := n.Serve(conn, id); err != nil {
		n.recordErr(err)
	}
}

// Serve runs the notary side of the control protocol for one session.
func (n *Notary) Serve(rw io.ReadWriter, sessionID string) error {
	ch := prover.NewChannel(rw)

	var setup prover.SetupRequest
	if err := ch.Expect(prover.KindSetup, &setup); err != nil {
		return err
	}
	n.mu.Lock()
	known := n.sessions[setup.SessionID]
	n.mu.Unlock()
	switch {
	case setup.SessionID != sessionID || !known:
		_ = ch.Send(prover.KindSetupAck, prover.Ack{Error: "unknown session"})
		return fmt.Errorf("%w: %q", ErrUnknownSession, setup.SessionID)
	case n.opts.RejectSetup != "":
		return ch.Send(prover.KindSetupAck, prover.Ack{Error: n.opts.RejectSetup})
	}
	if err := ch.Send(prover.KindSetupAck, prover.Ack{OK: true}); err != nil {
		return err
	}
	log.Debug().Str("session_id", sessionID).Str("server", setup.ServerName).Msg("notarytest: setup accepted")

	var req prover.NotarizeRequest
	if err := ch.Expect(prover.KindNotarize, &req); err != nil {
		return err
	}
	n.mu.Lock()
	n.notarize = append(n.notarize, req)
	n.mu.Unlock()

	commitment, err := req.Commitment()
	if err != nil {
		_ = ch.Send(prover.KindNotarizeAck, prover.NotarizeAck{Ack: prover.Ack{Error: err.Error()}})
		return err
	}
	proof := &prover.SignedProof{
		SessionID:  req.SessionID,
		Commitment: commitment,
		Signature:  ed25519.Sign(n.key, commitment),
		NotaryKey:  n.PublicKey(),
		SignedAt:   time.Now().UTC().Truncate(time.Second),
	}
	return ch.Send(prover.KindNotarizeAck, prover.NotarizeAck{Ack: prover.Ack{OK: true}, Proof: proof})
}

func (n *Notary) recordErr(err error) {
	n.mu.Lock()
	n.serveErr = append(n.serveErr, err)
	n.mu.Unlock()
}
