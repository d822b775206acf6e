package tlsprover

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/tdnctl/internal/prover"
	"github.com/zeebo/blake3"
)

var ErrTranscriptLimit = errors.New("tlsprover: transcript limit exceeded")

// transcript commits to one direction of plaintext. Once deferral starts,
// later bytes are buffered and only hashed at commit, after any bytes that
// were hashed inline.
type transcript struct {
	name  string
	limit int

	mu      sync.Mutex
	n       int
	hasher  *blake3.Hasher
	pending bytes.Buffer
}

func newTranscript(name string, limit int) *transcript {
	return &transcript{name: name, limit: limit, hasher: blake3.New()}
}

func (t *transcript) record(p []byte, deferred bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n+len(p) > t.limit {
		return fmt.Errorf("%w: %s %d > %d", ErrTranscriptLimit, t.name, t.n+len(p), t.limit)
	}
	t.n += len(p)
	if deferred || t.pending.Len() > 0 {
		t.pending.Write(p)
		return nil
	}
	_, _ = t.hasher.Write(p)
	return nil
}

func (t *transcript) commit() prover.TranscriptCommitment {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending.Len() > 0 {
		_, _ = t.hasher.Write(t.pending.Bytes())
		t.pending.Reset()
	}
	return prover.TranscriptCommitment{
		Length: t.n,
		Digest: hex.EncodeToString(t.hasher.Sum(nil)),
	}
}
