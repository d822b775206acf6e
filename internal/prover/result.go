package prover

import (
	"crypto/ed25519"
	"errors"
	"time"
)

var ErrInvalidSignature = errors.New("prover: invalid notary signature")

// TranscriptCommitment commits to one direction of the TLS plaintext.
type TranscriptCommitment struct {
	Length int    `json:"length" cbor:"1,keyasint"`
	Digest string `json:"digest" cbor:"2,keyasint"`
}

// CollectionResult is what the prover captured from a completed session.
type CollectionResult struct {
	SessionID          string               `json:"sessionId"`
	ServerName         string               `json:"serverName"`
	Sent               TranscriptCommitment `json:"sent"`
	Received           TranscriptCommitment `json:"received"`
	DeferredDecryption bool                 `json:"deferredDecryption"`
	StartedAt          time.Time            `json:"startedAt"`
	CompletedAt        time.Time            `json:"completedAt"`
}

// SignedProof is the notary's signature over a notarization request.
type SignedProof struct {
	SessionID  string    `json:"sessionId" cbor:"1,keyasint"`
	Commitment []byte    `json:"commitment" cbor:"2,keyasint"`
	Signature  []byte    `json:"signature" cbor:"3,keyasint"`
	NotaryKey  []byte    `json:"notaryKey" cbor:"4,keyasint"`
	SignedAt   time.Time `json:"signedAt" cbor:"5,keyasint"`
}

func (p SignedProof) Verify(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, p.Commitment, p.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
