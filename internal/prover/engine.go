package prover

import (
	"context"
	"net"
)

type Engine interface {
	Setup(ctx context.Context, cfg Config, notary net.Conn) (Setup, error)
}

// Setup is a prover bound to its notary but not yet to a server.
type Setup interface {
	// Connect returns the application stream (plaintext in, TLS out) and the
	// Future that must be run for any bytes to move.
	Connect(ctx context.Context, server net.Conn) (net.Conn, Future, error)
}

type Future interface {
	Control() Control
	Run(ctx context.Context) (Completed, error)
}

type Control interface {
	// DeferDecryption postpones decryption of server records until the
	// session completes. Must be called before the request is sent.
	DeferDecryption(ctx context.Context) error
}

type Completed interface {
	TakeCollectionResult() CollectionResult
	StartNotarize() Notarizer
}

type Notarizer interface {
	Notarize(ctx context.Context, commitmentPwdProof, pubKeyConsumer []byte) (SignedProof, error)
}
