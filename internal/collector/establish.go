package collector

import (
	"context"
	"fmt"

	"github.com/danmuck/tdnctl/internal/prover"
)

// establish opens the notary channel, sets the prover up on it, and binds the
// prover to the proxied target connection.
func (r *run) establish(ctx context.Context) error {
	r.phases.report(PhaseConnectNotary)
	collectURL := r.notary.CollectURL(r.session.ID, r.in.commitmentPwdProofURL, r.in.pubKeyConsumerURL)
	notaryConn, err := r.c.cfg.Dial(ctx, collectURL)
	if err != nil {
		return fmt.Errorf("Could not connect to notary: %w", err)
	}
	r.notaryConn = notaryConn

	r.phases.report(PhaseBuildProverConfig)
	b := prover.NewConfigBuilder().
		ID(r.session.ID).
		ServerName(r.in.target.Hostname()).
		RootCAs(r.c.cfg.RootCAs)
	if r.in.opts.MaxSentData > 0 {
		b.MaxSentData(r.in.opts.MaxSentData)
	}
	if r.in.opts.MaxRecvData > 0 {
		b.MaxRecvData(r.in.opts.MaxRecvData)
	}
	cfg, err := b.Build()
	if err != nil {
		return fmt.Errorf("Could not build prover config: %w", err)
	}

	r.phases.report(PhaseSetUpProver)
	setup, err := r.c.cfg.Engine.Setup(ctx, cfg, notaryConn)
	if err != nil {
		return fmt.Errorf("Could not set up prover: %w", err)
	}

	r.phases.report(PhaseConnectWsProxy)
	proxyConn, err := r.c.cfg.Dial(ctx, r.in.opts.WebsocketProxyURL)
	if err != nil {
		return fmt.Errorf("Could not connect to websocket proxy: %w", err)
	}
	r.proxyConn = proxyConn

	r.phases.report(PhaseBindProverToConnection)
	appConn, future, err := setup.Connect(ctx, proxyConn)
	if err != nil {
		return fmt.Errorf("Could not bind prover to connection: %w", err)
	}
	r.appConn = appConn
	r.future = future
	return nil
}
