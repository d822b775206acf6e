package collector

import (
	"context"
	"fmt"

	"github.com/danmuck/tdnctl/internal/notary"
)

func (r *run) negotiate(ctx context.Context) error {
	r.phases.report(PhaseNegotiateSession)

	client, err := notary.NewClient(r.in.opts.NotaryURL, r.c.cfg.Notary)
	if err != nil {
		return fmt.Errorf("Could not parse notary_url: %w", err)
	}
	id, err := client.CreateSession(ctx, notary.Limits{
		MaxSentData: r.in.opts.MaxSentData,
		MaxRecvData: r.in.opts.MaxRecvData,
	})
	if err != nil {
		return fmt.Errorf("Could not fetch session: %w", err)
	}

	r.notary = client
	r.session = Session{
		ID:          id,
		TargetURL:   r.in.targetRaw,
		NotaryURL:   r.in.opts.NotaryURL,
		MaxSentData: r.in.opts.MaxSentData,
		MaxRecvData: r.in.opts.MaxRecvData,
	}
	r.log.Debug().Str("session_id", id).Str("notary", client.Endpoint().Host).Msg("collector: session negotiated")
	return nil
}
