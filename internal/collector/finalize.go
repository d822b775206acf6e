package collector

import (
	"context"
	"fmt"
)

// finalize resolves the background tasks in a fixed order: the connection
// driver first, then the prover. Each handle holds its result in a one-slot
// buffer, so a prover that finished earlier cannot block this order.
func (r *run) finalize(ctx context.Context) (Outcome, error) {
	r.phases.report(PhaseCloseConnection)
	parts, err := r.connTask.Await(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("Could not get TlsConnection: %w", err)
	}
	socket := parts.Conn

	r.phases.report(PhaseTakeTlsResults)
	completed, err := r.proverTask.Await(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("Could not get Prover: %w", err)
	}
	result := completed.TakeCollectionResult()

	if err := socket.Close(); err != nil {
		return Outcome{}, fmt.Errorf("Could not close socket: %w", err)
	}
	r.appConn = nil

	resultJSON, err := marshalPretty(result)
	if err != nil {
		return Outcome{}, fmt.Errorf("Could not serialize collection result: %w", err)
	}
	r.log.Info().RawJSON("result", []byte(resultJSON)).Msg("collector: collection result")

	r.phases.report(PhaseStartNotarization)
	proof, err := completed.StartNotarize().Notarize(ctx, r.in.commitmentPwdProof, r.in.pubKeyConsumer)
	if err != nil {
		return Outcome{}, fmt.Errorf("Could not notarize: %w", err)
	}
	r.log.Info().
		Str("session_id", proof.SessionID).
		Hex("commitment", proof.Commitment).
		Time("signed_at", proof.SignedAt).
		Msg("collector: notarization result")

	return Outcome{
		Result:       result,
		ResultJSON:   resultJSON,
		Notarization: proof,
	}, nil
}
