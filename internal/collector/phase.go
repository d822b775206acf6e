package collector

import (
	"fmt"
	"time"

	"github.com/danmuck/tdnctl/internal/observability"
	"github.com/rs/zerolog"
)

// Phase is a milestone of one collection run. Phases are reported in
// declaration order and never repeat within a run.
type Phase uint8

const (
	PhaseNegotiateSession Phase = iota
	PhaseConnectNotary
	PhaseBuildProverConfig
	PhaseSetUpProver
	PhaseConnectWsProxy
	PhaseBindProverToConnection
	PhaseSpawnProverTask
	PhaseAttachHTTPClient
	PhaseSpawnHTTPTask
	PhaseBuildRequest
	PhaseStartMpcConnection
	PhaseReceivedResponse
	PhaseParseResponse
	PhaseCloseConnection
	PhaseTakeTlsResults
	PhaseStartNotarization
	phaseCount
)

var phaseInfo = [phaseCount]struct {
	name    string
	message string
}{
	PhaseNegotiateSession:       {"negotiate_session", "Negotiate a session with the notary"},
	PhaseConnectNotary:          {"connect_notary", "Connect notary with websocket"},
	PhaseBuildProverConfig:      {"build_prover_config", "Build prover config"},
	PhaseSetUpProver:            {"set_up_prover", "Set up prover"},
	PhaseConnectWsProxy:         {"connect_ws_proxy", "Connect application server with websocket proxy"},
	PhaseBindProverToConnection: {"bind_prover_to_connection", "Bind the prover to the server connection"},
	PhaseSpawnProverTask:        {"spawn_prover_task", "Spawn the prover task"},
	PhaseAttachHTTPClient:       {"attach_http_client", "Attach the HTTP client to the TLS connection"},
	PhaseSpawnHTTPTask:          {"spawn_http_task", "Spawn the HTTP task to be run concurrently"},
	PhaseBuildRequest:           {"build_request", "Build request"},
	PhaseStartMpcConnection:     {"start_mpc_connection", "Start MPC-TLS connection with the server"},
	PhaseReceivedResponse:       {"received_response", "Received response from the server"},
	PhaseParseResponse:          {"parse_response", "Parsing response from the server"},
	PhaseCloseConnection:        {"close_connection", "Close the connection to the server"},
	PhaseTakeTlsResults:         {"take_tls_results", "Taking TLS results from the prover"},
	PhaseStartNotarization:      {"start_notarization", "Start notarization"},
}

// Phases lists every phase in reporting order.
func Phases() []Phase {
	out := make([]Phase, 0, phaseCount)
	for p := Phase(0); p < phaseCount; p++ {
		out = append(out, p)
	}
	return out
}

func (p Phase) String() string {
	if p >= phaseCount {
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
	return phaseInfo[p].name
}

func (p Phase) Message() string {
	if p >= phaseCount {
		return ""
	}
	return phaseInfo[p].message
}

// phaseTracker belongs to a single run.
type phaseTracker struct {
	log     zerolog.Logger
	onPhase func(Phase)

	started  bool
	finished bool
	last     Phase
	at       time.Time
}

func newPhaseTracker(log zerolog.Logger, onPhase func(Phase)) *phaseTracker {
	return &phaseTracker{log: log, onPhase: onPhase}
}

// report emits p unless it would move the run backwards.
func (t *phaseTracker) report(p Phase) bool {
	if t.finished || (t.started && p <= t.last) {
		t.log.Warn().Int("phase", int(p)).Int("last", int(t.last)).Msg("collector: phase out of order")
		return false
	}
	now := time.Now()
	t.closeCurrent(now)
	t.started, t.last, t.at = true, p, now
	t.log.Info().Int("phase", int(p)).Str("phase_name", p.String()).Msg(p.Message())
	if t.onPhase != nil {
		t.onPhase(p)
	}
	return true
}

// finish records the duration of the phase that was active when the run ended.
func (t *phaseTracker) finish() {
	if t.finished {
		return
	}
	t.closeCurrent(time.Now())
	t.finished = true
}

func (t *phaseTracker) closeCurrent(now time.Time) {
	if t.started {
		observability.RecordCollectorPhase(t.last.String(), now.Sub(t.at))
	}
}

func (t *phaseTracker) current() (Phase, bool) {
	return t.last, t.started
}
