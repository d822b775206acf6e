package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/tdnctl/internal/httpconn"
	"github.com/danmuck/tdnctl/internal/task"
	"github.com/rs/zerolog"
)

// supervise starts the two background tasks of a run: the prover and the
// HTTP connection driver. Neither is awaited here.
func (r *run) supervise(ctx context.Context) error {
	r.phases.report(PhaseSpawnProverTask)
	r.proverTask = task.Spawn(ctx, "prover", r.future.Run)

	r.phases.report(PhaseAttachHTTPClient)
	sender, conn, err := httpconn.Handshake(r.appConn)
	if err != nil {
		return fmt.Errorf("Could not handshake: %w", err)
	}
	r.sender = sender

	r.phases.report(PhaseSpawnHTTPTask)
	r.connTask = task.Spawn(ctx, "http-connection", conn.Run)
	return nil
}

type pending interface {
	Name() string
	Done() <-chan struct{}
}

// abandon tears a failed run down. Cancelling the run context and closing
// every transport unblocks both tasks; they get AbandonGrace to exit and any
// that do not are logged as leaked.
func (r *run) abandon() {
	r.cancel()
	if r.sender != nil {
		r.sender.Close()
	}
	r.closeTransports()

	var tasks []pending
	if r.proverTask != nil {
		tasks = append(tasks, r.proverTask)
	}
	if r.connTask != nil {
		tasks = append(tasks, r.connTask)
	}
	awaitAbandoned(r.log, r.c.cfg.AbandonGrace, tasks)
}

// awaitAbandoned waits up to grace for tasks to exit and returns the names of
// those still running when it expires. Each of those is logged.
func awaitAbandoned(logger zerolog.Logger, grace time.Duration, tasks []pending) []string {
	if len(tasks) == 0 {
		return nil
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	expired := false
	var leaked []string
	for _, t := range tasks {
		if !expired {
			select {
			case <-t.Done():
				logger.Debug().Str("task", t.Name()).Msg("collector: abandoned task exited")
				continue
			case <-timer.C:
				expired = true
			}
		}
		select {
		case <-t.Done():
			logger.Debug().Str("task", t.Name()).Msg("collector: abandoned task exited")
		default:
			logger.Warn().Str("task", t.Name()).Dur("grace", grace).Msg("collector: abandoned task still running")
			leaked = append(leaked, t.Name())
		}
	}
	return leaked
}

// release closes what a successful run leaves open. The engine may already
// have closed these; Close is idempotent on every transport used here.
func (r *run) release() {
	if r.sender != nil {
		r.sender.Close()
	}
	r.closeTransports()
}

func (r *run) closeTransports() {
	for _, c := range []net.Conn{r.appConn, r.proxyConn, r.notaryConn} {
		if c != nil {
			_ = c.Close()
		}
	}
	r.appConn, r.proxyConn, r.notaryConn = nil, nil, nil
}
