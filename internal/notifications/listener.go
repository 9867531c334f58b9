package notifications

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
)

// Waker is the subset of *worker.Pool the listener needs: a way to collapse
// a NOTIFY into an immediate poll-loop wakeup. Declared locally to avoid an
// import cycle with internal/worker.
type Waker interface {
	NotifyNewCommands()
}

// Listener LISTENs on every registered domain's NOTIFY channel over one
// dedicated connection (LISTEN requires a session-held connection, which a
// pooled *sql.DB cannot guarantee) and wakes the matching worker pool the
// instant a producer commits a Send. Falls back to polling — the worker
// pools' own idle backoff already covers that case — when a dedicated
// LISTEN connection can't be established, e.g. behind a transaction-mode
// connection pooler.
type Listener struct {
	connStr string
	wakers  map[string]Waker // domain -> pool
}

// NewListener builds a Listener over connStr, which must be a direct
// (non-pooled) connection string capable of holding a session-scoped LISTEN.
func NewListener(connStr string, wakers map[string]Waker) *Listener {
	return &Listener{connStr: connStr, wakers: wakers}
}

// Start runs the listen loop until ctx is cancelled, reconnecting with a
// fixed backoff on any connection error.
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("command notification listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("command notification listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("command notification listener event error")
		}
	})
	defer listener.Close()

	for domain := range l.wakers {
		if err := listener.Listen(queue.NotifyChannel(domain)); err != nil {
			return err
		}
	}

	log.Info().Int("domains", len(l.wakers)).Msg("command notification listener started (real-time mode)")

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			if n == nil {
				return nil // connection lost, caller reconnects
			}
			l.wake(n.Channel)

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) wake(channel string) {
	for domain, w := range l.wakers {
		if queue.NotifyChannel(domain) == channel {
			w.NotifyNewCommands()
			return
		}
	}
}

// CanUseListen reports whether connStr looks capable of a session-scoped
// LISTEN. Transaction-mode poolers (PgBouncer, Supabase's pooler) hand out a
// fresh backend connection per statement, so a LISTEN issued on one would
// never see the matching NOTIFY.
func CanUseListen(connStr string) bool {
	if strings.Contains(connStr, "pooler") {
		return false
	}
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}

// TestConnection verifies connStr is reachable before committing to
// LISTEN/NOTIFY mode, so startup can fall back to polling instead of
// looping on connection errors.
func TestConnection(connStr string) bool {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Debug().Err(err).Msg("failed to open direct connection for LISTEN")
		return false
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Debug().Err(err).Msg("failed to ping direct connection for LISTEN")
		return false
	}
	return true
}

// StartWithFallback LISTENs for wake-ups if possible, otherwise relies on
// each worker pool's own idle-poll backoff — the pools still make forward
// progress, just with up to one poll interval of added latency.
func StartWithFallback(ctx context.Context, connStr string, wakers map[string]Waker) {
	if len(wakers) == 0 {
		return
	}
	if !CanUseListen(connStr) || !TestConnection(connStr) {
		log.Info().Msg("using poll-only mode for command wakeups (connection pooler detected)")
		return
	}
	listener := NewListener(connStr, wakers)
	go listener.Start(ctx)
}
