package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yungbote/pgcoord/internal/platform/logger"
)

// Listener turns Postgres NOTIFY messages on one channel into worker wake-ups.
// It is a latency hint only: a missed or coalesced notification just means
// workers find the job on their next poll.
type Listener struct {
	dsn     string
	channel string
	log     *logger.Logger
	wake    chan struct{}

	reconnectMin time.Duration
	reconnectMax time.Duration
}

func NewListener(dsn, channel string, baseLog *logger.Logger) (*Listener, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("notify channel is required")
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	return &Listener{
		dsn:          dsn,
		channel:      channel,
		log:          baseLog.With("component", "JobNotifyListener", "channel", channel),
		wake:         make(chan struct{}, 1),
		reconnectMin: 500 * time.Millisecond,
		reconnectMax: 30 * time.Second,
	}, nil
}

// Wake receives at most one pending signal; bursts of notifications coalesce.
func (l *Listener) Wake() <-chan struct{} { return l.wake }

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// connection drops.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.reconnectMin
	b.MaxInterval = l.reconnectMax
	b.Reset()
	for {
		err := l.listen(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		l.log.Warn("listen connection lost; reconnecting", "error", err, "retry_in", wait.String())
		// Wake idle workers so nothing enqueued while disconnected waits out a full backoff.
		l.signal()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *Listener) listen(ctx context.Context, connected func()) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	connected()
	l.log.Info("listening for job notifications")
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		l.log.Debug("job notification", "job_type", n.Payload)
		l.signal()
	}
}
