package health

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Notifier sends sd_notify messages. Outside systemd every call is a no-op.
type Notifier struct {
	log    zerolog.Logger
	notify func(state string) (bool, error)
}

// NewNotifier creates a Notifier talking to $NOTIFY_SOCKET.
func NewNotifier(log zerolog.Logger) *Notifier {
	return &Notifier{
		log: log,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

// Ready tells systemd the service finished starting.
func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

// Stopping tells systemd the service is shutting down.
func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// Watchdog pings the systemd watchdog at half its interval while no partition
// is fatal, so a stuck consumer gets the service restarted. It returns when
// ctx is done or when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, r *Reporter) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	n.watchdog(ctx, r, interval/2)
}

func (n *Notifier) watchdog(ctx context.Context, r *Reporter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Fatal() {
				n.log.Warn().Msg("partition consumer is fatal, withholding watchdog ping")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func (n *Notifier) send(state string) {
	if _, err := n.notify(state); err != nil {
		n.log.Warn().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
