package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"
)

// Loop re-announces to a Client on the interval the tracker requests.
// Grounded on the teacher's Tracker.announceLoop, simplified to a single
// tracker URL (spec.md names exactly one announce_url per external
// interface) and to spec.md §7's TrackerUnreachable policy: retry on a
// fixed backoff until it succeeds, not an exponential one.
type Loop struct {
	client          *Client
	log             *slog.Logger
	buildParams     func(event Event) *AnnounceParams
	onPeers         func(peers []netip.AddrPort)
	backoff         time.Duration
	maxRetries      int
	defaultInterval time.Duration
}

// NewLoop builds a re-announce loop. buildParams is called before every
// announce to capture the client's current upload/download/left counters.
// onPeers is invoked with the peer list from each successful announce.
// backoff is the fixed delay between retries after a failed announce
// (cfg.AnnounceBackoff); maxRetries caps consecutive failures before Run
// gives up and returns an error, or 0 to retry forever (cfg.MaxAnnounceRetry).
func NewLoop(
	client *Client,
	log *slog.Logger,
	buildParams func(event Event) *AnnounceParams,
	onPeers func(peers []netip.AddrPort),
	backoff time.Duration,
	maxRetries int,
) *Loop {
	return &Loop{
		client:          client,
		log:             log.With("component", "announce-loop"),
		buildParams:     buildParams,
		onPeers:         onPeers,
		backoff:         backoff,
		maxRetries:      maxRetries,
		defaultInterval: 2 * time.Minute,
	}
}

// Run announces "started" immediately, then re-announces on the server's
// requested interval until ctx is cancelled, at which point it announces
// "stopped" with a short grace timeout and returns. A failed announce is
// retried after l.backoff until it succeeds, per spec.md §7
// TrackerUnreachable, unless l.maxRetries consecutive failures are hit
// first.
func (l *Loop) Run(ctx context.Context) error {
	failures := 0

	resp, err := l.client.Announce(ctx, l.buildParams(EventStarted))
	interval := l.nextInterval(resp)
	if err != nil {
		failures++
		if l.maxRetries > 0 && failures >= l.maxRetries {
			return fmt.Errorf("tracker: unreachable after %d attempts: %w", failures, err)
		}
		l.log.Warn("initial announce failed, retrying", "error", err, "retry_in", l.backoff, "attempt", failures)
		interval = l.backoff
	} else {
		l.onPeers(resp.Peers)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = l.client.Announce(sctx, l.buildParams(EventStopped))
			cancel()
			return nil

		case <-timer.C:
			resp, err := l.client.Announce(ctx, l.buildParams(EventNone))
			if err != nil {
				failures++
				if l.maxRetries > 0 && failures >= l.maxRetries {
					return fmt.Errorf("tracker: unreachable after %d attempts: %w", failures, err)
				}
				l.log.Warn("announce failed, retrying", "error", err, "retry_in", l.backoff, "attempt", failures)
				timer.Reset(l.backoff)
				continue
			}

			failures = 0
			l.onPeers(resp.Peers)
			timer.Reset(l.nextInterval(resp))
		}
	}
}

func (l *Loop) nextInterval(resp *AnnounceResponse) time.Duration {
	if resp == nil {
		return l.defaultInterval
	}

	interval := l.defaultInterval
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	return interval
}
