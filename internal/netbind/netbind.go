// Package netbind acquires the gateway's listening socket. The preferred
// port may be taken by another process (commonly a previous instance still
// draining), so binding walks a small range of candidate ports, probing each
// one before the real bind to cut down on wasted attempts and log noise.
package netbind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBindExhausted reports that every candidate port in the configured range
// was occupied. It wraps the last bind error observed.
var ErrBindExhausted = errors.New("no free port in candidate range")

// candidateDelay is the pause between successive port candidates. The probe
// has a small race window (another process can grab the port between probe
// and bind); the delay keeps a restart loop from spinning.
const candidateDelay = 100 * time.Millisecond

// Binding describes the socket the gateway actually listens on. Immutable
// for the process lifetime once returned.
type Binding struct {
	Listener net.Listener
	Host     string
	Port     int
}

// Addr returns the bound address in host:port form.
func (b *Binding) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Listen binds a TCP listener on host, trying preferredPort first and then
// each successive port up to preferredPort+maxRetries. A candidate is first
// probed with a throwaway bind; if the probe or the real bind reports the
// address in use, the search moves on after a short delay. Any other bind
// error aborts the search immediately. When every candidate is occupied the
// returned error matches ErrBindExhausted.
func Listen(ctx context.Context, log *slog.Logger, host string, preferredPort, maxRetries int) (*Binding, error) {
	if log == nil {
		log = slog.Default()
	}

	var (
		lc        net.ListenConfig
		binding   *Binding
		attempt   int
		permanent bool
	)

	try := func() error {
		candidate := preferredPort + attempt
		attempt++
		addr := net.JoinHostPort(host, strconv.Itoa(candidate))

		// Throwaway bind/listen/close cycle. A busy probe skips straight to
		// the next candidate without attempting the real bind.
		probe, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			if isAddrInUse(err) {
				log.InfoContext(ctx, "bind.probe.busy", slog.Int("port", candidate))
				return err
			}
			// Let a failed probe fall through to the real bind; only the
			// real bind's verdict is authoritative for non-busy errors.
			log.WarnContext(ctx, "bind.probe.fail", slog.Int("port", candidate), slog.String("err", err.Error()))
		} else {
			if cerr := probe.Close(); cerr != nil {
				log.WarnContext(ctx, "bind.probe.close.fail", slog.Int("port", candidate), slog.String("err", cerr.Error()))
			}
		}

		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			if isAddrInUse(err) {
				log.InfoContext(ctx, "bind.attempt.busy", slog.Int("port", candidate))
				return err
			}
			permanent = true
			return backoff.Permanent(err)
		}

		binding = &Binding{Listener: ln, Host: host, Port: candidate}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(candidateDelay), uint64(maxRetries)), ctx)
	if err := backoff.Retry(try, bo); err != nil {
		if permanent || ctx.Err() != nil {
			return nil, fmt.Errorf("bind %s: %w", host, err)
		}
		return nil, fmt.Errorf("%w (ports %d-%d): %w", ErrBindExhausted, preferredPort, preferredPort+maxRetries, err)
	}

	log.InfoContext(ctx, "bind.ok", slog.String("host", binding.Host), slog.Int("port", binding.Port))
	return binding, nil
}

// isAddrInUse reports whether err is the platform's address-in-use bind
// failure.
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
