package broker

import (
	"context"
	"log/slog"
	"time"

	"riskdesk/internal/domain"
)

// DefaultConnectTimeout applies when an Endpoint carries no timeout.
const DefaultConnectTimeout = 3 * time.Second

type dialResult struct {
	sess Session
	err  error
}

// WithSession opens a session, runs fn on it and closes it on every path. A
// session that is not confirmed within ep.ConnectTimeout aborts the operation
// with a connection_timeout error before fn runs.
func WithSession(ctx context.Context, d Dialer, ep Endpoint, log *slog.Logger, fn func(ctx context.Context, s Session) error) error {
	if log == nil {
		log = slog.Default()
	}
	timeout := ep.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan dialResult, 1)
	go func() {
		s, err := d.Dial(dctx, ep)
		done <- dialResult{s, err}
	}()

	var sess Session
	select {
	case r := <-done:
		if r.err != nil {
			if r.sess != nil {
				r.sess.Close()
			}
			log.Error("broker connect failed", "broker", d.Name(), "host", ep.Host, "port", ep.Port, "error", r.err)
			return domain.Wrap(domain.KindConnectionTimeout, "connect", "", r.err)
		}
		sess = r.sess
	case <-dctx.Done():
		// A dialer that ignores ctx may still confirm later; close it then.
		go func() {
			if r := <-done; r.sess != nil {
				r.sess.Close()
			}
		}()
		log.Error("broker connect not confirmed", "broker", d.Name(), "host", ep.Host, "port", ep.Port, "timeout", timeout)
		return domain.Wrap(domain.KindConnectionTimeout, "connect", "", dctx.Err())
	}

	log = log.With("session", sess.ID())
	log.Debug("broker session opened", "broker", d.Name(), "client_id", ep.ClientID)
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("closing broker session", "error", err)
			return
		}
		log.Debug("broker session closed")
	}()

	return fn(ctx, sess)
}
