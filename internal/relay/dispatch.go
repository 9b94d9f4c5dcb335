package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/yansir/ag-relayer/internal/account"
	"github.com/yansir/ag-relayer/internal/config"
	"github.com/yansir/ag-relayer/internal/events"
	"github.com/yansir/ag-relayer/internal/scheduler"
	"github.com/yansir/ag-relayer/internal/store"
	"github.com/yansir/ag-relayer/internal/translate"
	"github.com/yansir/ag-relayer/internal/upstream"
)

var (
	errNoAccounts = errors.New("no accounts configured")
	errExhausted  = errors.New("all accounts rate limited")
)

// RequestLogger records completed requests. Nil-safe in Relay.
type RequestLogger interface {
	InsertRequestLog(ctx context.Context, l *store.RequestLog) error
}

// Relay dispatches translated requests across the account pool, rotating to
// the next account on per-account rate limits.
type Relay struct {
	cfg      *config.Config
	accounts *account.Store
	sched    *scheduler.Scheduler
	projects *upstream.ProjectResolver
	client   *upstream.Client
	logs     RequestLogger
	bus      *events.Bus
}

func New(
	cfg *config.Config,
	accounts *account.Store,
	sched *scheduler.Scheduler,
	projects *upstream.ProjectResolver,
	client *upstream.Client,
	logs RequestLogger,
	bus *events.Bus,
) *Relay {
	return &Relay{
		cfg:      cfg,
		accounts: accounts,
		sched:    sched,
		projects: projects,
		client:   client,
		logs:     logs,
		bus:      bus,
	}
}

func (r *Relay) attempts() int {
	n := r.accounts.Len()
	if r.cfg.MaxRetryAccounts < n {
		n = r.cfg.MaxRetryAccounts
	}
	return n
}

// retryAfterSeconds is the Retry-After value when the pool is exhausted:
// seconds until the earliest cooldown ends, or 60 when nothing is cooling.
func (r *Relay) retryAfterSeconds() int {
	if until, ok := r.accounts.EarliestCooldownEnd(); ok {
		if d := time.Until(until); d > 0 {
			return int(math.Ceil(d.Seconds()))
		}
	}
	return 60
}

// dispatchUnary runs the retry loop for a unary request. A 429 cools the
// account down and moves to the next; any other failure propagates.
func (r *Relay) dispatchUnary(ctx context.Context, model string, build func(project string) *translate.Envelope) (*translate.GenerateResponse, string, error) {
	if r.accounts.Len() == 0 {
		return nil, "", errNoAccounts
	}

	for attempt := 0; attempt < r.attempts(); attempt++ {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		acct := r.sched.Pick(model)
		if acct == nil {
			break
		}

		project, err := r.projects.Resolve(ctx, acct.ID)
		if err != nil {
			return nil, acct.ID, err
		}

		resp, err := r.client.Generate(ctx, acct.ID, build(project))
		if isRateLimit(err) {
			slog.Warn("account rate limited, rotating", "accountId", acct.ID, "model", model, "attempt", attempt+1)
			r.accounts.MarkCooldown(acct.ID)
			continue
		}
		if err != nil {
			return nil, acct.ID, err
		}

		r.accounts.MarkSuccess(acct.ID)
		return resp, acct.ID, nil
	}

	return nil, "", errExhausted
}

// dispatchStream runs the same loop but returns the open upstream body.
// Failover is only possible here, before anything reaches the client.
func (r *Relay) dispatchStream(ctx context.Context, model string, build func(project string) *translate.Envelope) (io.ReadCloser, string, error) {
	if r.accounts.Len() == 0 {
		return nil, "", errNoAccounts
	}

	for attempt := 0; attempt < r.attempts(); attempt++ {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		acct := r.sched.Pick(model)
		if acct == nil {
			break
		}

		project, err := r.projects.Resolve(ctx, acct.ID)
		if err != nil {
			return nil, acct.ID, err
		}

		body, err := r.client.StreamGenerate(ctx, acct.ID, build(project))
		if isRateLimit(err) {
			slog.Warn("account rate limited, rotating", "accountId", acct.ID, "model", model, "attempt", attempt+1)
			r.accounts.MarkCooldown(acct.ID)
			continue
		}
		if err != nil {
			return nil, acct.ID, err
		}

		r.accounts.MarkSuccess(acct.ID)
		return body, acct.ID, nil
	}

	return nil, "", errExhausted
}

func isRateLimit(err error) bool {
	var rle *upstream.RateLimitError
	return errors.As(err, &rle)
}

// writeDispatchError maps a dispatch failure onto the client dialect.
func (r *Relay) writeDispatchError(w http.ResponseWriter, dialect Dialect, err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 0

	case errors.Is(err, errNoAccounts):
		writeError(w, dialect, http.StatusServiceUnavailable, "no upstream accounts configured")
		return http.StatusServiceUnavailable

	case errors.Is(err, errExhausted):
		w.Header().Set("Retry-After", strconv.Itoa(r.retryAfterSeconds()))
		writeError(w, dialect, http.StatusTooManyRequests, "all accounts are rate limited, please retry later")
		return http.StatusTooManyRequests

	case errors.Is(err, account.ErrTokenRefresh):
		writeError(w, dialect, http.StatusUnauthorized, "upstream authentication failed")
		return http.StatusUnauthorized
	}

	var authErr *upstream.AuthError
	if errors.As(err, &authErr) {
		writeError(w, dialect, http.StatusUnauthorized, "upstream authentication failed")
		return http.StatusUnauthorized
	}

	var bgErr *upstream.BadGatewayError
	if errors.As(err, &bgErr) {
		writeError(w, dialect, http.StatusBadGateway, "all upstream endpoints failed")
		return http.StatusBadGateway
	}

	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		writeError(w, dialect, apiErr.Status, upstreamMessage(apiErr.Body, ""))
		return apiErr.Status
	}

	slog.Error("dispatch failed", "error", err)
	writeError(w, dialect, http.StatusInternalServerError, "internal error")
	return http.StatusInternalServerError
}

// record persists a request log row and announces the request on the bus.
func (r *Relay) record(l *store.RequestLog) {
	l.CreatedAt = time.Now().UTC()
	if r.logs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.logs.InsertRequestLog(ctx, l); err != nil {
			slog.Warn("request log insert failed", "error", err)
		}
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:      events.EventRequest,
			AccountID: l.AccountID,
			Model:     l.Model,
			Message:   http.StatusText(l.Status),
		})
	}
}
