package quota

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yansir/ag-relayer/internal/account"
	"github.com/yansir/ag-relayer/internal/events"
	"github.com/yansir/ag-relayer/internal/upstream"
)

// Below this remaining fraction a model counts as exhausted.
const exhaustedThreshold = 0.01

const (
	StatusAvailable = "available"
	StatusExhausted = "exhausted"
)

// Entry is the cached quota state for one (account, model) pair.
type Entry struct {
	RemainingFraction float64
	ResetTime         *time.Time
	LastFetchedAt     time.Time
	Status            string
}

// ModelQuota is one row of a snapshot, sorted by model name.
type ModelQuota struct {
	Model             string     `json:"model"`
	RemainingFraction float64    `json:"remainingFraction"`
	ResetTime         *time.Time `json:"resetTime,omitempty"`
	Status            string     `json:"status"`
}

// AccountQuota is the snapshot for one account.
type AccountQuota struct {
	AccountID     string       `json:"accountId"`
	Email         string       `json:"email"`
	Models        []ModelQuota `json:"models"`
	LastFetchedAt *time.Time   `json:"lastFetchedAt,omitempty"`
}

// ProjectResolver supplies the project id sent with quota fetches.
type ProjectResolver interface {
	Resolve(ctx context.Context, accountID string) (string, error)
}

// Tracker caches per-(account, model) quota fractions fetched from
// :fetchAvailableModels. It never refreshes on its own; callers decide when.
type Tracker struct {
	client   *upstream.Client
	store    *account.Store
	projects ProjectResolver
	bus      *events.Bus

	mu    sync.RWMutex
	cache map[string]map[string]Entry // accountID -> model -> entry
}

func NewTracker(client *upstream.Client, store *account.Store, projects ProjectResolver, bus *events.Bus) *Tracker {
	return &Tracker{
		client:   client,
		store:    store,
		projects: projects,
		bus:      bus,
		cache:    make(map[string]map[string]Entry),
	}
}

// Refresh fetches quota for one account and upserts every model that carries
// quota info.
func (t *Tracker) Refresh(ctx context.Context, accountID string) error {
	project := ""
	if t.projects != nil {
		if p, err := t.projects.Resolve(ctx, accountID); err == nil {
			project = p
		}
	}

	resp, err := t.client.FetchAvailableModels(ctx, accountID, project)
	if err != nil {
		return err
	}

	now := time.Now()
	t.mu.Lock()
	byModel := t.cache[accountID]
	if byModel == nil {
		byModel = make(map[string]Entry)
		t.cache[accountID] = byModel
	}
	for model, data := range resp.Models {
		if data.QuotaInfo == nil || data.QuotaInfo.RemainingFraction == nil {
			continue
		}
		entry := Entry{
			RemainingFraction: *data.QuotaInfo.RemainingFraction,
			LastFetchedAt:     now,
			Status:            StatusAvailable,
		}
		if entry.RemainingFraction <= exhaustedThreshold {
			entry.Status = StatusExhausted
		}
		if rt := data.QuotaInfo.ResetTime; rt != nil {
			if parsed, err := time.Parse(time.RFC3339, *rt); err == nil {
				entry.ResetTime = &parsed
			}
		}
		byModel[model] = entry
	}
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(events.Event{Type: events.EventQuota, AccountID: accountID, Message: "quota refreshed"})
	}
	return nil
}

// RefreshAll fans out a refresh across every ready account. Individual
// failures are logged and do not abort the gather.
func (t *Tracker) RefreshAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, acct := range t.store.Ready() {
		g.Go(func() error {
			if err := t.Refresh(ctx, acct.ID); err != nil {
				slog.Warn("quota refresh failed", "accountId", acct.ID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// Lookup returns the cached entry for an (account, model) pair.
func (t *Tracker) Lookup(accountID, model string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.cache[accountID][model]
	return entry, ok
}

// Fraction implements the selector's quota view.
func (t *Tracker) Fraction(accountID, model string) (fraction float64, exhausted, ok bool) {
	entry, found := t.Lookup(accountID, model)
	if !found {
		return 0, false, false
	}
	return entry.RemainingFraction, entry.Status == StatusExhausted, true
}

// Snapshot returns per-account quota rows for the given accounts, models
// sorted by name.
func (t *Tracker) Snapshot(accounts []*account.Account) []AccountQuota {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]AccountQuota, 0, len(accounts))
	for _, acct := range accounts {
		aq := AccountQuota{AccountID: acct.ID, Email: acct.Email}

		byModel := t.cache[acct.ID]
		models := make([]string, 0, len(byModel))
		for model := range byModel {
			models = append(models, model)
		}
		sort.Strings(models)

		var latest time.Time
		for _, model := range models {
			entry := byModel[model]
			aq.Models = append(aq.Models, ModelQuota{
				Model:             model,
				RemainingFraction: entry.RemainingFraction,
				ResetTime:         entry.ResetTime,
				Status:            entry.Status,
			})
			if entry.LastFetchedAt.After(latest) {
				latest = entry.LastFetchedAt
			}
		}
		if !latest.IsZero() {
			aq.LastFetchedAt = &latest
		}
		out = append(out, aq)
	}
	return out
}
