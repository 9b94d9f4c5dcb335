package account

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yansir/ag-relayer/internal/config"
	"github.com/yansir/ag-relayer/internal/events"
)

// Maximum backoff multiplier exponent: 2^6 = 64x the base duration.
const maxBackoffShift = 6

// Store owns the in-memory account pool. Insertion order is preserved and
// determines id numbering (account-1, account-2, ...).
type Store struct {
	mu           sync.Mutex
	accounts     []*Account
	byID         map[string]*Account
	byEmail      map[string]*Account
	cooldownBase time.Duration
	bus          *events.Bus
	now          func() time.Time
}

// AddResult reports the outcome of an Add call.
type AddResult struct {
	ID    string
	Rank  int // 1-based insertion rank
	IsNew bool
}

func NewStore(cooldownBase time.Duration, bus *events.Bus) *Store {
	if cooldownBase <= 0 {
		cooldownBase = time.Minute
	}
	return &Store{
		byID:         make(map[string]*Account),
		byEmail:      make(map[string]*Account),
		cooldownBase: cooldownBase,
		bus:          bus,
		now:          time.Now,
	}
}

// Add inserts a credential, or updates the existing account in place when the
// email is already known (tokens replaced, status reset, error counts cleared).
func (s *Store) Add(cred config.Credential) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byEmail[cred.Email]; ok {
		existing.AccessToken = cred.AccessToken
		existing.RefreshToken = cred.RefreshToken
		existing.ExpiresAt = cred.ExpiryDate
		if cred.ProjectID != "" {
			existing.ProjectID = cred.ProjectID
		}
		existing.Status = StatusReady
		existing.CooldownUntil = nil
		existing.Errors = 0
		existing.ConsecutiveErrors = 0
		return AddResult{ID: existing.ID, Rank: s.rankLocked(existing.ID), IsNew: false}
	}

	acct := &Account{
		ID:           fmt.Sprintf("account-%d", len(s.accounts)+1),
		Email:        cred.Email,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiryDate,
		ProjectID:    cred.ProjectID,
		Status:       StatusReady,
		CreatedAt:    s.now().UTC(),
		Proxy:        cred.Proxy,
	}
	s.accounts = append(s.accounts, acct)
	s.byID[acct.ID] = acct
	s.byEmail[acct.Email] = acct
	return AddResult{ID: acct.ID, Rank: len(s.accounts), IsNew: true}
}

// Get returns a copy of the account, after lazy cooldown expiry.
func (s *Store) Get(id string) (*Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	s.expireLocked(acct)
	return acct.clone(), true
}

// List returns copies of all accounts in insertion order.
func (s *Store) List() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		s.expireLocked(acct)
		out = append(out, acct.clone())
	}
	return out
}

// ListIDs returns account ids in insertion order.
func (s *Store) ListIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.accounts))
	for i, acct := range s.accounts {
		ids[i] = acct.ID
	}
	return ids
}

// Ready returns copies of accounts currently schedulable, expiring cooldowns
// lazily first.
func (s *Store) Ready() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Account
	for _, acct := range s.accounts {
		s.expireLocked(acct)
		if acct.Status == StatusReady {
			out = append(out, acct.clone())
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// MarkSuccess records a completed request: increments the request counter,
// stamps last-used, clears error state, and lifts any cooldown.
func (s *Store) MarkSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok {
		return
	}
	now := s.now()
	acct.Requests++
	acct.LastUsedAt = &now
	acct.ConsecutiveErrors = 0
	if acct.Status != StatusReady {
		acct.Status = StatusReady
		acct.CooldownUntil = nil
	}
}

// MarkCooldown puts the account on an exponential-backoff cooldown:
// base x 2^min(k-1, 6) where k is the consecutive-error count after this call.
func (s *Store) MarkCooldown(id string) {
	s.mu.Lock()
	acct, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	acct.ConsecutiveErrors++
	acct.Errors++
	shift := acct.ConsecutiveErrors - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	until := s.now().Add(s.cooldownBase * (1 << shift))
	acct.Status = StatusCooldown
	acct.CooldownUntil = &until
	k := acct.ConsecutiveErrors
	s.mu.Unlock()

	slog.Warn("account cooling down", "accountId", id, "consecutiveErrors", k, "until", until.UTC().Format(time.RFC3339))
	s.publish(events.EventCooldown, id, fmt.Sprintf("cooldown until %s (streak %d)", until.UTC().Format(time.RFC3339), k))
}

// MarkError flags a non-recoverable failure (token refresh rejection). No
// recovery is scheduled; only Add or MarkSuccess bring the account back.
func (s *Store) MarkError(id string) {
	s.mu.Lock()
	acct, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	acct.Status = StatusError
	acct.Errors++
	s.mu.Unlock()

	s.publish(events.EventError, id, "account marked error")
}

// ExpireCooldowns flips every account whose cooldown has elapsed back to ready.
func (s *Store) ExpireCooldowns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		s.expireLocked(acct)
	}
}

// EarliestCooldownEnd returns the soonest cooldown expiry across the pool.
func (s *Store) EarliestCooldownEnd() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	found := false
	for _, acct := range s.accounts {
		if acct.Status == StatusCooldown && acct.CooldownUntil != nil {
			if !found || acct.CooldownUntil.Before(earliest) {
				earliest = *acct.CooldownUntil
				found = true
			}
		}
	}
	return earliest, found
}

// UpdateTokens stores refreshed credentials.
func (s *Store) UpdateTokens(id, accessToken, refreshToken string, expiresAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok {
		return
	}
	acct.AccessToken = accessToken
	if refreshToken != "" {
		acct.RefreshToken = refreshToken
	}
	acct.ExpiresAt = expiresAt
}

// SetDiscoveredProject caches a project id found via onboarding.
func (s *Store) SetDiscoveredProject(id, project string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.byID[id]; ok {
		acct.DiscoveredProjectID = project
	}
}

func (s *Store) expireLocked(acct *Account) {
	if acct.Status == StatusCooldown && acct.CooldownUntil != nil && !s.now().Before(*acct.CooldownUntil) {
		acct.Status = StatusReady
		acct.CooldownUntil = nil
		s.publish(events.EventRecover, acct.ID, "cooldown expired")
	}
}

func (s *Store) rankLocked(id string) int {
	for i, acct := range s.accounts {
		if acct.ID == id {
			return i + 1
		}
	}
	return 0
}

func (s *Store) publish(typ events.EventType, accountID, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: typ, AccountID: accountID, Message: msg})
}
