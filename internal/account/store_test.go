package account

import (
	"testing"
	"time"

	"github.com/yansir/ag-relayer/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(time.Minute, nil)
}

func seedAccount(t *testing.T, s *Store, email string) string {
	t.Helper()
	res := s.Add(config.Credential{
		Email:        email,
		AccessToken:  "at-" + email,
		RefreshToken: "rt-" + email,
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})
	return res.ID
}

func TestAddAssignsSequentialIDs(t *testing.T) {
	s := newTestStore(t)

	r1 := s.Add(config.Credential{Email: "a@x.com", RefreshToken: "r"})
	r2 := s.Add(config.Credential{Email: "b@x.com", RefreshToken: "r"})

	if r1.ID != "account-1" || r1.Rank != 1 || !r1.IsNew {
		t.Fatalf("unexpected first result: %+v", r1)
	}
	if r2.ID != "account-2" || r2.Rank != 2 {
		t.Fatalf("unexpected second result: %+v", r2)
	}
}

func TestAddIsIdempotentOnEmail(t *testing.T) {
	s := newTestStore(t)

	r1 := s.Add(config.Credential{Email: "a@x.com", RefreshToken: "r1", AccessToken: "old"})
	s.MarkCooldown(r1.ID)

	r2 := s.Add(config.Credential{Email: "a@x.com", RefreshToken: "r2", AccessToken: "new"})
	if r2.ID != r1.ID {
		t.Fatalf("same email should reuse id: %s vs %s", r1.ID, r2.ID)
	}
	if r2.IsNew {
		t.Fatal("second add should report isNew=false")
	}

	acct, _ := s.Get(r1.ID)
	if acct.Status != StatusReady || acct.ConsecutiveErrors != 0 || acct.Errors != 0 {
		t.Fatalf("re-add should reset error state: %+v", acct)
	}
	if acct.AccessToken != "new" || acct.RefreshToken != "r2" {
		t.Fatalf("re-add should replace tokens: %+v", acct)
	}
	if s.Len() != 1 {
		t.Fatalf("pool should still hold 1 account, got %d", s.Len())
	}
}

func TestMarkCooldownBackoffEscalates(t *testing.T) {
	s := newTestStore(t)
	id := seedAccount(t, s, "a@x.com")

	expected := []time.Duration{
		time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute,
		16 * time.Minute, 32 * time.Minute, 64 * time.Minute,
		64 * time.Minute, // saturates
	}
	for i, want := range expected {
		s.MarkCooldown(id)
		acct, _ := s.Get(id)
		if acct.Status != StatusCooldown || acct.CooldownUntil == nil {
			t.Fatalf("attempt %d: expected cooldown status, got %+v", i+1, acct)
		}
		got := time.Until(*acct.CooldownUntil)
		if got < want-time.Second || got > want+time.Second {
			t.Fatalf("attempt %d: cooldown %v, want ~%v", i+1, got, want)
		}
		if acct.ConsecutiveErrors != i+1 {
			t.Fatalf("attempt %d: consecutiveErrors=%d", i+1, acct.ConsecutiveErrors)
		}
	}
}

func TestMarkSuccessResetsBackoff(t *testing.T) {
	s := newTestStore(t)
	id := seedAccount(t, s, "a@x.com")

	s.MarkCooldown(id)
	s.MarkCooldown(id)
	s.MarkSuccess(id)

	acct, _ := s.Get(id)
	if acct.Status != StatusReady || acct.CooldownUntil != nil || acct.ConsecutiveErrors != 0 {
		t.Fatalf("markSuccess should reset state: %+v", acct)
	}
	if acct.Requests != 1 || acct.LastUsedAt == nil {
		t.Fatalf("markSuccess should stamp usage: %+v", acct)
	}

	// A failure after recovery schedules the base duration again.
	s.MarkCooldown(id)
	acct, _ = s.Get(id)
	got := time.Until(*acct.CooldownUntil)
	if got < 59*time.Second || got > 61*time.Second {
		t.Fatalf("post-reset cooldown should be ~1m, got %v", got)
	}
}

func TestLazyCooldownExpiry(t *testing.T) {
	s := newTestStore(t)
	id := seedAccount(t, s, "a@x.com")

	s.MarkCooldown(id)

	// Rewind the clock past the cooldown.
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	ready := s.Ready()
	if len(ready) != 1 || ready[0].ID != id {
		t.Fatalf("expired cooldown should be schedulable again: %+v", ready)
	}
	acct, _ := s.Get(id)
	if acct.Status != StatusReady || acct.CooldownUntil != nil {
		t.Fatalf("lazy expiry should clear cooldown: %+v", acct)
	}
}

func TestReadyExcludesCoolingAndErrored(t *testing.T) {
	s := newTestStore(t)
	a := seedAccount(t, s, "a@x.com")
	b := seedAccount(t, s, "b@x.com")
	c := seedAccount(t, s, "c@x.com")

	s.MarkCooldown(a)
	s.MarkError(b)

	ready := s.Ready()
	if len(ready) != 1 || ready[0].ID != c {
		t.Fatalf("only %s should be ready, got %+v", c, ready)
	}
}

func TestEarliestCooldownEnd(t *testing.T) {
	s := newTestStore(t)
	a := seedAccount(t, s, "a@x.com")
	b := seedAccount(t, s, "b@x.com")

	if _, ok := s.EarliestCooldownEnd(); ok {
		t.Fatal("no cooldowns expected yet")
	}

	s.MarkCooldown(a) // 1m
	s.MarkCooldown(b)
	s.MarkCooldown(b) // 2m

	end, ok := s.EarliestCooldownEnd()
	if !ok {
		t.Fatal("expected a cooldown end")
	}
	until := time.Until(end)
	if until < 59*time.Second || until > 61*time.Second {
		t.Fatalf("earliest end should track account a (~1m), got %v", until)
	}
}
