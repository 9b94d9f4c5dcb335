package scheduler

import (
	"log/slog"
	"time"

	"github.com/yansir/ag-relayer/internal/account"
)

// QuotaView is the read side of the quota cache the scheduler scores against.
type QuotaView interface {
	Fraction(accountID, model string) (fraction float64, exhausted, ok bool)
}

// Scheduler picks the next account for a request. Scores favor fresh quota,
// low request counts, and accounts idle the longest; never-used accounts are
// warmed in first.
type Scheduler struct {
	store *account.Store
	quota QuotaView
	now   func() time.Time
}

func New(store *account.Store, quota QuotaView) *Scheduler {
	return &Scheduler{store: store, quota: quota, now: time.Now}
}

// Pick returns the highest-scoring ready account for the model, or nil when
// none is ready. Ties keep insertion order.
func (s *Scheduler) Pick(model string) *account.Account {
	ready := s.store.Ready()
	if len(ready) == 0 {
		return nil
	}

	best := ready[0]
	bestScore := s.score(best, model)
	for _, acct := range ready[1:] {
		if score := s.score(acct, model); score > bestScore {
			best = acct
			bestScore = score
		}
	}

	slog.Debug("picked account", "accountId", best.ID, "model", model, "score", bestScore)
	return best
}

func (s *Scheduler) score(acct *account.Account, model string) float64 {
	var score float64

	if model != "" && s.quota != nil {
		if fraction, exhausted, ok := s.quota.Fraction(acct.ID, model); ok {
			score += 1000 * fraction
			if exhausted {
				score -= 5000
			}
		}
	}

	score -= 0.1 * float64(acct.Requests)

	if acct.LastUsedAt == nil {
		score += 4000
	} else {
		idle := s.now().Sub(*acct.LastUsedAt).Seconds()
		if idle > 3600 {
			idle = 3600
		}
		score += idle
	}

	return score
}
