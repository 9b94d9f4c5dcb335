package account

import (
	"time"

	"github.com/yansir/ag-relayer/internal/config"
)

// Account statuses.
const (
	StatusReady    = "ready"
	StatusCooldown = "cooldown"
	StatusError    = "error"
)

// Account is one authenticated upstream identity. All fields are owned by the
// Store; callers receive copies and mutate through Store methods only.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	ExpiresAt    int64  `json:"expiresAt"` // ms since epoch

	ProjectID           string `json:"projectId,omitempty"`           // configured
	DiscoveredProjectID string `json:"discoveredProjectId,omitempty"` // cached from onboarding

	Status            string     `json:"status"`
	CooldownUntil     *time.Time `json:"cooldownUntil,omitempty"`
	Requests          int64      `json:"requests"`
	Errors            int64      `json:"errors"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`

	Proxy *config.ProxyConfig `json:"proxy,omitempty"`
}

func (a *Account) clone() *Account {
	c := *a
	if a.CooldownUntil != nil {
		t := *a.CooldownUntil
		c.CooldownUntil = &t
	}
	if a.LastUsedAt != nil {
		t := *a.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Project returns the effective project id, preferring the configured one.
func (a *Account) Project() string {
	if a.ProjectID != "" {
		return a.ProjectID
	}
	return a.DiscoveredProjectID
}
