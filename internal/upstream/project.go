package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yansir/ag-relayer/internal/account"
)

const (
	loadTimeout    = 20 * time.Second
	onboardTimeout = 30 * time.Second

	onboardPollInterval = 2 * time.Second
	onboardMaxAttempts  = 60

	fallbackTier = "free-tier"
)

// ProjectResolver finds the cloud project id an account should bill against:
// configured id, then cached discovery, then the loadCodeAssist/onboardUser
// flow. Discovery per account is single-flight.
type ProjectResolver struct {
	client *Client
	store  *account.Store
	group  singleflight.Group
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewProjectResolver(client *Client, store *account.Store) *ProjectResolver {
	return &ProjectResolver{
		client: client,
		store:  store,
		sleep:  sleepCtx,
	}
}

// Resolve returns a project id for the account. It never fails outright: when
// discovery is impossible it returns a synthesized dummy id and lets the next
// upstream call surface the real error.
func (r *ProjectResolver) Resolve(ctx context.Context, accountID string) (string, error) {
	acct, ok := r.store.Get(accountID)
	if !ok {
		return "", fmt.Errorf("unknown account %s", accountID)
	}
	if p := acct.Project(); p != "" {
		return p, nil
	}

	v, err, _ := r.group.Do(accountID, func() (any, error) {
		return r.discover(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *ProjectResolver) discover(ctx context.Context, accountID string) (string, error) {
	// A concurrent flight may have finished discovery already.
	if acct, ok := r.store.Get(accountID); ok {
		if p := acct.Project(); p != "" {
			return p, nil
		}
	}

	load, err := r.loadCodeAssist(ctx, accountID)
	if err != nil {
		slog.Warn("project discovery failed, using dummy project id", "accountId", accountID, "error", err)
		return dummyProjectID(), nil
	}

	if load.CloudAICompanionProject != "" {
		r.store.SetDiscoveredProject(accountID, load.CloudAICompanionProject)
		slog.Info("discovered project", "accountId", accountID, "project", load.CloudAICompanionProject)
		return load.CloudAICompanionProject, nil
	}

	if load.CurrentTier == nil {
		if project, err := r.onboard(ctx, accountID, defaultTier(load.AllowedTiers)); err == nil && project != "" {
			r.store.SetDiscoveredProject(accountID, project)
			slog.Info("onboarded project", "accountId", accountID, "project", project)
			return project, nil
		} else if err != nil {
			slog.Warn("onboarding failed, using dummy project id", "accountId", accountID, "error", err)
		}
	}

	return dummyProjectID(), nil
}

type tierInfo struct {
	ID        string `json:"id"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

type loadCodeAssistResponse struct {
	CloudAICompanionProject string     `json:"cloudaicompanionProject,omitempty"`
	CurrentTier             *tierInfo  `json:"currentTier,omitempty"`
	AllowedTiers            []tierInfo `json:"allowedTiers,omitempty"`
}

func (r *ProjectResolver) loadCodeAssist(ctx context.Context, accountID string) (*loadCodeAssistResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	payload := map[string]any{
		"metadata":                clientMetadata(),
		"cloudaicompanionProject": nil,
	}
	resp, err := r.client.post(ctx, accountID, "loadCodeAssist", "", payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out loadCodeAssistResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("parse loadCodeAssist response: %w", err)
	}
	return &out, nil
}

type onboardResponse struct {
	Done     bool `json:"done"`
	Response struct {
		CloudAICompanionProject struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
}

// onboard polls :onboardUser until the long-running operation completes.
func (r *ProjectResolver) onboard(ctx context.Context, accountID, tierID string) (string, error) {
	payload := map[string]any{
		"tierId":                  tierID,
		"metadata":                clientMetadata(),
		"cloudaicompanionProject": nil,
	}

	for attempt := 0; attempt < onboardMaxAttempts; attempt++ {
		pollCtx, cancel := context.WithTimeout(ctx, onboardTimeout)
		resp, err := r.client.post(pollCtx, accountID, "onboardUser", "", payload, false)
		if err != nil {
			cancel()
			return "", err
		}

		var out onboardResponse
		err = decodeJSON(resp.Body, &out)
		resp.Body.Close()
		cancel()
		if err != nil {
			return "", fmt.Errorf("parse onboardUser response: %w", err)
		}

		if out.Done {
			return out.Response.CloudAICompanionProject.ID, nil
		}
		if err := r.sleep(ctx, onboardPollInterval); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("onboarding did not complete after %d attempts", onboardMaxAttempts)
}

func clientMetadata() map[string]string {
	return map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}

func defaultTier(tiers []tierInfo) string {
	for _, t := range tiers {
		if t.IsDefault && t.ID != "" {
			return t.ID
		}
	}
	return fallbackTier
}

var (
	dummyAdjectives = []string{"useful", "swift", "bright", "calm", "deft", "keen", "quiet", "brisk"}
	dummyNouns      = []string{"mountain", "river", "meadow", "harbor", "summit", "canyon", "valley", "forest"}
)

// dummyProjectID synthesizes a plausible-looking project id. The upstream may
// reject it; the resolver does not decide that policy.
func dummyProjectID() string {
	return fmt.Sprintf("%s-%s-%05x",
		dummyAdjectives[rand.Intn(len(dummyAdjectives))],
		dummyNouns[rand.Intn(len(dummyNouns))],
		rand.Intn(1<<20))
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
