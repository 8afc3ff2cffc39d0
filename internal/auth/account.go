// Package auth holds upstream account identities: OAuth token bundles, quota
// metadata and device fingerprints, persisted one JSON file per account.
// Login itself happens out of process; this package only loads, refreshes
// and saves what the login tool wrote.
package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/codelayer/agproxy/internal/device"
)

// expirySkew marks tokens expired ahead of their real deadline to mask
// clock skew between us and the token issuer.
const expirySkew = 5 * time.Minute

var oauthConfig = &oauth2.Config{
	ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
	ClientSecret: "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",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
	Endpoint: google.Endpoint,
}

// Quota is upstream subscription metadata attached at login time.
type Quota struct {
	ProjectID string `json:"project_id,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

// Account is one upstream identity.
type Account struct {
	ID            string           `json:"id"`
	Email         string           `json:"email"`
	DisplayName   string           `json:"display_name,omitempty"`
	AccessToken   string           `json:"access_token"`
	RefreshToken  string           `json:"refresh_token"`
	Expiry        time.Time        `json:"expiry"`
	DeviceProfile *device.Profile  `json:"device_profile,omitempty"`
	DeviceHistory []device.Profile `json:"device_history,omitempty"`
	Quota         *Quota           `json:"quota,omitempty"`

	// serializes refresh so a storm of 401s performs at most one
	refreshMu sync.Mutex
}

// Expired reports whether the access token should be refreshed, applying
// the skew window.
func (a *Account) Expired() bool {
	if a.AccessToken == "" {
		return true
	}
	if a.Expiry.IsZero() {
		return false
	}
	return time.Now().After(a.Expiry.Add(-expirySkew))
}

// ProjectID returns the upstream project id from quota metadata, if any.
func (a *Account) ProjectID() string {
	if a.Quota == nil {
		return ""
	}
	return a.Quota.ProjectID
}

// ReplaceProfile installs a new device profile and archives the previous
// one in the account's history.
func (a *Account) ReplaceProfile(profile *device.Profile) {
	if a.DeviceProfile != nil {
		a.DeviceHistory = append(a.DeviceHistory, *a.DeviceProfile)
	}
	a.DeviceProfile = profile
}

// Refresh exchanges the refresh token for a fresh access token. Concurrent
// callers are serialized; whichever wins refreshes, the rest observe the
// new token and return immediately.
func (a *Account) Refresh(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	if !a.Expired() {
		return nil
	}

	source := oauthConfig.TokenSource(ctx, &oauth2.Token{
		RefreshToken: a.RefreshToken,
	})
	token, err := source.Token()
	if err != nil {
		return err
	}
	a.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		a.RefreshToken = token.RefreshToken
	}
	a.Expiry = token.Expiry
	return nil
}

// ForceRefresh refreshes regardless of the expiry view. Used by the 401
// recovery path where the token is known bad despite looking fresh.
func (a *Account) ForceRefresh(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	source := oauthConfig.TokenSource(ctx, &oauth2.Token{
		RefreshToken: a.RefreshToken,
	})
	token, err := source.Token()
	if err != nil {
		return err
	}
	a.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		a.RefreshToken = token.RefreshToken
	}
	a.Expiry = token.Expiry
	return nil
}
