// Package device generates and applies per-account fingerprint identifiers.
// Each account's traffic carries a stable set of machine headers so the
// upstream sees it as one installation.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Profile is an immutable fingerprint tuple. Profiles are replaced, never
// mutated; superseded profiles move into the owning account's history.
type Profile struct {
	VersionID    string    `json:"version_id"`
	CreatedAt    time.Time `json:"created_at"`
	MachineID    string    `json:"machine_id"`
	MacMachineID string    `json:"mac_machine_id"`
	DevDeviceID  string    `json:"dev_device_id"`
	SqmID        string    `json:"sqm_id"`
}

// NewProfile mints a fresh profile with well-formed random identifiers.
func NewProfile() *Profile {
	return &Profile{
		VersionID:    uuid.NewString(),
		CreatedAt:    time.Now(),
		MachineID:    randomHex(32),
		MacMachineID: randomHex(32),
		DevDeviceID:  uuid.NewString(),
		SqmID:        "{" + strings.ToUpper(uuid.NewString()) + "}",
	}
}

// Apply sets the fingerprint headers. A nil profile sends nothing and the
// upstream falls back to its defaults.
func Apply(header http.Header, profile *Profile) {
	if profile == nil {
		return
	}
	header.Set("X-Machine-Id", profile.MachineID)
	header.Set("X-Mac-Machine-Id", profile.MacMachineID)
	header.Set("X-Dev-Device-Id", profile.DevDeviceID)
	header.Set("X-Sqm-Id", profile.SqmID)
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(buf)
}
