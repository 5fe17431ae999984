package domain

import (
	"fmt"
	"time"
)

// DefaultAlertThreshold applies to users who never set one.
const DefaultAlertThreshold = 0.05

// UserPreference is one user's alerting configuration. IdentityID is an
// opaque reference owned by the external identity provider.
type UserPreference struct {
	IdentityID          string
	Email               string
	AlertThreshold      float64
	AlertsEnabled       bool
	SubscribedPlatforms []Platform
	UpdatedAt           time.Time
}

// DefaultPreference returns the preference a new user starts with.
func DefaultPreference(identityID string) UserPreference {
	platforms := make([]Platform, len(AllPlatforms))
	copy(platforms, AllPlatforms)
	return UserPreference{
		IdentityID:          identityID,
		AlertThreshold:      DefaultAlertThreshold,
		AlertsEnabled:       true,
		SubscribedPlatforms: platforms,
	}
}

// Subscribes reports whether p is in the user's platform set.
func (u UserPreference) Subscribes(p Platform) bool {
	for _, sp := range u.SubscribedPlatforms {
		if sp == p {
			return true
		}
	}
	return false
}

// PreferencePatch carries a partial preference update. Nil fields are left
// unchanged.
type PreferencePatch struct {
	Email               *string
	AlertThreshold      *float64
	AlertsEnabled       *bool
	SubscribedPlatforms []Platform
}

// Apply validates the patch and returns the updated preference.
func (p PreferencePatch) Apply(u UserPreference) (UserPreference, error) {
	if p.AlertThreshold != nil {
		t := *p.AlertThreshold
		if t < 0 || t > 1 {
			return u, &ValidationError{Field: "alert_threshold", Reason: fmt.Sprintf("%v outside [0,1]", t)}
		}
		u.AlertThreshold = t
	}
	if p.AlertsEnabled != nil {
		u.AlertsEnabled = *p.AlertsEnabled
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.SubscribedPlatforms != nil {
		seen := make(map[Platform]bool, len(p.SubscribedPlatforms))
		out := make([]Platform, 0, len(p.SubscribedPlatforms))
		for _, sp := range p.SubscribedPlatforms {
			if !sp.Valid() {
				return u, &ValidationError{Field: "subscribed_platforms", Reason: fmt.Sprintf("unknown platform %q", sp)}
			}
			if !seen[sp] {
				seen[sp] = true
				out = append(out, sp)
			}
		}
		u.SubscribedPlatforms = out
	}
	return u, nil
}
