package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPreference(t *testing.T) {
	u := DefaultPreference("auth0|abc")
	assert.Equal(t, DefaultAlertThreshold, u.AlertThreshold)
	assert.True(t, u.AlertsEnabled)
	assert.True(t, u.Subscribes(PlatformKalshi))
	assert.True(t, u.Subscribes(PlatformPolymarket))
}

func TestPreferencePatchOnlyTouchesSuppliedFields(t *testing.T) {
	u := DefaultPreference("id")
	threshold := 0.2
	got, err := PreferencePatch{AlertThreshold: &threshold}.Apply(u)
	require.NoError(t, err)
	assert.Equal(t, 0.2, got.AlertThreshold)
	assert.True(t, got.AlertsEnabled)
	assert.Len(t, got.SubscribedPlatforms, 2)

	off := false
	got, err = PreferencePatch{AlertsEnabled: &off, SubscribedPlatforms: []Platform{PlatformKalshi, PlatformKalshi}}.Apply(got)
	require.NoError(t, err)
	assert.False(t, got.AlertsEnabled)
	assert.Equal(t, []Platform{PlatformKalshi}, got.SubscribedPlatforms)
	assert.False(t, got.Subscribes(PlatformPolymarket))
}

func TestPreferencePatchValidation(t *testing.T) {
	u := DefaultPreference("id")
	bad := 1.5
	_, err := PreferencePatch{AlertThreshold: &bad}.Apply(u)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = PreferencePatch{SubscribedPlatforms: []Platform{"betfair"}}.Apply(u)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform(" Kalshi ")
	require.NoError(t, err)
	assert.Equal(t, PlatformKalshi, p)
	assert.Equal(t, "kalshi.markets", p.Topic())

	_, err = ParsePlatform("nyse")
	assert.ErrorIs(t, err, ErrValidation)
}
