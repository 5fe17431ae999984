package domain

import "time"

// DeliveryState is the state of one (edge, user) alert pairing.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"
	DeliverySuppressed DeliveryState = "suppressed"
	DeliverySent       DeliveryState = "sent"
	DeliveryFailed     DeliveryState = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s DeliveryState) Terminal() bool {
	return s == DeliverySuppressed || s == DeliverySent || s == DeliveryFailed
}

// Suppression reasons recorded on Suppressed deliveries.
const (
	ReasonAlertsDisabled   = "alerts_disabled"
	ReasonPlatformFiltered = "platform_not_subscribed"
	ReasonBelowThreshold   = "below_threshold"
)

// AlertDelivery records the delivery state of one pairing. (EdgeID,
// IdentityID) is the idempotency key.
type AlertDelivery struct {
	EdgeID     string
	IdentityID string
	State      DeliveryState
	Reason     string
	Attempts   int
	LastError  string
	UpdatedAt  time.Time
}

// Transition is a conditional state change applied by DeliveryStore.
// It only takes effect while the pairing is still Pending.
type Transition struct {
	EdgeID     string
	IdentityID string
	To         DeliveryState
	Reason     string
	Attempts   int
	LastError  string
	At         time.Time
}
