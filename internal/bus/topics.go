package bus

import (
	"time"
)

// Reducer topics.
const (
	TopicPolicyTransition = "policy.transition"
	TopicPolicyAlert      = "policy.alert"
	TopicPolicyRejected   = "policy.rejected"
)

// PolicyTransitionEvent is published for every accepted event, whether or
// not the lifecycle state changed.
type PolicyTransitionEvent struct {
	PolicyID       string
	Kind           string
	IdempotencyKey string
	OldState       string
	NewState       string
	Transitioned   bool
	Blacklisted    bool
	RunCount       int64
	FailureCount   int64
	OccurredAt     time.Time
}

// PolicyAlertEvent is published when a policy newly becomes unsafe.
type PolicyAlertEvent struct {
	PolicyID       string
	Kind           string
	IdempotencyKey string
	OldState       string
	NewState       string
	Blacklisted    bool
	Reason         string
	OccurredAt     time.Time
}

// PolicyRejectedEvent is published when an inbound event fails validation.
type PolicyRejectedEvent struct {
	PolicyID       string
	Kind           string
	IdempotencyKey string
	Reason         string
}
