package attendance

import "time"

// Policy holds the tunable rules of the engine. Zero fields fall back to
// DefaultPolicy values except LateAfter and CodeSessionGrace, where zero
// disables the rule.
type Policy struct {
	// CodeLength is the number of digits in a session code (4–9).
	CodeLength int
	// CodeTTL bounds how long a code is accepted after generation.
	CodeTTL time.Duration
	// CodeSessionGrace, when positive, also expires a code at the scheduled
	// session end plus this grace.
	CodeSessionGrace time.Duration
	// TokenTTL is the lifetime of an emailed attendance token.
	TokenTTL time.Duration
	// LateAfter marks a confirmation as late when it happens more than this
	// long after the scheduled start.
	LateAfter time.Duration
	// ExcuseOnApproval promotes the status to excused when a justification
	// is approved.
	ExcuseOnApproval bool
	// StoreRetries bounds retries of transient persistence failures.
	StoreRetries uint64
	// DispatchTimeout bounds handing a token to the notifier.
	DispatchTimeout time.Duration
}

// DefaultPolicy returns the engine defaults.
func DefaultPolicy() Policy {
	return Policy{
		CodeLength:       6,
		CodeTTL:          10 * time.Minute,
		TokenTTL:         10 * time.Minute,
		LateAfter:        15 * time.Minute,
		ExcuseOnApproval: true,
		StoreRetries:     3,
		DispatchTimeout:  2 * time.Second,
	}
}

func (p Policy) normalize() Policy {
	d := DefaultPolicy()
	if p.CodeLength < minCodeLength || p.CodeLength > maxCodeLength {
		p.CodeLength = d.CodeLength
	}
	if p.CodeTTL <= 0 {
		p.CodeTTL = d.CodeTTL
	}
	if p.TokenTTL <= 0 {
		p.TokenTTL = d.TokenTTL
	}
	if p.LateAfter < 0 {
		p.LateAfter = 0
	}
	if p.CodeSessionGrace < 0 {
		p.CodeSessionGrace = 0
	}
	if p.DispatchTimeout <= 0 {
		p.DispatchTimeout = d.DispatchTimeout
	}
	return p
}
