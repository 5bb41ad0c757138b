package models

import "time"

// ResumptionToken binds one suspended stage of one execution to a single redemption.
type ResumptionToken struct {
	Value       string     `json:"value"`
	ExecutionID string     `json:"execution_id"`
	StageID     string     `json:"stage_id"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

func (t *ResumptionToken) IsConsumed() bool {
	return t.ConsumedAt != nil
}

// IsExpired reports whether now is past the expiry instant.
func (t *ResumptionToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
