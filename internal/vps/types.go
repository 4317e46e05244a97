package vps

import "time"

// Job statuses as the authoritative store reports them. The local cache in
// internal/core mirrors these values.
const (
	StatusPending           = "pending"
	StatusDispatched        = "dispatched"
	StatusOutreachSent      = "outreach_sent"
	StatusSnoozed           = "snoozed"
	StatusExecuting         = "executing"
	StatusCompletedPaid     = "completed_paid"
	StatusCompletedEventual = "completed_eventual"
	StatusCompletedReneged  = "completed_reneged"
	StatusUserSkip          = "user_skip"
	StatusUserAbandon       = "user_abandon"
	StatusImpliedSkip       = "implied_skip"
	StatusFailed            = "failed"
)

const (
	ActionCancel = "cancel"
	ActionResume = "resume"

	TriggerOutreach = "outreach"
	TriggerOnDemand = "on_demand"
)

type Job struct {
	ID             string     `json:"id"`
	UserPubkey     string     `json:"user_pubkey"`
	Service        string     `json:"service"`
	Action         string     `json:"action"`
	Trigger        string     `json:"trigger"`
	Status         string     `json:"status"`
	BillingDate    *time.Time `json:"billing_date,omitempty"`
	AccessEndDate  *time.Time `json:"access_end_date,omitempty"`
	OutreachCount  int        `json:"outreach_count"`
	NextOutreachAt *time.Time `json:"next_outreach_at,omitempty"`
	AmountSats     *int64     `json:"amount_sats,omitempty"`
	InvoiceID      *string    `json:"invoice_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobPatch carries a partial status update. Nil fields are left untouched by
// the store.
type JobPatch struct {
	Status         *string    `json:"status,omitempty"`
	OutreachCount  *int       `json:"outreach_count,omitempty"`
	NextOutreachAt *time.Time `json:"next_outreach_at,omitempty"`
	BillingDate    *time.Time `json:"billing_date,omitempty"`
	AccessEndDate  *time.Time `json:"access_end_date,omitempty"`
	AmountSats     *int64     `json:"amount_sats,omitempty"`
	InvoiceID      *string    `json:"invoice_id,omitempty"`
}

type ClaimResult struct {
	Claimed []string `json:"claimed"`
	Blocked []string `json:"blocked"`
}

type User struct {
	Pubkey    string    `json:"pubkey"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Invoice struct {
	InvoiceID  string `json:"invoice_id"`
	Bolt11     string `json:"bolt11"`
	AmountSats int64  `json:"amount_sats"`
}

// Invite is a pending invitation message the store wants sent over the
// messaging protocol.
type Invite struct {
	ID     string `json:"id"`
	Pubkey string `json:"pubkey"`
	Text   string `json:"text"`
}
