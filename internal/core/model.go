package core

import (
	"time"

	"unsub/internal/vps"
)

// Job is the local cache of a claimed remote job. The remote store stays
// authoritative; this row exists so timers and conversation handlers can
// work without a network round trip, and it is deleted once terminal.
type Job struct {
	ID             string `gorm:"primaryKey"`
	UserPubkey     string `gorm:"index;not null"`
	Service        string `gorm:"not null"`
	Action         string `gorm:"not null"`
	Trigger        string `gorm:"not null"`
	Status         string `gorm:"index;not null"`
	BillingDate    *time.Time
	AccessEndDate  *time.Time
	OutreachCount  int `gorm:"not null;default:0"`
	NextOutreachAt *time.Time
	AmountSats     *int64
	InvoiceID      *string

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (Job) TableName() string { return "cached_jobs" }

func fromRemote(r vps.Job) Job {
	return Job{
		ID:             r.ID,
		UserPubkey:     r.UserPubkey,
		Service:        r.Service,
		Action:         r.Action,
		Trigger:        r.Trigger,
		Status:         r.Status,
		BillingDate:    r.BillingDate,
		AccessEndDate:  r.AccessEndDate,
		OutreachCount:  r.OutreachCount,
		NextOutreachAt: r.NextOutreachAt,
		AmountSats:     r.AmountSats,
		InvoiceID:      r.InvoiceID,
	}
}

// IsTerminal reports whether a status ends the job's lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case vps.StatusCompletedPaid, vps.StatusCompletedEventual, vps.StatusCompletedReneged,
		vps.StatusUserSkip, vps.StatusUserAbandon, vps.StatusImpliedSkip, vps.StatusFailed:
		return true
	}
	return false
}

// Session states. A missing row means IDLE.
const (
	StateIdle               = "IDLE"
	StateOTPConfirm         = "OTP_CONFIRM"
	StateAwaitingOTP        = "AWAITING_OTP"
	StateAwaitingCredential = "AWAITING_CREDENTIAL"
	StateExecuting          = "EXECUTING"
	StateInvoiceSent        = "INVOICE_SENT"
)

// Session is the per-user conversational state. Exactly one row per user;
// deleted when the conversation returns to IDLE.
type Session struct {
	UserPubkey  string  `gorm:"primaryKey"`
	State       string  `gorm:"not null"`
	JobID       *string `gorm:"index"`
	OTPAttempts int     `gorm:"not null;default:0"`

	// Named credential the agent is waiting for, set in AWAITING_CREDENTIAL.
	PendingCredential *string

	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (Session) TableName() string { return "sessions" }
