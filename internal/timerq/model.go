package timerq

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of timer types the process knows how to route.
type Kind string

const (
	KindOutreach      Kind = "OUTREACH"
	KindLastChance    Kind = "LAST_CHANCE"
	KindOTPTimeout    Kind = "OTP_TIMEOUT"
	KindImpliedSkip   Kind = "IMPLIED_SKIP"
	KindPaymentExpiry Kind = "PAYMENT_EXPIRY"
)

// Timer is one scheduled one-shot callback. TargetID is a job id or a user
// pubkey depending on Kind. A fired row is never redelivered; it is kept for
// a retention window and then purged.
type Timer struct {
	ID       uint64          `gorm:"primaryKey"`
	Kind     Kind            `gorm:"column:timer_type;not null"`
	TargetID string          `gorm:"not null"`
	FireAt   time.Time       `gorm:"index;not null"`
	Payload  json.RawMessage `gorm:"type:jsonb"`
	Fired    bool            `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
}

func (Timer) TableName() string { return "timers" }
