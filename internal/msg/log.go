package msg

import (
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Record is one conversation message kept for diagnostics. Text is stored
// redacted; Redactions names the patterns that were masked.
type Record struct {
	ID         uint64         `gorm:"primaryKey"`
	Pubkey     string         `gorm:"index;not null"`
	Direction  string         `gorm:"not null"`
	Text       string         `gorm:"type:text;not null"`
	Redactions pq.StringArray `gorm:"type:text[];not null;default:'{}'"`
	CreatedAt  time.Time      `gorm:"index;not null;default:now()"`
}

func (Record) TableName() string { return "messages" }

// One-time codes and card security codes are short digit runs; anything
// shaped like one is masked before the message is persisted.
var codeRe = regexp.MustCompile(`\b\d{3,8}\b`)

// Redact masks code-shaped content and reports which patterns hit.
func Redact(text string) (string, []string) {
	var hits []string
	out := codeRe.ReplaceAllStringFunc(text, func(m string) string {
		hits = append(hits, "code")
		return strings.Repeat("•", len(m))
	})
	return out, hits
}

// Log is the rolling diagnostic message store.
type Log struct {
	DB *gorm.DB
}

// Record stores one message. Storage failures are logged and swallowed; the
// diagnostic log must never break message delivery.
func (l *Log) Record(pubkey, direction, text string) {
	redacted, hits := Redact(text)
	r := Record{
		Pubkey:     pubkey,
		Direction:  direction,
		Text:       redacted,
		Redactions: hits,
	}
	if r.Redactions == nil {
		r.Redactions = pq.StringArray{}
	}
	if err := l.DB.Create(&r).Error; err != nil {
		log.Printf("msg: record: %v", err)
	}
}

// Trim drops messages older than the retention window.
func (l *Log) Trim(retention time.Duration) (int64, error) {
	res := l.DB.Where("created_at < ?", time.Now().Add(-retention)).Delete(&Record{})
	return res.RowsAffected, res.Error
}
