package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"unsub/internal/timerq"
	"unsub/internal/vps"
)

// HandleTimer is the single callback registered with the timer queue. It
// dispatches by kind; an unlisted kind is a programming error and is
// reported, not silently dropped.
func (m *Manager) HandleTimer(kind timerq.Kind, targetID string, payload json.RawMessage) error {
	ctx := context.Background()
	switch kind {
	case timerq.KindOutreach:
		return m.handleOutreachTimer(ctx, targetID)
	case timerq.KindLastChance:
		return m.handleLastChanceTimer(ctx, targetID, payload)
	case timerq.KindOTPTimeout:
		return m.handleOTPTimeout(ctx, targetID)
	case timerq.KindImpliedSkip:
		return m.handleImpliedSkip(ctx, targetID)
	case timerq.KindPaymentExpiry:
		return m.handlePaymentExpiry(ctx, targetID)
	}
	return fmt.Errorf("unhandled timer kind %q", kind)
}

// handleOutreachTimer re-sends outreach for a job that is still open. If the
// user is mid-conversation the send is deferred by rescheduling.
func (m *Manager) handleOutreachTimer(ctx context.Context, jobID string) error {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil || IsTerminal(job.Status) {
		return nil
	}

	busy, err := m.sessionBusy(job.UserPubkey)
	if err != nil {
		return err
	}
	if busy {
		_, err := m.Timers.ScheduleDelay(timerq.KindOutreach, jobID, m.Opts.OutreachInterval, nil)
		return err
	}
	return m.SendOutreach(ctx, jobID)
}

// handleLastChanceTimer sends the near-billing-date nudge. No retry: if the
// user is busy the nudge is skipped.
func (m *Manager) handleLastChanceTimer(ctx context.Context, jobID string, payload json.RawMessage) error {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil || IsTerminal(job.Status) {
		return nil
	}

	busy, err := m.sessionBusy(job.UserPubkey)
	if err != nil || busy {
		return err
	}

	var p struct {
		BillingDate *time.Time `json:"billing_date"`
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("last-chance payload: %w", err)
		}
	}
	billing := job.BillingDate
	if p.BillingDate != nil {
		billing = p.BillingDate
	}
	daysLeft := 0
	if billing != nil {
		daysLeft = int(time.Until(*billing).Hours() / 24)
		if daysLeft < 0 {
			daysLeft = 0
		}
	}
	return m.Send.Send(ctx, job.UserPubkey, msgLastChance(job, daysLeft))
}

// handleImpliedSkip closes a job whose billing date passed with no response.
func (m *Manager) handleImpliedSkip(ctx context.Context, jobID string) error {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil || IsTerminal(job.Status) {
		return nil
	}

	m.Timers.Cancel(timerq.KindOutreach, jobID)
	m.Timers.Cancel(timerq.KindLastChance, jobID)
	return m.setStatus(ctx, jobID, vps.StatusImpliedSkip)
}
