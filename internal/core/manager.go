// Package core holds the job-lifecycle manager and the per-user
// conversational state machine. The two call into each other (outreach
// replies start executions, executions end in invoices), so they share one
// package and one Manager value.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"unsub/internal/agent"
	"unsub/internal/timerq"
	"unsub/internal/vps"
)

// RemoteStore is the slice of the vps client the manager needs. The remote
// store is authoritative for job status; the local cache only exists to
// serve timers and conversations between polls.
type RemoteStore interface {
	PendingJobs(ctx context.Context) ([]vps.Job, error)
	ClaimJobs(ctx context.Context, ids []string) (vps.ClaimResult, error)
	ActiveJobs(ctx context.Context, pubkey string) ([]vps.Job, error)
	PatchJob(ctx context.Context, id string, patch vps.JobPatch) error
	DebtBalance(ctx context.Context, pubkey string) (int64, error)
	CreateInvoice(ctx context.Context, jobID string) (vps.Invoice, error)
	MarkJobPaid(ctx context.Context, jobID string, amountSats int64, payerPubkey string) error
	PendingInvites(ctx context.Context) ([]vps.Invite, error)
	AckInvite(ctx context.Context, id string) error
}

type AgentClient interface {
	Dispatch(ctx context.Context, req agent.DispatchRequest) error
	RelayOTP(ctx context.Context, jobID, code string) error
	RelayCredential(ctx context.Context, jobID, name, value string) error
	Abort(ctx context.Context, jobID string) error
}

// TimerScheduler is satisfied by *timerq.Queue.
type TimerScheduler interface {
	Schedule(kind timerq.Kind, targetID string, fireAt time.Time, payload json.RawMessage) (uint64, error)
	ScheduleDelay(kind timerq.Kind, targetID string, delay time.Duration, payload json.RawMessage) (uint64, error)
	Cancel(kind timerq.Kind, targetID string) (int64, error)
}

type CredentialSource interface {
	ForService(ctx context.Context, pubkey, service string) (map[string]string, error)
	Has(ctx context.Context, pubkey, service, name string) (bool, error)
	Put(ctx context.Context, pubkey, service, name, value string) error
}

type Sender interface {
	Send(ctx context.Context, pubkey, text string) error
}

type Options struct {
	MaxAgentJobs     int
	OutreachInterval time.Duration
	OTPTimeout       time.Duration
	PaymentExpiry    time.Duration
	LastChanceWindow time.Duration
}

type Manager struct {
	VPS      RemoteStore
	Agent    AgentClient
	Jobs     JobStore
	Sessions SessionStore
	Timers   TimerScheduler
	Send     Sender
	Vault    CredentialSource
	Opts     Options

	// mu guards reserved and waiting together: slot availability is checked
	// and acted on as one step, which is what keeps reservations bounded
	// under interleaved calls.
	mu       sync.Mutex
	reserved map[string]struct{}
	waiting  []waiter

	now func() time.Time
}

type waiter struct {
	pubkey string
	jobID  string
}

func NewManager(remote RemoteStore, agentClient AgentClient, jobs JobStore, sessions SessionStore,
	timers TimerScheduler, send Sender, vault CredentialSource, opts Options) *Manager {
	return &Manager{
		VPS:      remote,
		Agent:    agentClient,
		Jobs:     jobs,
		Sessions: sessions,
		Timers:   timers,
		Send:     send,
		Vault:    vault,
		Opts:     opts,
		reserved: make(map[string]struct{}),
		now:      time.Now,
	}
}

// PollAndClaim fetches pending jobs from the remote store, claims them as a
// batch, caches only the subset the store confirms, and sends outreach for
// each. Jobs another process claimed first come back in the blocked set and
// are ignored.
func (m *Manager) PollAndClaim(ctx context.Context) ([]Job, error) {
	pending, err := m.VPS.PendingJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	byID := make(map[string]vps.Job, len(pending))
	for i, j := range pending {
		ids[i] = j.ID
		byID[j.ID] = j
	}

	res, err := m.VPS.ClaimJobs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if len(res.Blocked) > 0 {
		log.Printf("core: %d job(s) claimed elsewhere", len(res.Blocked))
	}

	var claimed []Job
	for _, id := range res.Claimed {
		r, ok := byID[id]
		if !ok {
			continue
		}
		j := fromRemote(r)
		j.Status = vps.StatusDispatched
		if err := m.Jobs.Upsert(&j); err != nil {
			log.Printf("core: cache job %s: %v", id, err)
			continue
		}
		claimed = append(claimed, j)
	}

	for _, j := range claimed {
		if err := m.SendOutreach(ctx, j.ID); err != nil {
			log.Printf("core: outreach %s: %v", j.ID, err)
		}
	}
	return claimed, nil
}

// SendOutreach sends (or defers) the outreach message for one cached job.
func (m *Manager) SendOutreach(ctx context.Context, jobID string) error {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		log.Printf("core: outreach for unknown job %s, skipping", jobID)
		return nil
	}
	if IsTerminal(job.Status) {
		return nil
	}

	debt, err := m.VPS.DebtBalance(ctx, job.UserPubkey)
	if err != nil {
		return fmt.Errorf("debt balance: %w", err)
	}
	if debt > 0 {
		return m.Send.Send(ctx, job.UserPubkey, msgDebtNotice(debt))
	}

	busy, err := m.sessionBusy(job.UserPubkey)
	if err != nil {
		return err
	}
	if busy {
		// the outreach timer retry will pick this job up again
		return nil
	}

	text := msgFirstOutreach(job)
	if job.OutreachCount > 0 {
		text = msgFollowUpOutreach(job)
	}
	if err := m.Send.Send(ctx, job.UserPubkey, text); err != nil {
		return fmt.Errorf("send outreach: %w", err)
	}

	count := job.OutreachCount + 1
	next := m.now().Add(m.Opts.OutreachInterval)
	status := vps.StatusOutreachSent
	patch := vps.JobPatch{Status: &status, OutreachCount: &count, NextOutreachAt: &next}
	if err := m.VPS.PatchJob(ctx, job.ID, patch); err != nil {
		log.Printf("core: patch %s after outreach: %v", job.ID, err)
	}
	if err := m.Jobs.Update(job.ID, map[string]any{
		"status":           vps.StatusOutreachSent,
		"outreach_count":   count,
		"next_outreach_at": next,
		"updated_at":       m.now(),
	}); err != nil {
		return err
	}

	m.Timers.Cancel(timerq.KindOutreach, job.ID)
	if _, err := m.Timers.Schedule(timerq.KindOutreach, job.ID, next, nil); err != nil {
		return fmt.Errorf("schedule outreach timer: %w", err)
	}

	if job.BillingDate != nil && job.BillingDate.After(m.now()) {
		m.Timers.Cancel(timerq.KindImpliedSkip, job.ID)
		if _, err := m.Timers.Schedule(timerq.KindImpliedSkip, job.ID, *job.BillingDate, nil); err != nil {
			return fmt.Errorf("schedule implied-skip timer: %w", err)
		}

		lastChance := job.BillingDate.Add(-m.Opts.LastChanceWindow)
		if lastChance.After(m.now()) {
			m.Timers.Cancel(timerq.KindLastChance, job.ID)
			payload, _ := json.Marshal(map[string]any{"billing_date": job.BillingDate})
			if _, err := m.Timers.Schedule(timerq.KindLastChance, job.ID, lastChance, payload); err != nil {
				return fmt.Errorf("schedule last-chance timer: %w", err)
			}
		}
	}
	return nil
}

// HandleSkip closes a job because the user declined it.
func (m *Manager) HandleSkip(ctx context.Context, pubkey, jobID string) error {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil || job.UserPubkey != pubkey {
		return nil
	}

	m.Timers.Cancel(timerq.KindOutreach, jobID)
	m.Timers.Cancel(timerq.KindLastChance, jobID)
	m.Timers.Cancel(timerq.KindImpliedSkip, jobID)

	if err := m.setStatus(ctx, jobID, vps.StatusUserSkip); err != nil {
		return err
	}
	return m.Send.Send(ctx, pubkey, msgSkipAck(job))
}

// HandleSnooze pushes the next outreach out by one interval.
func (m *Manager) HandleSnooze(ctx context.Context, pubkey, jobID string) error {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil || job.UserPubkey != pubkey {
		return nil
	}

	next := m.now().Add(m.Opts.OutreachInterval)
	status := vps.StatusSnoozed
	if err := m.VPS.PatchJob(ctx, jobID, vps.JobPatch{Status: &status, NextOutreachAt: &next}); err != nil {
		log.Printf("core: patch %s on snooze: %v", jobID, err)
	}
	if err := m.Jobs.Update(jobID, map[string]any{
		"status":           vps.StatusSnoozed,
		"next_outreach_at": next,
		"updated_at":       m.now(),
	}); err != nil {
		return err
	}

	m.Timers.Cancel(timerq.KindOutreach, jobID)
	if _, err := m.Timers.Schedule(timerq.KindOutreach, jobID, next, nil); err != nil {
		return err
	}
	return m.Send.Send(ctx, pubkey, msgSnoozeAck(job))
}

// ApplyPayment settles a verified receipt against one job. Idempotent: a
// duplicate receipt hits the store's conflict response and is a no-op.
func (m *Manager) ApplyPayment(ctx context.Context, payerPubkey, jobID string, amountSats int64) error {
	err := m.VPS.MarkJobPaid(ctx, jobID, amountSats, payerPubkey)
	if err != nil && err != vps.ErrConflict {
		return fmt.Errorf("mark paid: %w", err)
	}
	already := err == vps.ErrConflict

	m.Timers.Cancel(timerq.KindPaymentExpiry, jobID)
	if uerr := m.Jobs.Update(jobID, map[string]any{
		"status":     vps.StatusCompletedPaid,
		"updated_at": m.now(),
	}); uerr != nil {
		log.Printf("core: local paid update %s: %v", jobID, uerr)
	}

	if sess, serr := m.Sessions.FindByJob(jobID); serr == nil && sess != nil {
		if derr := m.Sessions.Delete(sess.UserPubkey); derr != nil {
			log.Printf("core: clear session %s: %v", sess.UserPubkey, derr)
		}
	}

	if already {
		return nil
	}
	return m.Send.Send(ctx, payerPubkey, msgPaymentConfirmed(amountSats))
}

// ProcessInvites sends invitation messages the remote store queued for us.
func (m *Manager) ProcessInvites(ctx context.Context) error {
	invites, err := m.VPS.PendingInvites(ctx)
	if err != nil {
		return err
	}
	for _, inv := range invites {
		if err := m.Send.Send(ctx, inv.Pubkey, inv.Text); err != nil {
			log.Printf("core: invite %s: %v", inv.ID, err)
			continue
		}
		if err := m.VPS.AckInvite(ctx, inv.ID); err != nil {
			log.Printf("core: ack invite %s: %v", inv.ID, err)
		}
	}
	return nil
}

// Maintain drops terminal rows from the local cache. The remote store keeps
// the record.
func (m *Manager) Maintain(ctx context.Context) {
	if n, err := m.Jobs.DeleteTerminal(); err != nil {
		log.Printf("core: maintenance: %v", err)
	} else if n > 0 {
		log.Printf("core: maintenance dropped %d terminal job(s)", n)
	}
}

// setStatus writes a status remotely then mirrors it locally. The remote
// write failing is logged, not fatal: reconciliation repairs divergence.
func (m *Manager) setStatus(ctx context.Context, jobID, status string) error {
	if err := m.VPS.PatchJob(ctx, jobID, vps.JobPatch{Status: &status}); err != nil {
		log.Printf("core: patch %s -> %s: %v", jobID, status, err)
	}
	return m.Jobs.Update(jobID, map[string]any{"status": status, "updated_at": m.now()})
}

func (m *Manager) sessionBusy(pubkey string) (bool, error) {
	sess, err := m.Sessions.Get(pubkey)
	if err != nil {
		return false, err
	}
	return sess != nil && sess.State != StateIdle, nil
}
