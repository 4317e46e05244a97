package core

import (
	"context"
	"log"

	"unsub/internal/timerq"
)

// SyncRemote compares every open cached job against the remote store's view
// of its user and repairs divergence. Only remotely-terminal statuses are
// forced: a live status can lag our own writes by a poll interval, but a
// terminal one means the job ended through some other channel (operator
// action, out-of-band payment) and everything local must stop. A job the
// remote store no longer lists at all is forgotten outright.
func (m *Manager) SyncRemote(ctx context.Context) error {
	open, err := m.Jobs.OpenJobs()
	if err != nil {
		return err
	}
	byUser := make(map[string][]Job)
	for _, j := range open {
		byUser[j.UserPubkey] = append(byUser[j.UserPubkey], j)
	}

	for user, jobs := range byUser {
		remote, err := m.VPS.ActiveJobs(ctx, user)
		if err != nil {
			log.Printf("core: sync %s: %v", user, err)
			continue
		}
		remoteStatus := make(map[string]string, len(remote))
		for _, r := range remote {
			remoteStatus[r.ID] = r.Status
		}

		var reports []StatusReport
		for _, j := range jobs {
			rs, ok := remoteStatus[j.ID]
			if !ok {
				m.forget(j.ID)
				continue
			}
			if rs != j.Status && IsTerminal(rs) {
				reports = append(reports, StatusReport{JobID: j.ID, Status: rs})
			}
		}
		m.Reconcile(ctx, reports)
	}
	return nil
}

// forget removes all local trace of a job the remote store disowned.
func (m *Manager) forget(jobID string) {
	m.Timers.Cancel(timerq.KindOutreach, jobID)
	m.Timers.Cancel(timerq.KindLastChance, jobID)
	m.Timers.Cancel(timerq.KindImpliedSkip, jobID)
	m.Timers.Cancel(timerq.KindPaymentExpiry, jobID)
	if sess, err := m.Sessions.FindByJob(jobID); err == nil && sess != nil {
		m.Timers.Cancel(timerq.KindOTPTimeout, sess.UserPubkey)
		if derr := m.Sessions.Delete(sess.UserPubkey); derr != nil {
			log.Printf("core: forget session %s: %v", sess.UserPubkey, derr)
		}
	}
	m.dropFromDispatch(jobID)
	if err := m.Jobs.Delete(jobID); err != nil {
		log.Printf("core: forget %s: %v", jobID, err)
	}
}

// StatusReport is one (job, authoritative status) pair from the remote
// store.
type StatusReport struct {
	JobID  string
	Status string
}

// Reconcile forces the local cache to agree with the remote store. For each
// job still open locally it cancels every timer, clears any session tied to
// the job, removes the job from the dispatch queue and reserved set, and
// overwrites the cached status. The remote store always wins.
func (m *Manager) Reconcile(ctx context.Context, reports []StatusReport) {
	for _, r := range reports {
		job, err := m.Jobs.Get(r.JobID)
		if err != nil {
			log.Printf("core: reconcile %s: %v", r.JobID, err)
			continue
		}
		if job == nil || IsTerminal(job.Status) {
			continue
		}
		if job.Status == r.Status {
			continue
		}

		m.Timers.Cancel(timerq.KindOutreach, r.JobID)
		m.Timers.Cancel(timerq.KindLastChance, r.JobID)
		m.Timers.Cancel(timerq.KindImpliedSkip, r.JobID)
		m.Timers.Cancel(timerq.KindPaymentExpiry, r.JobID)

		if sess, err := m.Sessions.FindByJob(r.JobID); err == nil && sess != nil {
			m.Timers.Cancel(timerq.KindOTPTimeout, sess.UserPubkey)
			if derr := m.Sessions.Delete(sess.UserPubkey); derr != nil {
				log.Printf("core: reconcile session %s: %v", sess.UserPubkey, derr)
			}
		}

		m.dropFromDispatch(r.JobID)

		if err := m.Jobs.Update(r.JobID, map[string]any{
			"status":     r.Status,
			"updated_at": m.now(),
		}); err != nil {
			log.Printf("core: reconcile status %s: %v", r.JobID, err)
		}
	}
}
