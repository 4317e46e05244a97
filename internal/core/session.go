package core

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"unsub/internal/agent"
	"unsub/internal/timerq"
	"unsub/internal/vps"
)

var otpShapeRe = regexp.MustCompile(`^\d{4,8}$`)

func otpShaped(text string) (string, bool) {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(text))
	return cleaned, otpShapeRe.MatchString(cleaned)
}

func affirmative(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "ok", "okay", "sure", "go ahead", "do it", "ready":
		return true
	}
	return false
}

func wantsSnooze(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "snooze", "later", "not now", "remind me later":
		return true
	}
	return false
}

func wantsSkip(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "skip", "no", "n", "cancel", "stop", "leave it":
		return true
	}
	return false
}

// HandleUserMessage routes one inbound text by the user's session state.
func (m *Manager) HandleUserMessage(ctx context.Context, pubkey, text string) error {
	sess, err := m.Sessions.Get(pubkey)
	if err != nil {
		return err
	}
	if sess == nil {
		return m.handleIdleMessage(ctx, pubkey, text)
	}

	switch sess.State {
	case StateOTPConfirm:
		return m.handleOTPConfirmReply(ctx, sess, text)
	case StateAwaitingOTP:
		code, ok := otpShaped(text)
		if !ok {
			return m.Send.Send(ctx, pubkey, msgBusy())
		}
		return m.relayOTP(ctx, sess, code)
	case StateAwaitingCredential:
		value := strings.TrimSpace(text)
		if value == "" || len(value) > 128 {
			return m.Send.Send(ctx, pubkey, msgBusy())
		}
		return m.relayCredential(ctx, sess, value)
	case StateExecuting, StateInvoiceSent:
		return m.Send.Send(ctx, pubkey, msgBusy())
	default:
		// row claims a state we do not know; treat as IDLE after clearing
		log.Printf("core: session %s in unknown state %q, clearing", pubkey, sess.State)
		m.Sessions.Delete(pubkey)
		return m.handleIdleMessage(ctx, pubkey, text)
	}
}

// handleIdleMessage interprets a reply to outreach for the user's pending
// job, if any.
func (m *Manager) handleIdleMessage(ctx context.Context, pubkey, text string) error {
	jobs, err := m.Jobs.ActiveForUser(pubkey)
	if err != nil {
		return err
	}
	var job *Job
	for i := range jobs {
		if jobs[i].Status == vps.StatusOutreachSent || jobs[i].Status == vps.StatusSnoozed {
			job = &jobs[i]
			break
		}
	}
	if job == nil {
		return m.Send.Send(ctx, pubkey, msgNothingPending())
	}

	switch {
	case affirmative(text):
		sess := &Session{
			UserPubkey: pubkey,
			State:      StateOTPConfirm,
			JobID:      &job.ID,
			UpdatedAt:  m.now(),
		}
		if err := m.Sessions.Save(sess); err != nil {
			return err
		}
		return m.Send.Send(ctx, pubkey, msgConfirmOTPAvailability(job))
	case wantsSnooze(text):
		return m.HandleSnooze(ctx, pubkey, job.ID)
	case wantsSkip(text):
		return m.HandleSkip(ctx, pubkey, job.ID)
	default:
		return m.Send.Send(ctx, pubkey, msgOutreachHelp())
	}
}

func (m *Manager) handleOTPConfirmReply(ctx context.Context, sess *Session, text string) error {
	if sess.JobID == nil {
		m.Sessions.Delete(sess.UserPubkey)
		return m.Send.Send(ctx, sess.UserPubkey, msgSomethingWrong())
	}

	switch {
	case affirmative(text):
		return m.RequestDispatch(ctx, sess.UserPubkey, *sess.JobID)
	case wantsSnooze(text) || wantsSkip(text):
		jobID := *sess.JobID
		if err := m.Sessions.Delete(sess.UserPubkey); err != nil {
			return err
		}
		if wantsSkip(text) {
			return m.HandleSkip(ctx, sess.UserPubkey, jobID)
		}
		return m.HandleSnooze(ctx, sess.UserPubkey, jobID)
	default:
		return m.Send.Send(ctx, sess.UserPubkey, msgConfirmOTPHelp())
	}
}

// beginExecution is the execution entry point; the manager has already
// reserved a slot for the job when this runs.
func (m *Manager) beginExecution(ctx context.Context, pubkey, jobID string) error {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		m.OnJobComplete(ctx, jobID)
		return nil
	}

	creds, err := m.Vault.ForService(ctx, pubkey, job.Service)
	if err != nil {
		log.Printf("core: vault %s/%s: %v", pubkey, job.Service, err)
		creds = nil
	}

	if err := m.Agent.Dispatch(ctx, agent.DispatchRequest{
		JobID:       job.ID,
		UserPubkey:  pubkey,
		Service:     job.Service,
		Action:      job.Action,
		Credentials: creds,
	}); err != nil {
		m.failJob(ctx, job, fmt.Sprintf("dispatch: %v", err))
		return nil
	}

	m.Timers.Cancel(timerq.KindOutreach, jobID)
	m.Timers.Cancel(timerq.KindLastChance, jobID)

	sess := &Session{
		UserPubkey: pubkey,
		State:      StateExecuting,
		JobID:      &jobID,
		UpdatedAt:  m.now(),
	}
	if err := m.Sessions.Save(sess); err != nil {
		return err
	}
	if err := m.setStatus(ctx, jobID, vps.StatusExecuting); err != nil {
		return err
	}
	return m.Send.Send(ctx, pubkey, msgExecutionStarted(job))
}

// OnOTPNeeded handles the agent's "one-time code needed" callback.
func (m *Manager) OnOTPNeeded(ctx context.Context, cb agent.OTPNeeded) error {
	sess, job, err := m.sessionForJob(cb.JobID)
	if err != nil || sess == nil {
		return err
	}

	sess.State = StateAwaitingOTP
	sess.OTPAttempts = 0
	sess.UpdatedAt = m.now()
	if err := m.Sessions.Save(sess); err != nil {
		return err
	}

	m.Timers.Cancel(timerq.KindOTPTimeout, sess.UserPubkey)
	if _, err := m.Timers.ScheduleDelay(timerq.KindOTPTimeout, sess.UserPubkey, m.Opts.OTPTimeout, nil); err != nil {
		return err
	}
	return m.Send.Send(ctx, sess.UserPubkey, msgOTPPrompt(job, cb.Prompt))
}

// OnCredentialNeeded handles the agent's "named credential needed" callback.
// If the credential is on file it is relayed directly; otherwise the user is
// asked, under the same timeout discipline as one-time codes.
func (m *Manager) OnCredentialNeeded(ctx context.Context, cb agent.CredentialNeeded) error {
	sess, job, err := m.sessionForJob(cb.JobID)
	if err != nil || sess == nil {
		return err
	}

	onFile, err := m.Vault.Has(ctx, sess.UserPubkey, cb.Service, cb.Name)
	if err != nil {
		log.Printf("core: vault lookup %s/%s: %v", cb.Service, cb.Name, err)
	}
	if onFile {
		value, err := m.Vault.ForService(ctx, sess.UserPubkey, cb.Service)
		if err == nil {
			if v, ok := value[cb.Name]; ok {
				return m.Agent.RelayCredential(ctx, cb.JobID, cb.Name, v)
			}
		}
	}

	sess.State = StateAwaitingCredential
	sess.PendingCredential = &cb.Name
	sess.UpdatedAt = m.now()
	if err := m.Sessions.Save(sess); err != nil {
		return err
	}

	m.Timers.Cancel(timerq.KindOTPTimeout, sess.UserPubkey)
	if _, err := m.Timers.ScheduleDelay(timerq.KindOTPTimeout, sess.UserPubkey, m.Opts.OTPTimeout, nil); err != nil {
		return err
	}
	return m.Send.Send(ctx, sess.UserPubkey, msgCredentialPrompt(job, cb.Name))
}

// OnResult handles the agent's completion callback.
func (m *Manager) OnResult(ctx context.Context, cb agent.Result) error {
	sess, job, err := m.sessionForJob(cb.JobID)
	if err != nil {
		return err
	}
	if job == nil || IsTerminal(job.Status) {
		// the job ended through another channel while the agent was still
		// working; nothing here may reopen it
		return nil
	}

	if sess != nil {
		m.Timers.Cancel(timerq.KindOTPTimeout, sess.UserPubkey)
	}

	if !cb.Success {
		// failJob frees the slot
		m.failJob(ctx, job, cb.Error)
		return nil
	}
	m.OnJobComplete(ctx, cb.JobID)

	if cb.AccessEndDate != nil {
		if err := m.VPS.PatchJob(ctx, job.ID, vps.JobPatch{AccessEndDate: cb.AccessEndDate}); err != nil {
			log.Printf("core: patch access end %s: %v", job.ID, err)
		}
		m.Jobs.Update(job.ID, map[string]any{"access_end_date": cb.AccessEndDate, "updated_at": m.now()})
	}

	inv, err := m.VPS.CreateInvoice(ctx, job.ID)
	if err != nil {
		// work is done but we cannot bill yet; leave the session in place
		// and let the operator see it in the logs
		log.Printf("core: invoice for %s: %v", job.ID, err)
		return m.Send.Send(ctx, job.UserPubkey, msgSomethingWrong())
	}

	if err := m.VPS.PatchJob(ctx, job.ID, vps.JobPatch{
		AmountSats: &inv.AmountSats,
		InvoiceID:  &inv.InvoiceID,
	}); err != nil {
		log.Printf("core: patch invoice %s: %v", job.ID, err)
	}
	if err := m.Jobs.Update(job.ID, map[string]any{
		"amount_sats": inv.AmountSats,
		"invoice_id":  inv.InvoiceID,
		"updated_at":  m.now(),
	}); err != nil {
		return err
	}

	newSess := &Session{
		UserPubkey: job.UserPubkey,
		State:      StateInvoiceSent,
		JobID:      &job.ID,
		UpdatedAt:  m.now(),
	}
	if err := m.Sessions.Save(newSess); err != nil {
		return err
	}
	if _, err := m.Timers.ScheduleDelay(timerq.KindPaymentExpiry, job.ID, m.Opts.PaymentExpiry, nil); err != nil {
		return err
	}
	return m.Send.Send(ctx, job.UserPubkey, msgInvoice(job, inv))
}

func (m *Manager) relayOTP(ctx context.Context, sess *Session, code string) error {
	if sess.JobID == nil {
		m.Sessions.Delete(sess.UserPubkey)
		return m.Send.Send(ctx, sess.UserPubkey, msgSomethingWrong())
	}

	m.Timers.Cancel(timerq.KindOTPTimeout, sess.UserPubkey)
	if err := m.Agent.RelayOTP(ctx, *sess.JobID, code); err != nil {
		log.Printf("core: relay otp for %s: %v", *sess.JobID, err)
		return m.Send.Send(ctx, sess.UserPubkey, msgSomethingWrong())
	}

	sess.State = StateExecuting
	sess.OTPAttempts++
	sess.UpdatedAt = m.now()
	if err := m.Sessions.Save(sess); err != nil {
		return err
	}
	return m.Send.Send(ctx, sess.UserPubkey, msgCodeRelayed())
}

func (m *Manager) relayCredential(ctx context.Context, sess *Session, value string) error {
	if sess.JobID == nil || sess.PendingCredential == nil {
		m.Sessions.Delete(sess.UserPubkey)
		return m.Send.Send(ctx, sess.UserPubkey, msgSomethingWrong())
	}
	name := *sess.PendingCredential

	job, err := m.Jobs.Get(*sess.JobID)
	if err != nil {
		return err
	}

	m.Timers.Cancel(timerq.KindOTPTimeout, sess.UserPubkey)
	if err := m.Agent.RelayCredential(ctx, *sess.JobID, name, value); err != nil {
		log.Printf("core: relay credential for %s: %v", *sess.JobID, err)
		return m.Send.Send(ctx, sess.UserPubkey, msgSomethingWrong())
	}

	if job != nil {
		if err := m.Vault.Put(ctx, sess.UserPubkey, job.Service, name, value); err != nil {
			log.Printf("core: vault put %s/%s: %v", job.Service, name, err)
		}
	}

	sess.State = StateExecuting
	sess.PendingCredential = nil
	sess.UpdatedAt = m.now()
	if err := m.Sessions.Save(sess); err != nil {
		return err
	}
	return m.Send.Send(ctx, sess.UserPubkey, msgCodeRelayed())
}

// handleOTPTimeout fires when the user never supplied a code or credential.
func (m *Manager) handleOTPTimeout(ctx context.Context, pubkey string) error {
	sess, err := m.Sessions.Get(pubkey)
	if err != nil {
		return err
	}
	if sess == nil || (sess.State != StateAwaitingOTP && sess.State != StateAwaitingCredential) {
		return nil
	}
	jobID := ""
	if sess.JobID != nil {
		jobID = *sess.JobID
	}

	if jobID != "" {
		if err := m.Agent.Abort(ctx, jobID); err != nil {
			log.Printf("core: abort %s: %v", jobID, err)
		}
		if err := m.setStatus(ctx, jobID, vps.StatusUserAbandon); err != nil {
			log.Printf("core: abandon %s: %v", jobID, err)
		}
	}
	if err := m.Sessions.Delete(pubkey); err != nil {
		return err
	}
	if jobID != "" {
		m.OnJobComplete(ctx, jobID)
	}
	return m.Send.Send(ctx, pubkey, msgOTPTimedOut())
}

// handlePaymentExpiry fires when an invoice sat unpaid past the window. The
// remote store records the debt; the job closes in the reneged outcome.
func (m *Manager) handlePaymentExpiry(ctx context.Context, jobID string) error {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil || IsTerminal(job.Status) {
		return nil
	}

	if err := m.setStatus(ctx, jobID, vps.StatusCompletedReneged); err != nil {
		return err
	}
	if sess, err := m.Sessions.FindByJob(jobID); err == nil && sess != nil {
		m.Sessions.Delete(sess.UserPubkey)
	}
	return m.Send.Send(ctx, job.UserPubkey, msgPaymentExpired(job))
}

// failJob closes a job as failed and resets the conversation.
func (m *Manager) failJob(ctx context.Context, job *Job, reason string) {
	log.Printf("core: job %s failed: %s", job.ID, reason)
	if err := m.setStatus(ctx, job.ID, vps.StatusFailed); err != nil {
		log.Printf("core: mark failed %s: %v", job.ID, err)
	}
	if sess, err := m.Sessions.FindByJob(job.ID); err == nil && sess != nil {
		m.Sessions.Delete(sess.UserPubkey)
	}
	m.OnJobComplete(ctx, job.ID)
	if err := m.Send.Send(ctx, job.UserPubkey, msgSomethingWrong()); err != nil {
		log.Printf("core: notify %s: %v", job.UserPubkey, err)
	}
}

// sessionForJob resolves the session and cached job an agent callback refers
// to. A missing session means the conversation was reconciled away; the
// callback is then ignored.
func (m *Manager) sessionForJob(jobID string) (*Session, *Job, error) {
	job, err := m.Jobs.Get(jobID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := m.Sessions.FindByJob(jobID)
	if err != nil {
		return nil, job, err
	}
	return sess, job, nil
}
