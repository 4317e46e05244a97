package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"unsub/internal/agent"
	"unsub/internal/timerq"
	"unsub/internal/vps"
)

// startExecution drives a cached outreach_sent job through the two
// confirmations so the agent is working on it.
func startExecution(t *testing.T, w *world, pubkey, jobID string) {
	t.Helper()
	ctx := context.Background()
	if err := w.mgr.HandleUserMessage(ctx, pubkey, "yes"); err != nil {
		t.Fatal(err)
	}
	if err := w.mgr.HandleUserMessage(ctx, pubkey, "yes"); err != nil {
		t.Fatal(err)
	}
	sess, _ := w.sessions.Get(pubkey)
	if sess == nil || sess.State != StateExecuting {
		t.Fatalf("session = %+v, want executing", sess)
	}
}

func TestConfirmFlowStartsExecution(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	w.mgr.SendOutreach(ctx, "job-1")

	if err := w.mgr.HandleUserMessage(ctx, "user-1", "yes"); err != nil {
		t.Fatal(err)
	}
	sess, _ := w.sessions.Get("user-1")
	if sess == nil || sess.State != StateOTPConfirm {
		t.Fatalf("session = %+v, want otp_confirm", sess)
	}
	if !strings.Contains(w.sender.last("user-1"), "one-time code") {
		t.Fatalf("availability prompt = %q", w.sender.last("user-1"))
	}

	if err := w.mgr.HandleUserMessage(ctx, "user-1", "yes"); err != nil {
		t.Fatal(err)
	}
	if ids := w.agent.dispatchedIDs(); len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("dispatched = %v", ids)
	}
	sess, _ = w.sessions.Get("user-1")
	if sess.State != StateExecuting {
		t.Fatalf("state = %s", sess.State)
	}
	j, _ := w.jobs.Get("job-1")
	if j.Status != vps.StatusExecuting {
		t.Fatalf("status = %s", j.Status)
	}
	if len(w.timers.pending(timerq.KindOutreach, "job-1")) != 0 {
		t.Fatal("OUTREACH timer survived execution start")
	}
	if w.mgr.InFlight() != 1 {
		t.Fatalf("in flight = %d", w.mgr.InFlight())
	}
}

func TestGarbledIdleReplyGetsHelp(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)

	if err := w.mgr.HandleUserMessage(ctx, "user-1", "what?"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.sender.last("user-1"), "Reply \"yes\"") {
		t.Fatalf("help copy = %q", w.sender.last("user-1"))
	}
	if sess, _ := w.sessions.Get("user-1"); sess != nil {
		t.Fatal("garbled reply must not open a session")
	}
}

func TestIdleMessageWithNothingPending(t *testing.T) {
	w := newWorld(2)
	if err := w.mgr.HandleUserMessage(context.Background(), "user-1", "hello"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.sender.last("user-1"), "anything pending") {
		t.Fatalf("reply = %q", w.sender.last("user-1"))
	}
}

func TestOTPRoundTrip(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")

	if err := w.mgr.OnOTPNeeded(ctx, agent.OTPNeeded{JobID: "job-1", Service: "netflix"}); err != nil {
		t.Fatal(err)
	}
	sess, _ := w.sessions.Get("user-1")
	if sess.State != StateAwaitingOTP {
		t.Fatalf("state = %s", sess.State)
	}
	if len(w.timers.pending(timerq.KindOTPTimeout, "user-1")) != 1 {
		t.Fatal("OTP timeout timer not scheduled")
	}

	// chatter that is not code-shaped is deflected, session unchanged
	if err := w.mgr.HandleUserMessage(ctx, "user-1", "hang on a sec"); err != nil {
		t.Fatal(err)
	}
	if len(w.agent.otps) != 0 {
		t.Fatal("non-code text was relayed")
	}

	if err := w.mgr.HandleUserMessage(ctx, "user-1", "123 456"); err != nil {
		t.Fatal(err)
	}
	if w.agent.otps["job-1"] != "123456" {
		t.Fatalf("relayed code = %q", w.agent.otps["job-1"])
	}
	sess, _ = w.sessions.Get("user-1")
	if sess.State != StateExecuting {
		t.Fatalf("state = %s after relay", sess.State)
	}
	if len(w.timers.pending(timerq.KindOTPTimeout, "user-1")) != 0 {
		t.Fatal("OTP timeout timer survived relay")
	}
}

func TestCredentialOnFileIsRelayedWithoutAsking(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	w.vault.Put(ctx, "user-1", "netflix", "account_password", "hunter2")
	startExecution(t, w, "user-1", "job-1")
	before := w.sender.count("user-1")

	err := w.mgr.OnCredentialNeeded(ctx, agent.CredentialNeeded{
		JobID: "job-1", Service: "netflix", Name: "account_password",
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.agent.credentials["job-1"]["account_password"] != "hunter2" {
		t.Fatal("stored credential not relayed")
	}
	if w.sender.count("user-1") != before {
		t.Fatal("user was prompted despite credential on file")
	}
	sess, _ := w.sessions.Get("user-1")
	if sess.State != StateExecuting {
		t.Fatalf("state = %s", sess.State)
	}
}

func TestCredentialPromptAndRelaySavesToVault(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")

	err := w.mgr.OnCredentialNeeded(ctx, agent.CredentialNeeded{
		JobID: "job-1", Service: "netflix", Name: "account_password",
	})
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := w.sessions.Get("user-1")
	if sess.State != StateAwaitingCredential {
		t.Fatalf("state = %s", sess.State)
	}
	if !strings.Contains(w.sender.last("user-1"), "account_password") {
		t.Fatalf("prompt = %q", w.sender.last("user-1"))
	}

	if err := w.mgr.HandleUserMessage(ctx, "user-1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	if w.agent.credentials["job-1"]["account_password"] != "hunter2" {
		t.Fatal("credential not relayed")
	}
	if ok, _ := w.vault.Has(ctx, "user-1", "netflix", "account_password"); !ok {
		t.Fatal("relayed credential not saved for next time")
	}
	sess, _ = w.sessions.Get("user-1")
	if sess.State != StateExecuting || sess.PendingCredential != nil {
		t.Fatalf("session = %+v", sess)
	}
}

func TestResultSuccessSendsInvoice(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")
	w.remote.invoice = vps.Invoice{InvoiceID: "inv-1", Bolt11: "lnbc30u1fake", AmountSats: 3000}

	end := time.Now().Add(20 * 24 * time.Hour)
	if err := w.mgr.OnResult(ctx, agent.Result{JobID: "job-1", Success: true, AccessEndDate: &end}); err != nil {
		t.Fatal(err)
	}

	j, _ := w.jobs.Get("job-1")
	if j.InvoiceID == nil || *j.InvoiceID != "inv-1" {
		t.Fatalf("invoice id = %v", j.InvoiceID)
	}
	if j.AmountSats == nil || *j.AmountSats != 3000 {
		t.Fatalf("amount = %v", j.AmountSats)
	}
	sess, _ := w.sessions.Get("user-1")
	if sess == nil || sess.State != StateInvoiceSent {
		t.Fatalf("session = %+v", sess)
	}
	if len(w.timers.pending(timerq.KindPaymentExpiry, "job-1")) != 1 {
		t.Fatal("PAYMENT_EXPIRY timer not scheduled")
	}
	if !strings.Contains(w.sender.last("user-1"), "lnbc30u1fake") {
		t.Fatalf("invoice message = %q", w.sender.last("user-1"))
	}
	if w.mgr.InFlight() != 0 {
		t.Fatalf("in flight = %d after completion", w.mgr.InFlight())
	}
}

func TestResultFailureClosesJobAndFreesSlot(t *testing.T) {
	w := newWorld(1)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")

	if err := w.mgr.OnResult(ctx, agent.Result{JobID: "job-1", Success: false, Error: "login wall"}); err != nil {
		t.Fatal(err)
	}

	j, _ := w.jobs.Get("job-1")
	if j.Status != vps.StatusFailed {
		t.Fatalf("status = %s", j.Status)
	}
	if sess, _ := w.sessions.Get("user-1"); sess != nil {
		t.Fatal("session survived failure")
	}
	if w.mgr.InFlight() != 0 {
		t.Fatalf("in flight = %d", w.mgr.InFlight())
	}
	// the raw agent error never reaches the user
	if strings.Contains(w.sender.last("user-1"), "login wall") {
		t.Fatalf("leaked error detail: %q", w.sender.last("user-1"))
	}
}

func TestOTPTimeoutAbandonsJob(t *testing.T) {
	w := newWorld(1)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")
	if err := w.mgr.OnOTPNeeded(ctx, agent.OTPNeeded{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}

	if err := w.mgr.HandleTimer(timerq.KindOTPTimeout, "user-1", nil); err != nil {
		t.Fatal(err)
	}

	if len(w.agent.aborted) != 1 || w.agent.aborted[0] != "job-1" {
		t.Fatalf("aborted = %v", w.agent.aborted)
	}
	j, _ := w.jobs.Get("job-1")
	if j.Status != vps.StatusUserAbandon {
		t.Fatalf("status = %s", j.Status)
	}
	if sess, _ := w.sessions.Get("user-1"); sess != nil {
		t.Fatal("session survived timeout")
	}
	if w.mgr.InFlight() != 0 {
		t.Fatalf("in flight = %d, slot not freed", w.mgr.InFlight())
	}
	if !strings.Contains(w.sender.last("user-1"), "didn't get the code") {
		t.Fatalf("notice = %q", w.sender.last("user-1"))
	}
}

func TestOTPTimeoutAfterRelayIsNoop(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")
	w.mgr.OnOTPNeeded(ctx, agent.OTPNeeded{JobID: "job-1"})
	w.mgr.HandleUserMessage(ctx, "user-1", "123456")

	// a stale fire after the code was relayed must not abort anything
	if err := w.mgr.HandleTimer(timerq.KindOTPTimeout, "user-1", nil); err != nil {
		t.Fatal(err)
	}
	if len(w.agent.aborted) != 0 {
		t.Fatalf("aborted = %v", w.agent.aborted)
	}
	j, _ := w.jobs.Get("job-1")
	if j.Status != vps.StatusExecuting {
		t.Fatalf("status = %s", j.Status)
	}
}

func TestPaymentExpiryClosesAsReneged(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")
	w.remote.invoice = vps.Invoice{InvoiceID: "inv-1", Bolt11: "lnbc30u1fake", AmountSats: 3000}
	w.mgr.OnResult(ctx, agent.Result{JobID: "job-1", Success: true})

	if err := w.mgr.HandleTimer(timerq.KindPaymentExpiry, "job-1", nil); err != nil {
		t.Fatal(err)
	}

	j, _ := w.jobs.Get("job-1")
	if j.Status != vps.StatusCompletedReneged {
		t.Fatalf("status = %s", j.Status)
	}
	if sess, _ := w.sessions.Get("user-1"); sess != nil {
		t.Fatal("session survived expiry")
	}
	if !strings.Contains(w.sender.last("user-1"), "expired unpaid") {
		t.Fatalf("notice = %q", w.sender.last("user-1"))
	}
}

func TestPaymentBeforeExpirySettles(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")
	w.remote.invoice = vps.Invoice{InvoiceID: "inv-1", Bolt11: "lnbc30u1fake", AmountSats: 3000}
	w.mgr.OnResult(ctx, agent.Result{JobID: "job-1", Success: true})

	if err := w.mgr.ApplyPayment(ctx, "user-1", "job-1", 3000); err != nil {
		t.Fatal(err)
	}
	if len(w.timers.pending(timerq.KindPaymentExpiry, "job-1")) != 0 {
		t.Fatal("PAYMENT_EXPIRY timer survived settlement")
	}
	// the expiry firing anyway (already cancelled in production, but a race
	// is possible) finds a terminal job and leaves it alone
	if err := w.mgr.HandleTimer(timerq.KindPaymentExpiry, "job-1", nil); err != nil {
		t.Fatal(err)
	}
	j, _ := w.jobs.Get("job-1")
	if j.Status != vps.StatusCompletedPaid {
		t.Fatalf("status = %s", j.Status)
	}
}

func TestMidSessionMessagesGetBusyReply(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")

	if err := w.mgr.HandleUserMessage(ctx, "user-1", "how's it going?"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.sender.last("user-1"), "middle of something") {
		t.Fatalf("reply = %q", w.sender.last("user-1"))
	}
}

func TestCallbackForReconciledJobIsIgnored(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")
	w.mgr.Reconcile(ctx, []StatusReport{{JobID: "job-1", Status: vps.StatusUserSkip}})
	before := w.sender.count("user-1")

	if err := w.mgr.OnOTPNeeded(ctx, agent.OTPNeeded{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	if w.sender.count("user-1") != before {
		t.Fatal("callback for a reconciled job produced a prompt")
	}
	if sess, _ := w.sessions.Get("user-1"); sess != nil {
		t.Fatal("reconciled-away session came back")
	}
}

func TestResultForReconciledJobIsIgnored(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, nil)
	startExecution(t, w, "user-1", "job-1")
	w.remote.invoice = vps.Invoice{InvoiceID: "inv-1", Bolt11: "lnbc30u1fake", AmountSats: 3000}

	// the user skipped through another channel while the agent was working
	w.mgr.Reconcile(ctx, []StatusReport{{JobID: "job-1", Status: vps.StatusUserSkip}})
	before := w.sender.count("user-1")

	if err := w.mgr.OnResult(ctx, agent.Result{JobID: "job-1", Success: true}); err != nil {
		t.Fatal(err)
	}

	j, _ := w.jobs.Get("job-1")
	if j.Status != vps.StatusUserSkip {
		t.Fatalf("status = %s, want user_skip untouched", j.Status)
	}
	if j.InvoiceID != nil {
		t.Fatal("invoice minted for a closed job")
	}
	if sess, _ := w.sessions.Get("user-1"); sess != nil {
		t.Fatal("session reopened by a late result")
	}
	if len(w.timers.pending(timerq.KindPaymentExpiry, "job-1")) != 0 {
		t.Fatal("PAYMENT_EXPIRY scheduled for a closed job")
	}
	if w.sender.count("user-1") != before {
		t.Fatalf("user was messaged: %q", w.sender.last("user-1"))
	}

	// a late failure report must not flip the closed status either
	if err := w.mgr.OnResult(ctx, agent.Result{JobID: "job-1", Success: false, Error: "aborted"}); err != nil {
		t.Fatal(err)
	}
	j, _ = w.jobs.Get("job-1")
	if j.Status != vps.StatusUserSkip {
		t.Fatalf("status = %s after failure report, want user_skip", j.Status)
	}
}

func TestImpliedSkipTimerClosesUnansweredJob(t *testing.T) {
	w := newWorld(2)
	ctx := context.Background()
	billing := time.Now().Add(10 * 24 * time.Hour)
	w.addJob("job-1", "user-1", vps.StatusDispatched, &billing)
	w.mgr.SendOutreach(ctx, "job-1")

	if err := w.mgr.HandleTimer(timerq.KindImpliedSkip, "job-1", nil); err != nil {
		t.Fatal(err)
	}
	j, _ := w.jobs.Get("job-1")
	if j.Status != vps.StatusImpliedSkip {
		t.Fatalf("status = %s", j.Status)
	}
	if len(w.timers.pending(timerq.KindOutreach, "job-1")) != 0 {
		t.Fatal("OUTREACH timer survived implied skip")
	}
}

func TestLastChanceRespectsBusySession(t *testing.T) {
	w := newWorld(2)
	billing := time.Now().Add(36 * time.Hour)
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, &billing)
	jobID := "other"
	w.sessions.Save(&Session{UserPubkey: "user-1", State: StateExecuting, JobID: &jobID})

	if err := w.mgr.HandleTimer(timerq.KindLastChance, "job-1", nil); err != nil {
		t.Fatal(err)
	}
	if w.sender.count("user-1") != 0 {
		t.Fatal("last-chance nudge sent to a busy user")
	}
}

func TestLastChanceCopyUsesDaysLeft(t *testing.T) {
	w := newWorld(2)
	billing := time.Now().Add(20 * time.Hour)
	w.addJob("job-1", "user-1", vps.StatusOutreachSent, &billing)

	if err := w.mgr.HandleTimer(timerq.KindLastChance, "job-1", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.sender.last("user-1"), "within a day") {
		t.Fatalf("nudge = %q", w.sender.last("user-1"))
	}
}

func TestUnknownTimerKindIsAnError(t *testing.T) {
	w := newWorld(2)
	if err := w.mgr.HandleTimer(timerq.Kind("BOGUS"), "x", nil); err == nil {
		t.Fatal("want error for unknown timer kind")
	}
}
