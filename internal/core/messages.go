package core

import (
	"fmt"

	"unsub/internal/vps"
)

// User-facing copy. Deliberately generic on failure paths; internal detail
// stays in the operator logs.

func actionVerb(action string) string {
	if action == vps.ActionResume {
		return "resume"
	}
	return "cancel"
}

func msgFirstOutreach(job *Job) string {
	return fmt.Sprintf("Hi! Your %s subscription is coming up for billing. Want me to %s it for you? Reply \"yes\" to go ahead, \"snooze\" to ask again later, or \"skip\" to leave it.",
		job.Service, actionVerb(job.Action))
}

func msgFollowUpOutreach(job *Job) string {
	return fmt.Sprintf("Just checking in again about your %s subscription. Reply \"yes\" to %s it, \"snooze\" for later, or \"skip\" to leave it.",
		job.Service, actionVerb(job.Action))
}

func msgLastChance(job *Job, daysLeft int) string {
	if daysLeft <= 1 {
		return fmt.Sprintf("Last chance: %s bills within a day. Reply \"yes\" now if you want me to %s it.",
			job.Service, actionVerb(job.Action))
	}
	return fmt.Sprintf("Heads up: %s bills in about %d days. Reply \"yes\" if you want me to %s it before then.",
		job.Service, daysLeft, actionVerb(job.Action))
}

func msgDebtNotice(balanceSats int64) string {
	return fmt.Sprintf("You have an outstanding balance of %d sats from a previous job. Please settle it before I can take on new work.", balanceSats)
}

func msgConfirmOTPAvailability(job *Job) string {
	return fmt.Sprintf("Great. %s may text you a one-time code while I work on it. Will you be around to forward codes to me for the next few minutes? Reply \"yes\" when ready.",
		job.Service)
}

func msgConfirmOTPHelp() string {
	return "Reply \"yes\" when you're ready to receive one-time codes, or \"snooze\" to do this later."
}

func msgOutreachHelp() string {
	return "Reply \"yes\" to go ahead, \"snooze\" to ask again later, or \"skip\" to leave it."
}

func msgNothingPending() string {
	return "I don't have anything pending for you right now."
}

func msgQueued() string {
	return "You're in the queue. I'll message you the moment I start on your job."
}

func msgExecutionStarted(job *Job) string {
	return fmt.Sprintf("On it. I'm working on your %s subscription now. I'll let you know if I need anything.", job.Service)
}

func msgOTPPrompt(job *Job, prompt string) string {
	if job != nil && prompt != "" {
		return fmt.Sprintf("%s is asking for a one-time code (%s). Please send it to me as soon as you get it.", job.Service, prompt)
	}
	if job != nil {
		return fmt.Sprintf("%s just sent you a one-time code. Please forward it to me.", job.Service)
	}
	return "Please forward me the one-time code you just received."
}

func msgCredentialPrompt(job *Job, name string) string {
	if job != nil {
		return fmt.Sprintf("I need your %s for %s to continue. Please send it to me.", name, job.Service)
	}
	return fmt.Sprintf("I need your %s to continue. Please send it to me.", name)
}

func msgCodeRelayed() string {
	return "Got it, continuing."
}

func msgOTPTimedOut() string {
	return "I didn't get the code in time, so I've cancelled this attempt. Message me whenever you want to try again."
}

func msgInvoice(job *Job, inv vps.Invoice) string {
	return fmt.Sprintf("Done! Your %s subscription is sorted. The fee is %d sats, payable with this invoice when you get a minute:\n\n%s",
		job.Service, inv.AmountSats, inv.Bolt11)
}

func msgPaymentConfirmed(amountSats int64) string {
	return fmt.Sprintf("Payment of %d sats received, thank you!", amountSats)
}

func msgPaymentExpired(job *Job) string {
	return fmt.Sprintf("The invoice for your %s job expired unpaid. I've noted the balance against your account; you can settle it any time.", job.Service)
}

func msgSkipAck(job *Job) string {
	return fmt.Sprintf("No problem, I'll leave %s alone.", job.Service)
}

func msgSnoozeAck(job *Job) string {
	return fmt.Sprintf("Will do, I'll ask about %s again later.", job.Service)
}

func msgBusy() string {
	return "One moment, I'm in the middle of something for you. I'll be right with you."
}

func msgSomethingWrong() string {
	return "Something went wrong on my end, sorry. Please try again in a bit."
}
