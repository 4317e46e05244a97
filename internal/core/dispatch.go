package core

import (
	"context"
	"log"
)

// The dispatch queue bounds how many jobs run on the agent at once. A single
// mutex covers the reserved set and the FIFO wait list so the availability
// check and the reservation happen as one step.

// AgentSlotAvailable reports whether a dispatch slot is currently free.
func (m *Manager) AgentSlotAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reserved) < m.Opts.MaxAgentJobs
}

// InFlight returns the number of reserved slots.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reserved)
}

// RequestDispatch reserves a slot for the job if one is free and starts
// execution; otherwise the job joins the wait queue and the user is told so.
func (m *Manager) RequestDispatch(ctx context.Context, pubkey, jobID string) error {
	m.mu.Lock()
	if _, dup := m.reserved[jobID]; dup {
		m.mu.Unlock()
		return nil
	}
	if len(m.reserved) < m.Opts.MaxAgentJobs {
		m.reserved[jobID] = struct{}{}
		m.mu.Unlock()
		return m.beginExecution(ctx, pubkey, jobID)
	}
	m.waiting = append(m.waiting, waiter{pubkey: pubkey, jobID: jobID})
	m.mu.Unlock()
	return m.Send.Send(ctx, pubkey, msgQueued())
}

// OnJobComplete frees the job's slot and promotes queued jobs while slots
// remain. Queued jobs whose cached record vanished are dropped, not retried.
func (m *Manager) OnJobComplete(ctx context.Context, jobID string) {
	promoted := m.release(jobID)
	for _, w := range promoted {
		if err := m.beginExecution(ctx, w.pubkey, w.jobID); err != nil {
			log.Printf("core: promote %s: %v", w.jobID, err)
		}
	}
}

func (m *Manager) release(jobID string) []waiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reserved, jobID)

	var promoted []waiter
	for len(m.reserved) < m.Opts.MaxAgentJobs && len(m.waiting) > 0 {
		w := m.waiting[0]
		m.waiting = m.waiting[1:]

		job, err := m.Jobs.Get(w.jobID)
		if err != nil {
			log.Printf("core: queued job %s lookup: %v", w.jobID, err)
			continue
		}
		if job == nil || IsTerminal(job.Status) {
			continue
		}
		m.reserved[w.jobID] = struct{}{}
		promoted = append(promoted, w)
	}
	return promoted
}

// dropFromDispatch removes any trace of a job from the queue and reserved
// set, used by reconciliation.
func (m *Manager) dropFromDispatch(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reserved, jobID)
	keep := m.waiting[:0]
	for _, w := range m.waiting {
		if w.jobID != jobID {
			keep = append(keep, w)
		}
	}
	m.waiting = keep
}
