package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"unsub/internal/agent"
	"unsub/internal/timerq"
	"unsub/internal/vps"
)

type memJobs struct {
	mu   sync.Mutex
	rows map[string]*Job
}

func newMemJobs() *memJobs { return &memJobs{rows: map[string]*Job{}} }

func (s *memJobs) Upsert(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.rows[j.ID] = &cp
	return nil
}

func (s *memJobs) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *memJobs) ActiveForUser(pubkey string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.rows {
		if j.UserPubkey == pubkey && !IsTerminal(j.Status) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memJobs) OpenJobs() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.rows {
		if !IsTerminal(j.Status) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memJobs) Update(id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return nil
	}
	for k, v := range fields {
		switch k {
		case "status":
			j.Status = v.(string)
		case "outreach_count":
			j.OutreachCount = v.(int)
		case "next_outreach_at":
			t := v.(time.Time)
			j.NextOutreachAt = &t
		case "amount_sats":
			n := v.(int64)
			j.AmountSats = &n
		case "invoice_id":
			id := v.(string)
			j.InvoiceID = &id
		case "access_end_date":
			j.AccessEndDate = v.(*time.Time)
		case "updated_at":
			j.UpdatedAt = v.(time.Time)
		}
	}
	return nil
}

func (s *memJobs) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memJobs) DeleteTerminal() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.rows {
		if IsTerminal(j.Status) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

type memSessions struct {
	mu   sync.Mutex
	rows map[string]*Session
}

func newMemSessions() *memSessions { return &memSessions{rows: map[string]*Session{}} }

func (s *memSessions) Get(pubkey string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.rows[pubkey]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessions) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.rows[sess.UserPubkey] = &cp
	return nil
}

func (s *memSessions) Delete(pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, pubkey)
	return nil
}

func (s *memSessions) FindByJob(jobID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.rows {
		if sess.JobID != nil && *sess.JobID == jobID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

type fakeRemote struct {
	mu       sync.Mutex
	pending  []vps.Job
	active   map[string][]vps.Job
	claimAll bool
	blocked  map[string]bool
	patches  map[string][]vps.JobPatch
	debt     map[string]int64
	invoice  vps.Invoice
	invErr   error
	paid     map[string]int64
	paidErr  error
	invites  []vps.Invite
	acked    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		claimAll: true,
		active:   map[string][]vps.Job{},
		blocked:  map[string]bool{},
		patches:  map[string][]vps.JobPatch{},
		debt:     map[string]int64{},
		paid:     map[string]int64{},
	}
}

func (r *fakeRemote) PendingJobs(ctx context.Context) ([]vps.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, nil
}

func (r *fakeRemote) ClaimJobs(ctx context.Context, ids []string) (vps.ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res vps.ClaimResult
	for _, id := range ids {
		if r.blocked[id] {
			res.Blocked = append(res.Blocked, id)
		} else {
			res.Claimed = append(res.Claimed, id)
		}
	}
	return res, nil
}

func (r *fakeRemote) ActiveJobs(ctx context.Context, pubkey string) ([]vps.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[pubkey], nil
}

func (r *fakeRemote) PatchJob(ctx context.Context, id string, patch vps.JobPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches[id] = append(r.patches[id], patch)
	return nil
}

func (r *fakeRemote) DebtBalance(ctx context.Context, pubkey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debt[pubkey], nil
}

func (r *fakeRemote) CreateInvoice(ctx context.Context, jobID string) (vps.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.invErr != nil {
		return vps.Invoice{}, r.invErr
	}
	return r.invoice, nil
}

func (r *fakeRemote) MarkJobPaid(ctx context.Context, jobID string, amountSats int64, payer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paidErr != nil {
		return r.paidErr
	}
	if _, ok := r.paid[jobID]; ok {
		return vps.ErrConflict
	}
	r.paid[jobID] = amountSats
	return nil
}

func (r *fakeRemote) PendingInvites(ctx context.Context) ([]vps.Invite, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invites, nil
}

func (r *fakeRemote) AckInvite(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, id)
	return nil
}

type fakeAgent struct {
	mu          sync.Mutex
	dispatched  []agent.DispatchRequest
	otps        map[string]string
	credentials map[string]map[string]string
	aborted     []string
	dispatchErr error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{otps: map[string]string{}, credentials: map[string]map[string]string{}}
}

func (a *fakeAgent) Dispatch(ctx context.Context, req agent.DispatchRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dispatchErr != nil {
		return a.dispatchErr
	}
	a.dispatched = append(a.dispatched, req)
	return nil
}

func (a *fakeAgent) RelayOTP(ctx context.Context, jobID, code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.otps[jobID] = code
	return nil
}

func (a *fakeAgent) RelayCredential(ctx context.Context, jobID, name, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.credentials[jobID] == nil {
		a.credentials[jobID] = map[string]string{}
	}
	a.credentials[jobID][name] = value
	return nil
}

func (a *fakeAgent) dispatchedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.dispatched))
	for i, d := range a.dispatched {
		out[i] = d.JobID
	}
	return out
}

func (a *fakeAgent) Abort(ctx context.Context, jobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = append(a.aborted, jobID)
	return nil
}

type scheduled struct {
	kind    timerq.Kind
	target  string
	fireAt  time.Time
	payload json.RawMessage
}

type fakeTimers struct {
	mu     sync.Mutex
	nextID uint64
	active []scheduled
}

func newFakeTimers() *fakeTimers { return &fakeTimers{} }

func (f *fakeTimers) Schedule(kind timerq.Kind, targetID string, fireAt time.Time, payload json.RawMessage) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.active = append(f.active, scheduled{kind: kind, target: targetID, fireAt: fireAt, payload: payload})
	return f.nextID, nil
}

func (f *fakeTimers) ScheduleDelay(kind timerq.Kind, targetID string, delay time.Duration, payload json.RawMessage) (uint64, error) {
	return f.Schedule(kind, targetID, time.Now().Add(delay), payload)
}

func (f *fakeTimers) Cancel(kind timerq.Kind, targetID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	keep := f.active[:0]
	for _, s := range f.active {
		if s.kind == kind && s.target == targetID {
			n++
			continue
		}
		keep = append(keep, s)
	}
	f.active = keep
	return n, nil
}

func (f *fakeTimers) pending(kind timerq.Kind, targetID string) []scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduled
	for _, s := range f.active {
		if s.kind == kind && s.target == targetID {
			out = append(out, s)
		}
	}
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]string
}

func newFakeSender() *fakeSender { return &fakeSender{sent: map[string][]string{}} }

func (s *fakeSender) Send(ctx context.Context, pubkey, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[pubkey] = append(s.sent[pubkey], text)
	return nil
}

func (s *fakeSender) count(pubkey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[pubkey])
}

func (s *fakeSender) last(pubkey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sent[pubkey]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type fakeVault struct {
	mu    sync.Mutex
	creds map[string]map[string]string // pubkey|service -> name -> value
}

func newFakeVault() *fakeVault { return &fakeVault{creds: map[string]map[string]string{}} }

func (v *fakeVault) key(pubkey, service string) string { return pubkey + "|" + service }

func (v *fakeVault) ForService(ctx context.Context, pubkey, service string) (map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := map[string]string{}
	for k, val := range v.creds[v.key(pubkey, service)] {
		out[k] = val
	}
	return out, nil
}

func (v *fakeVault) Has(ctx context.Context, pubkey, service, name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.creds[v.key(pubkey, service)][name]
	return ok, nil
}

func (v *fakeVault) Put(ctx context.Context, pubkey, service, name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := v.key(pubkey, service)
	if v.creds[k] == nil {
		v.creds[k] = map[string]string{}
	}
	v.creds[k][name] = value
	return nil
}

type world struct {
	remote   *fakeRemote
	agent    *fakeAgent
	jobs     *memJobs
	sessions *memSessions
	timers   *fakeTimers
	sender   *fakeSender
	vault    *fakeVault
	mgr      *Manager
}

func newWorld(maxJobs int) *world {
	w := &world{
		remote:   newFakeRemote(),
		agent:    newFakeAgent(),
		jobs:     newMemJobs(),
		sessions: newMemSessions(),
		timers:   newFakeTimers(),
		sender:   newFakeSender(),
		vault:    newFakeVault(),
	}
	w.mgr = NewManager(w.remote, w.agent, w.jobs, w.sessions, w.timers, w.sender, w.vault, Options{
		MaxAgentJobs:     maxJobs,
		OutreachInterval: 24 * time.Hour,
		OTPTimeout:       5 * time.Minute,
		PaymentExpiry:    24 * time.Hour,
		LastChanceWindow: 48 * time.Hour,
	})
	return w
}

func (w *world) addJob(id, pubkey, status string, billing *time.Time) {
	w.jobs.Upsert(&Job{
		ID:          id,
		UserPubkey:  pubkey,
		Service:     "netflix",
		Action:      vps.ActionCancel,
		Trigger:     vps.TriggerOutreach,
		Status:      status,
		BillingDate: billing,
	})
}
