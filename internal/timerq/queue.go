package timerq

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Store is the persistence needed by the queue. The gorm implementation is in
// store_gorm.go; tests use an in-memory one.
type Store interface {
	Insert(t *Timer) error
	// DeleteUnfired removes all unfired rows matching (kind, target) exactly
	// and reports how many were removed.
	DeleteUnfired(kind Kind, targetID string) (int64, error)
	// Due returns unfired timers with fire_at <= now, oldest first.
	Due(now time.Time) ([]Timer, error)
	// MarkFired flips a single row to fired. Returns false if the row was
	// already fired (or gone), in which case the caller must not deliver it.
	MarkFired(id uint64) (bool, error)
	// PurgeFired deletes fired rows with fire_at before the cutoff.
	PurgeFired(before time.Time) (int64, error)
}

// Callback receives every fired timer. One callback is registered
// process-wide and dispatches on Kind itself.
type Callback func(kind Kind, targetID string, payload json.RawMessage) error

// Queue schedules, cancels and fires persistent one-shot timers. Timers
// survive restarts; firing is at-most-once per stored row because a row is
// marked fired before its callback runs.
type Queue struct {
	store    Store
	interval time.Duration
	now      func() time.Time

	cb Callback
}

func New(store Store, interval time.Duration) *Queue {
	return &Queue{store: store, interval: interval, now: time.Now}
}

// OnFire registers the process-wide callback. Must be called before Run.
func (q *Queue) OnFire(cb Callback) { q.cb = cb }

func (q *Queue) Schedule(kind Kind, targetID string, fireAt time.Time, payload json.RawMessage) (uint64, error) {
	t := Timer{Kind: kind, TargetID: targetID, FireAt: fireAt, Payload: payload}
	if err := q.store.Insert(&t); err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (q *Queue) ScheduleDelay(kind Kind, targetID string, delay time.Duration, payload json.RawMessage) (uint64, error) {
	return q.Schedule(kind, targetID, q.now().Add(delay), payload)
}

// Cancel removes all unfired timers matching (kind, target) exactly.
func (q *Queue) Cancel(kind Kind, targetID string) (int64, error) {
	return q.store.DeleteUnfired(kind, targetID)
}

// Tick fires every due timer once. Each row is marked fired before its
// callback is invoked, so a crash mid-callback loses the delivery rather
// than repeating it. Callback failures are logged and do not abort the
// remaining timers in the same tick.
func (q *Queue) Tick() (int, error) {
	due, err := q.store.Due(q.now())
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, t := range due {
		ok, err := q.store.MarkFired(t.ID)
		if err != nil {
			log.Printf("timerq: mark fired %d: %v", t.ID, err)
			continue
		}
		if !ok {
			// lost the race to another tick
			continue
		}
		fired++
		q.deliver(t)
	}
	return fired, nil
}

func (q *Queue) deliver(t Timer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("timerq: callback panic for %s/%s: %v", t.Kind, t.TargetID, r)
		}
	}()
	if q.cb == nil {
		log.Printf("timerq: no callback registered, dropping %s/%s", t.Kind, t.TargetID)
		return
	}
	if err := q.cb(t.Kind, t.TargetID, t.Payload); err != nil {
		log.Printf("timerq: callback %s/%s: %v", t.Kind, t.TargetID, err)
	}
}

// Run ticks on the configured interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Tick(); err != nil {
				log.Printf("timerq: tick: %v", err)
			}
		}
	}
}

// Purge deletes fired rows older than the retention window.
func (q *Queue) Purge(retention time.Duration) (int64, error) {
	return q.store.PurgeFired(q.now().Add(-retention))
}
