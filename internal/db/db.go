package db

import (
	"fmt"

	"unsub/internal/core"
	"unsub/internal/credvault"
	"unsub/internal/msg"
	"unsub/internal/timerq"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&core.Job{},
		&core.Session{},
		&timerq.Timer{},
		&msg.Record{},
		&credvault.Credential{},
	); err != nil {
		return err
	}

	// Timer scan only ever touches unfired rows
	if err := gdb.Exec(`
create index if not exists idx_timers_due
on timers(fire_at)
where not fired;
`).Error; err != nil {
		return err
	}

	// Cancellation matches (timer_type, target_id) among unfired rows
	if err := gdb.Exec(`
create index if not exists idx_timers_target
on timers(timer_type, target_id)
where not fired;
`).Error; err != nil {
		return err
	}

	// Helpful indexes
	stmts := []string{
		`create index if not exists idx_jobs_user_status on cached_jobs(user_pubkey, status);`,
		`create index if not exists idx_sessions_job on sessions(job_id) where job_id is not null;`,
		`create index if not exists idx_messages_pubkey_created on messages(pubkey, created_at desc);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
