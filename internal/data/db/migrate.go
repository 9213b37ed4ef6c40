package db

import (
	"fmt"

	types "github.com/yungbote/pgcoord/internal/domain"
	"github.com/yungbote/pgcoord/internal/domain/teams"
	"gorm.io/gorm"
)

// AutoMigrateAll creates the job, team and team_member tables. It runs on both
// Postgres and SQLite.
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Job{},
		&types.Team{},
	); err != nil {
		return err
	}
	if err := db.Table(teams.MemberLinkTable).AutoMigrate(&types.Link{}); err != nil {
		return err
	}
	return EnsureQueueIndexes(db)
}

// EnsureQueueIndexes creates the indexes claim, cleanup and the stale lock sweep rely on.
func EnsureQueueIndexes(db *gorm.DB) error {
	stmts := []string{
		// claim: pending rows in (priority, created_at) order
		`CREATE INDEX IF NOT EXISTS idx_job_claim ON job (priority, created_at) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS idx_job_status_completed_at ON job (status, completed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_job_processing_locked_at ON job (locked_at) WHERE status = 'processing';`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure queue indexes: %w", err)
		}
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	if err := AutoMigrateAll(s.db); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	s.log.Info("schema migrated")
	return nil
}
