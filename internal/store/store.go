// Package store is the persistence layer: projects, backend connections,
// and end-of-run audit records. Postgres in production, embedded sqlite
// for development and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"forgeline/internal/pipeline"
)

// Project is one generated application.
type Project struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	OwnerID   uint      `json:"owner_id" gorm:"not null;index"`
	Name      string    `json:"name" gorm:"size:255;not null"`
}

// Account holds per-user billing linkage.
type Account struct {
	ID               uint      `json:"id" gorm:"primarykey"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	UserID           uint      `json:"user_id" gorm:"not null;uniqueIndex"`
	StripeCustomerID string    `json:"stripe_customer_id" gorm:"size:64"`
}

// BackendConnection records a provisioned backend for a project. The
// requirements gate halts generation until one is active.
type BackendConnection struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	ProjectID uint      `json:"project_id" gorm:"not null;index"`
	Provider  string    `json:"provider" gorm:"size:64"`
	Status    string    `json:"status" gorm:"size:32;index"` // provisioning|active|revoked
}

// RunAudit is the persisted end-of-run summary.
type RunAudit struct {
	ID              uint      `json:"id" gorm:"primarykey"`
	CreatedAt       time.Time `json:"created_at" gorm:"index"`
	RunID           string    `json:"run_id" gorm:"size:64;uniqueIndex"`
	ProjectID       uint      `json:"project_id" gorm:"index"`
	Status          string    `json:"status" gorm:"size:32"`
	QAStatus        string    `json:"qa_status" gorm:"size:32"`
	Issues          string    `json:"issues,omitempty" gorm:"type:text"`
	SkippedSteps    string    `json:"skipped_steps,omitempty" gorm:"type:text"`
	RepairApplied   bool      `json:"repair_applied"`
	PhasesCompleted int       `json:"phases_completed"`
	PhasesTotal     int       `json:"phases_total"`
	FilesGenerated  int       `json:"files_generated"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	CostUSD         float64   `json:"cost_usd"`
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates. A non-empty postgres DSN selects postgres;
// otherwise the sqlite path is used (":memory:" works for tests).
func Open(postgresDSN, sqlitePath string) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if postgresDSN != "" {
		db, err = gorm.Open(postgres.Open(postgresDSN), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Project{}, &Account{}, &BackendConnection{}, &RunAudit{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for collaborators sharing the connection.
func (s *Store) DB() *gorm.DB { return s.db }

// StripeCustomerFor resolves a user's Stripe customer ID.
func (s *Store) StripeCustomerFor(ctx context.Context, userID uint) (string, error) {
	var acct Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error
	if err != nil {
		return "", fmt.Errorf("account for user %d: %w", userID, err)
	}
	if acct.StripeCustomerID == "" {
		return "", fmt.Errorf("user %d has no stripe customer", userID)
	}
	return acct.StripeCustomerID, nil
}

// IsBackendActive implements the pipeline's backend-status query.
func (s *Store) IsBackendActive(ctx context.Context, projectID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&BackendConnection{}).
		Where("project_id = ? AND status = ?", projectID, "active").
		Count(&count).Error
	return count > 0, err
}

// ConnectBackend marks a project's backend as active, creating the
// connection row if none exists.
func (s *Store) ConnectBackend(ctx context.Context, projectID uint, provider string) error {
	var conn BackendConnection
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		First(&conn).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(&BackendConnection{
			ProjectID: projectID,
			Provider:  provider,
			Status:    "active",
		}).Error
	case err != nil:
		return err
	default:
		return s.db.WithContext(ctx).Model(&conn).
			Updates(map[string]any{"provider": provider, "status": "active"}).Error
	}
}

// SaveAudit implements the pipeline's audit persistence.
func (s *Store) SaveAudit(ctx context.Context, runID string, projectID uint, status pipeline.RunStatus, record pipeline.AuditRecord, usage pipeline.UsageSnapshot) error {
	issues := ""
	if len(record.QAIssues) > 0 {
		if raw, err := json.Marshal(record.QAIssues); err == nil {
			issues = string(raw)
		}
	}
	skipped := ""
	if len(record.SkippedSteps) > 0 {
		if raw, err := json.Marshal(record.SkippedSteps); err == nil {
			skipped = string(raw)
		}
	}
	audit := &RunAudit{
		RunID:           runID,
		ProjectID:       projectID,
		Status:          string(status),
		QAStatus:        record.QAStatus,
		Issues:          issues,
		SkippedSteps:    skipped,
		RepairApplied:   record.RepairApplied,
		PhasesCompleted: record.PhasesCompleted,
		PhasesTotal:     record.PhasesTotal,
		FilesGenerated:  record.FilesGenerated,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		CostUSD:         usage.CostUSD,
	}
	return s.db.WithContext(ctx).Create(audit).Error
}

// AuditForRun returns the persisted audit for a run.
func (s *Store) AuditForRun(ctx context.Context, runID string) (*RunAudit, error) {
	var audit RunAudit
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&audit).Error; err != nil {
		return nil, err
	}
	return &audit, nil
}
