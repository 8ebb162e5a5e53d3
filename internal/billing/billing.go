// Package billing converts reported token usage and raw provider cost
// into charged amounts, persisted to a gorm-backed ledger. The generation
// pipeline reports raw cost only; the margin applied here is a billing
// concern, never the pipeline's.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"forgeline/internal/logging"
)

// defaultMargin is the markup on raw API cost (1.5 = 50%).
const defaultMargin = 1.5

// LedgerEntry is one charge row.
type LedgerEntry struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UserID    uint      `json:"user_id" gorm:"not null;index"`
	ProjectID uint      `json:"project_id" gorm:"index"`
	OpType    string    `json:"op_type" gorm:"size:64;index"`
	Model     string    `json:"model" gorm:"size:128"`
	Tokens    int       `json:"tokens"`
	RawUSD    float64   `json:"raw_usd"`
	BilledUSD float64   `json:"billed_usd"`
	Meta      string    `json:"meta,omitempty" gorm:"type:text"`
}

// Reporter mirrors charges to an external billing system. Optional.
type Reporter interface {
	Report(ctx context.Context, userID uint, billedUSD float64, description string) error
}

// Service implements the pipeline's billing collaborator.
type Service struct {
	db       *gorm.DB
	margin   float64
	reporter Reporter
}

// NewService creates the billing service. The margin can be overridden
// with FORGE_PROFIT_MARGIN; values below 1.0 are clamped so billed cost
// never drops under raw cost.
func NewService(db *gorm.DB, reporter Reporter) (*Service, error) {
	if db != nil {
		if err := db.AutoMigrate(&LedgerEntry{}); err != nil {
			return nil, fmt.Errorf("migrate billing ledger: %w", err)
		}
	}
	margin := defaultMargin
	if v := os.Getenv("FORGE_PROFIT_MARGIN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			margin = f
		}
	}
	if margin < 1.0 {
		margin = 1.0
	}
	return &Service{db: db, margin: margin, reporter: reporter}, nil
}

// Charge records one completed step's usage and returns the deducted
// amount. Invoked once per successfully completed step, never per attempt.
func (s *Service) Charge(ctx context.Context, userID, projectID uint, opType, model string, tokens int, costUSD float64, meta map[string]any) (float64, error) {
	billed := costUSD * s.margin
	if billed < costUSD {
		billed = costUSD
	}

	metaJSON := ""
	if meta != nil {
		if raw, err := json.Marshal(meta); err == nil {
			metaJSON = string(raw)
		}
	}

	if s.db != nil {
		entry := &LedgerEntry{
			UserID:    userID,
			ProjectID: projectID,
			OpType:    opType,
			Model:     model,
			Tokens:    tokens,
			RawUSD:    costUSD,
			BilledUSD: billed,
			Meta:      metaJSON,
		}
		if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
			return 0, fmt.Errorf("write ledger entry: %w", err)
		}
	}

	if s.reporter != nil {
		desc := fmt.Sprintf("generation %s (%s, %d tokens)", opType, model, tokens)
		if err := s.reporter.Report(ctx, userID, billed, desc); err != nil {
			// the local ledger is the source of truth; mirror failures
			// are logged, not surfaced
			logging.L().Warn("billing mirror failed",
				zap.Uint("user_id", userID), zap.String("op_type", opType), zap.Error(err))
		}
	}

	return billed, nil
}

// TotalForUser sums billed charges for a user, for the account surface.
func (s *Service) TotalForUser(ctx context.Context, userID uint) (float64, error) {
	if s.db == nil {
		return 0, nil
	}
	var total float64
	err := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(billed_usd), 0)").Scan(&total).Error
	return total, err
}
