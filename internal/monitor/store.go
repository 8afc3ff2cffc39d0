package monitor

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// TrafficLog is one raw request row.
type TrafficLog struct {
	ID            string    `gorm:"primaryKey;size:36"`
	Timestamp     time.Time `gorm:"index"`
	Method        string    `gorm:"size:8"`
	URL           string    `gorm:"size:512"`
	Status        int
	DurationMS    int64
	OriginalModel string `gorm:"size:128;index"`
	MappedModel   string `gorm:"size:128"`
	AccountEmail  string `gorm:"size:256;index"`
	Error         string
	Protocol      string `gorm:"size:16"`
	InputTokens   int64
	OutputTokens  int64
}

func (TrafficLog) TableName() string { return "traffic_logs" }

// TokenUsageHourly aggregates tokens per account, model and hour bucket.
type TokenUsageHourly struct {
	AccountEmail string    `gorm:"primaryKey;size:256"`
	Model        string    `gorm:"primaryKey;size:128"`
	Hour         time.Time `gorm:"primaryKey"`
	Requests     int64
	InputTokens  int64
	OutputTokens int64
}

func (TokenUsageHourly) TableName() string { return "token_usage_hourly" }

// Store persists observations in SQLite with WAL enabled so external
// readers can query while the proxy writes.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (and migrates) the database at path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: open %s: %w", path, err)
	}
	if err = db.AutoMigrate(&TrafficLog{}, &TokenUsageHourly{}); err != nil {
		return nil, fmt.Errorf("monitor: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts the raw row and folds the tokens into the hourly bucket.
// Failures are logged, never propagated; observation persistence must not
// fail a request.
func (s *Store) Record(obs *Observation) {
	row := &TrafficLog{
		ID:            obs.ID,
		Timestamp:     obs.Timestamp,
		Method:        obs.Method,
		URL:           obs.URL,
		Status:        obs.Status,
		DurationMS:    obs.DurationMS,
		OriginalModel: obs.OriginalModel,
		MappedModel:   obs.MappedModel,
		AccountEmail:  obs.AccountEmail,
		Error:         obs.Error,
		Protocol:      string(obs.Protocol),
		InputTokens:   obs.InputTokens,
		OutputTokens:  obs.OutputTokens,
	}
	if err := s.db.Create(row).Error; err != nil {
		log.Warnf("monitor: traffic log insert: %v", err)
	}

	bucket := &TokenUsageHourly{
		AccountEmail: obs.AccountEmail,
		Model:        obs.MappedModel,
		Hour:         obs.Timestamp.Truncate(time.Hour),
		Requests:     1,
		InputTokens:  obs.InputTokens,
		OutputTokens: obs.OutputTokens,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_email"}, {Name: "model"}, {Name: "hour"}},
		DoUpdates: clause.Assignments(map[string]any{
			"requests":      gorm.Expr("requests + 1"),
			"input_tokens":  gorm.Expr("input_tokens + ?", obs.InputTokens),
			"output_tokens": gorm.Expr("output_tokens + ?", obs.OutputTokens),
		}),
	}).Create(bucket).Error
	if err != nil {
		log.Warnf("monitor: hourly upsert: %v", err)
	}
}

// Recent returns the newest n traffic rows for the info endpoint.
func (s *Store) Recent(n int) ([]TrafficLog, error) {
	var rows []TrafficLog
	err := s.db.Order("timestamp desc").Limit(n).Find(&rows).Error
	return rows, err
}

// UsageSince returns hourly buckets newer than the cutoff.
func (s *Store) UsageSince(cutoff time.Time) ([]TokenUsageHourly, error) {
	var rows []TokenUsageHourly
	err := s.db.Where("hour >= ?", cutoff).Order("hour").Find(&rows).Error
	return rows, err
}
