package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/cache"
	"github.com/adpilot/adpilot/internal/database"
	"github.com/adpilot/adpilot/internal/domain"
)

// generator is the recommendation engine surface the nightly job needs.
type generator interface {
	Generate(ctx context.Context, customerID int64, snapshotDate string) ([]domain.Recommendation, error)
}

// generateTimeout bounds one nightly generation run.
const generateTimeout = 30 * time.Minute

// GenerateRecommendationsJob runs nightly generation for the configured
// customer against the previous day's snapshot (ingestion lands overnight).
type GenerateRecommendationsJob struct {
	customerID int64
	engine     generator
	log        zerolog.Logger
	now        func() time.Time
}

// NewGenerateRecommendationsJob creates the nightly generation job.
func NewGenerateRecommendationsJob(customerID int64, engine generator, log zerolog.Logger) *GenerateRecommendationsJob {
	return &GenerateRecommendationsJob{
		customerID: customerID,
		engine:     engine,
		log:        log.With().Str("job", "generate_recommendations").Logger(),
		now:        time.Now,
	}
}

// Name returns the job name.
func (j *GenerateRecommendationsJob) Name() string {
	return "generate_recommendations"
}

// Run executes recommendation generation.
func (j *GenerateRecommendationsJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	snapshotDate := j.now().AddDate(0, 0, -1).Format("2006-01-02")
	recs, err := j.engine.Generate(ctx, j.customerID, snapshotDate)
	if err != nil {
		return err
	}
	j.log.Info().
		Str("snapshot_date", snapshotDate).
		Int("proposals", len(recs)).
		Msg("Nightly generation finished")
	return nil
}

// ticker is the rollback monitor surface the tick job needs.
type ticker interface {
	Tick(ctx context.Context) error
}

// tickTimeout bounds one monitor pass; a stuck warehouse query must not
// block the next scheduled tick forever.
const tickTimeout = 5 * time.Minute

// RollbackMonitorJob drives the rollback monitor on its configured cadence.
type RollbackMonitorJob struct {
	monitor ticker
}

// NewRollbackMonitorJob creates the monitor tick job.
func NewRollbackMonitorJob(monitor ticker) *RollbackMonitorJob {
	return &RollbackMonitorJob{monitor: monitor}
}

// Name returns the job name.
func (j *RollbackMonitorJob) Name() string {
	return "rollback_monitor_tick"
}

// Run executes one monitoring pass.
func (j *RollbackMonitorJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	return j.monitor.Tick(ctx)
}

// expirer is the approval store surface the expiry job needs.
type expirer interface {
	ExpireOverdue(now time.Time, ttl time.Duration) (int, error)
}

// ApprovalExpiryJob expires PENDING recommendations past their TTL.
type ApprovalExpiryJob struct {
	approvals expirer
	ttl       time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewApprovalExpiryJob creates the hourly expiry job.
func NewApprovalExpiryJob(approvals expirer, ttl time.Duration, log zerolog.Logger) *ApprovalExpiryJob {
	return &ApprovalExpiryJob{
		approvals: approvals,
		ttl:       ttl,
		log:       log.With().Str("job", "approval_expiry").Logger(),
		now:       time.Now,
	}
}

// Name returns the job name.
func (j *ApprovalExpiryJob) Name() string {
	return "approval_expiry"
}

// Run expires overdue pending recommendations.
func (j *ApprovalExpiryJob) Run() error {
	expired, err := j.approvals.ExpireOverdue(j.now(), j.ttl)
	if err != nil {
		return err
	}
	if expired > 0 {
		j.log.Info().Int("expired", expired).Msg("Expired overdue recommendations")
	}
	return nil
}

// CachePurgeJob evicts expired cache entries so memory tracks the working
// set instead of history.
type CachePurgeJob struct {
	cache *cache.Cache
	log   zerolog.Logger
}

// NewCachePurgeJob creates the hourly cache purge job.
func NewCachePurgeJob(c *cache.Cache, log zerolog.Logger) *CachePurgeJob {
	return &CachePurgeJob{
		cache: c,
		log:   log.With().Str("job", "cache_purge").Logger(),
	}
}

// Name returns the job name.
func (j *CachePurgeJob) Name() string {
	return "cache_purge"
}

// Run purges expired cache entries.
func (j *CachePurgeJob) Run() error {
	if purged := j.cache.PurgeExpired(); purged > 0 {
		j.log.Debug().Int("purged", purged).Msg("Purged expired cache entries")
	}
	return nil
}

// WALCheckpointJob truncates the write-ahead logs so they do not grow
// unbounded between restarts.
type WALCheckpointJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewWALCheckpointJob creates the daily WAL checkpoint job.
func NewWALCheckpointJob(databases map[string]*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

// Name returns the job name.
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run checkpoints every database. A single failure is logged but does not
// stop the others.
func (j *WALCheckpointJob) Run() error {
	for name, db := range j.databases {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}
	return nil
}

// backupService is the reliability surface the backup job needs.
type backupService interface {
	CreateAndUploadBackup(ctx context.Context) error
	RotateOldBackups(ctx context.Context, retentionDays int) error
}

// backupTimeout bounds one backup run including the upload.
const backupTimeout = 15 * time.Minute

// BackupJob snapshots the ledger and approvals databases to object storage
// and prunes old archives.
type BackupJob struct {
	service       backupService
	retentionDays int
}

// NewBackupJob creates the daily backup job.
func NewBackupJob(service backupService, retentionDays int) *BackupJob {
	return &BackupJob{service: service, retentionDays: retentionDays}
}

// Name returns the job name.
func (j *BackupJob) Name() string {
	return "ledger_backup"
}

// Run creates, uploads and rotates backups.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()

	if err := j.service.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	return j.service.RotateOldBackups(ctx, j.retentionDays)
}
