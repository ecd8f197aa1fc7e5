package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// activeStatusList is the SQL IN list of statuses counted against quotas.
var activeStatusList = func() string {
	quoted := make([]string, len(core.ActiveStatuses))
	for i, s := range core.ActiveStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}()

type recordRow struct {
	ID               int64     `db:"id"`
	TenantID         string    `db:"tenant_id"`
	ConditionCode    string    `db:"condition_code"`
	TesterType       string    `db:"tester_type"`
	TesterParameters []byte    `db:"tester_parameters"`
	TesterHash       string    `db:"tester_hash"`
	PolicyType       string    `db:"policy_type"`
	PolicyParameters []byte    `db:"policy_parameters"`
	Attempts         int       `db:"attempts"`
	NextAttempt      time.Time `db:"next_attempt"`
	CreatedAt        time.Time `db:"created_at"`
	LastUpdated      time.Time `db:"last_updated"`
}

func (r *recordRow) toRecord() (core.RecoveryRecord, error) {
	rec := core.RecoveryRecord{
		ID:            r.ID,
		TenantID:      r.TenantID,
		ConditionCode: core.ConditionCode(r.ConditionCode),
		TesterType:    core.TesterType(r.TesterType),
		TesterHash:    r.TesterHash,
		PolicyType:    core.PolicyType(r.PolicyType),
		Attempts:      r.Attempts,
		NextAttempt:   r.NextAttempt,
		CreatedAt:     r.CreatedAt,
		LastUpdated:   r.LastUpdated,
	}
	if err := json.Unmarshal(r.TesterParameters, &rec.TesterParameters); err != nil {
		return rec, errors.Wrapf(err, "decode tester parameters of record %d", r.ID)
	}
	if err := json.Unmarshal(r.PolicyParameters, &rec.PolicyParameters); err != nil {
		return rec, errors.Wrapf(err, "decode policy parameters of record %d", r.ID)
	}
	return rec, nil
}

type jobRow struct {
	UUID          string    `db:"uuid"`
	TenantID      string    `db:"tenant_id"`
	Owner         string    `db:"owner"`
	SystemID      string    `db:"system_id"`
	AppID         string    `db:"app_id"`
	Queue         string    `db:"queue"`
	SystemQueue   string    `db:"system_queue"`
	Status        string    `db:"status"`
	StatusMessage string    `db:"status_message"`
	LastUpdated   time.Time `db:"last_updated"`
}

// Store implements recovery.Store on PostgreSQL.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// New wraps an open database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// GetRecoveryRecords returns all records ordered by id, without jobs.
func (s *Store) GetRecoveryRecords(ctx context.Context) ([]core.RecoveryRecord, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, condition_code, tester_type, tester_parameters, tester_hash,
		       policy_type, policy_parameters, attempts, next_attempt, created_at, last_updated
		FROM recovery_records
		ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select recovery records")
	}

	out := make([]core.RecoveryRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetBlockedJobs returns the jobs of a record in insertion order.
func (s *Store) GetBlockedJobs(ctx context.Context, recoveryID int64) ([]core.BlockedJob, error) {
	var jobs []core.BlockedJob
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT recovery_id, job_uuid, success_status, status_message
		FROM blocked_jobs
		WHERE recovery_id = $1
		ORDER BY id`, recoveryID)
	if err != nil {
		return nil, errors.Wrapf(err, "select blocked jobs of record %d", recoveryID)
	}
	return jobs, nil
}

// AddRecoveryRecord persists rec in one transaction. The record row is
// shared with any stored record of the same tester hash; jobs that are
// already blocked are skipped. Nothing is written when no job is new.
func (s *Store) AddRecoveryRecord(ctx context.Context, rec *core.RecoveryRecord) (err error) {
	testerParams, err := json.Marshal(nonNil(rec.TesterParameters))
	if err != nil {
		return errors.Wrap(err, "encode tester parameters")
	}
	policyParams, err := json.Marshal(nonNil(rec.PolicyParameters))
	if err != nil {
		return errors.Wrap(err, "encode policy parameters")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now()
	var id int64
	err = tx.GetContext(ctx, &id, `
		INSERT INTO recovery_records (tenant_id, condition_code, tester_type, tester_parameters, tester_hash,
		                              policy_type, policy_parameters, attempts, next_attempt, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (tester_hash) DO UPDATE SET tester_hash = EXCLUDED.tester_hash
		RETURNING id`,
		rec.TenantID, string(rec.ConditionCode), string(rec.TesterType), testerParams, rec.TesterHash,
		string(rec.PolicyType), policyParams, rec.Attempts, rec.NextAttempt, now)
	if err != nil {
		return errors.Wrap(err, "upsert recovery record")
	}

	kept := rec.BlockedJobs[:0:0]
	for _, bj := range rec.BlockedJobs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO blocked_jobs (recovery_id, job_uuid, success_status, status_message, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_uuid) DO NOTHING`,
			id, bj.JobUUID, string(bj.SuccessStatus), bj.StatusMessage, now)
		if err != nil {
			return errors.Wrapf(err, "insert blocked job %s", bj.JobUUID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "insert blocked job")
		}
		if n == 1 {
			bj.RecoveryID = id
			kept = append(kept, bj)
		}
	}
	rec.BlockedJobs = kept

	if len(kept) == 0 {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(rbErr, "roll back empty recovery record")
		}
		return nil
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit recovery record")
	}
	rec.ID = id
	return nil
}

// UpdateAttempts stores the policy position of a record.
func (s *Store) UpdateAttempts(ctx context.Context, recoveryID int64, attempts int, nextAttempt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_records
		SET attempts = $2, next_attempt = $3, last_updated = $4
		WHERE id = $1`, recoveryID, attempts, nextAttempt, s.now())
	if err != nil {
		return errors.Wrapf(err, "update attempts of record %d", recoveryID)
	}
	return requireRow(res, core.ErrRecordNotFound)
}

// DeleteBlockedJob removes a job from its record. Unknown jobs are ignored.
func (s *Store) DeleteBlockedJob(ctx context.Context, jobUUID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blocked_jobs WHERE job_uuid = $1`, jobUUID); err != nil {
		return errors.Wrapf(err, "delete blocked job %s", jobUUID)
	}
	return nil
}

// DeleteRecoveryRecord removes a record; its jobs go with it.
func (s *Store) DeleteRecoveryRecord(ctx context.Context, recoveryID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_records WHERE id = $1`, recoveryID); err != nil {
		return errors.Wrapf(err, "delete recovery record %d", recoveryID)
	}
	return nil
}

// GetJob reads the recovery-relevant columns of a job.
func (s *Store) GetJob(ctx context.Context, jobUUID string) (*core.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT uuid, tenant_id, owner, system_id, app_id, queue, system_queue, status, status_message, last_updated
		FROM jobs
		WHERE uuid = $1`, jobUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("job %s not found", jobUUID), core.ErrJobNotFound)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select job %s", jobUUID)
	}
	return &core.Job{
		UUID:          row.UUID,
		TenantID:      row.TenantID,
		Owner:         row.Owner,
		SystemID:      row.SystemID,
		AppID:         row.AppID,
		Queue:         row.Queue,
		SystemQueue:   row.SystemQueue,
		Status:        core.JobStatus(row.Status),
		StatusMessage: row.StatusMessage,
		LastUpdated:   core.FormatTime(row.LastUpdated),
	}, nil
}

// GetJobStatus returns the status of a job.
func (s *Store) GetJobStatus(ctx context.Context, jobUUID string) (core.JobStatus, error) {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE uuid = $1`, jobUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Mark(errors.Newf("job %s not found", jobUUID), core.ErrJobNotFound)
	}
	if err != nil {
		return "", errors.Wrapf(err, "select status of job %s", jobUUID)
	}
	return core.JobStatus(status), nil
}

// SetJobStatus updates the status and message of a job.
func (s *Store) SetJobStatus(ctx context.Context, jobUUID string, status core.JobStatus, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2, status_message = $3, last_updated = $4
		WHERE uuid = $1`, jobUUID, string(status), message, s.now())
	if err != nil {
		return errors.Wrapf(err, "update status of job %s", jobUUID)
	}
	return requireRow(res, core.ErrJobNotFound)
}

// FailJob moves a job to FAILED.
func (s *Store) FailJob(ctx context.Context, jobUUID, message string) error {
	return s.SetJobStatus(ctx, jobUUID, core.StatusFailed, message)
}

func (s *Store) count(ctx context.Context, filter string, args ...any) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM jobs WHERE status IN (` + activeStatusList + `) AND ` + filter
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, errors.Wrap(err, "count active jobs")
	}
	return n, nil
}

// CountActiveSystemJobs counts active jobs on a system.
func (s *Store) CountActiveSystemJobs(ctx context.Context, tenantID, systemID string) (int, error) {
	return s.count(ctx, `tenant_id = $1 AND system_id = $2`, tenantID, systemID)
}

// CountActiveUserJobs counts active jobs of one owner on a system.
func (s *Store) CountActiveUserJobs(ctx context.Context, tenantID, systemID, owner string) (int, error) {
	return s.count(ctx, `tenant_id = $1 AND system_id = $2 AND owner = $3`, tenantID, systemID, owner)
}

// CountActiveQueueJobs counts active jobs in one logical queue.
func (s *Store) CountActiveQueueJobs(ctx context.Context, tenantID, systemID, queue string) (int, error) {
	return s.count(ctx, `tenant_id = $1 AND system_id = $2 AND system_queue = $3`, tenantID, systemID, queue)
}

// CountActiveUserQueueJobs counts active jobs of one owner in one logical queue.
func (s *Store) CountActiveUserQueueJobs(ctx context.Context, tenantID, systemID, owner, queue string) (int, error) {
	return s.count(ctx, `tenant_id = $1 AND system_id = $2 AND owner = $3 AND system_queue = $4`,
		tenantID, systemID, owner, queue)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
