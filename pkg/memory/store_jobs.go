package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	defaultJobPriority = 100
	defaultJobLeaseMS  = 60_000

	jobColumns = `id, job_type, conversation_id, status, priority, payload_json, error,
	run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms`
)

// EnqueueJob inserts job, or re-arms the job with the same id. A job re-armed
// while a live lease holds it becomes rearmed: no other worker may claim it,
// and it returns to pending once the current run settles. So one
// conversation never has two passes in flight, and a trigger that arrives
// mid-run still gets one more pass over the latest input.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = defaultJobPriority
	}
	for _, ts := range []*int64{&job.RunAfterMS, &job.CreatedAtMS, &job.UpdatedAtMS} {
		if *ts == 0 {
			*ts = now
		}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`)
VALUES(?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12)
ON CONFLICT(id) DO UPDATE SET
	status = CASE WHEN jobs.status IN (?13, ?14) AND jobs.lease_until_ms > ?15 THEN ?14 ELSE excluded.status END,
	lease_until_ms = CASE WHEN jobs.status IN (?13, ?14) AND jobs.lease_until_ms > ?15 THEN jobs.lease_until_ms ELSE 0 END,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	run_after_ms = excluded.run_after_ms,
	updated_at_ms = excluded.updated_at_ms,
	error = '', completed_at_ms = 0`,
		job.ID, job.JobType, job.ConversationID, job.Status, job.Priority, marshalPayload(job.Payload), job.Error,
		job.RunAfterMS, job.LeaseUntilMS, job.CreatedAtMS, job.UpdatedAtMS, job.CompletedAtMS,
		JobRunning, JobRearmed, now)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.JobType, err)
	}
	return nil
}

// ClaimNextJob leases the most urgent runnable job: pending, or held under an
// expired lease. Selection and lease happen in one statement.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = defaultJobLeaseMS
	}
	row := s.db.QueryRowContext(ctx, `UPDATE jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, error = ''
WHERE id = (
	SELECT id FROM jobs
	WHERE run_after_ms <= ? AND (status = ? OR (status IN (?, ?) AND lease_until_ms <= ?))
	ORDER BY priority ASC, created_at_ms ASC
	LIMIT 1
)
RETURNING `+jobColumns,
		JobRunning, nowMS+leaseForMS, nowMS,
		nowMS, JobPending, JobRunning, JobRearmed, nowMS)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job: %w", err)
	}
	return job, true, nil
}

// RenewJobLease extends the lease of a job that is still held, so a long run
// is not reclaimed by another worker.
func (s *SQLiteStore) RenewJobLease(ctx context.Context, id string, leaseUntilMS int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET lease_until_ms = ?, updated_at_ms = ?
WHERE id = ? AND status IN (?, ?)`, leaseUntilMS, nowMS(), id, JobRunning, JobRearmed); err != nil {
		return fmt.Errorf("renew job lease %s: %w", id, err)
	}
	return nil
}

// CompleteJob and FailJob settle a held job. A job re-armed during the run
// goes back to pending instead.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	return s.settleJob(ctx, id, JobCompleted, "")
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	return s.settleJob(ctx, id, JobFailed, errMsg)
}

func (s *SQLiteStore) settleJob(ctx context.Context, id, status, errMsg string) error {
	now := nowMS()
	completedAt := int64(0)
	if status == JobCompleted {
		completedAt = now
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET
	status = CASE WHEN status = ?1 THEN ?2 ELSE ?3 END,
	error = CASE WHEN status = ?1 THEN '' ELSE ?4 END,
	completed_at_ms = CASE WHEN status = ?1 THEN 0 ELSE ?5 END,
	updated_at_ms = ?6,
	lease_until_ms = 0
WHERE id = ?7 AND status IN (?8, ?1)`,
		JobRearmed, JobPending, status, errMsg, completedAt, now, id, JobRunning); err != nil {
		return fmt.Errorf("mark job %s %s: %w", id, status, err)
	}
	return nil
}

func (s *SQLiteStore) CountJobs(ctx context.Context, status string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var job Job
	var payload string
	err := row.Scan(&job.ID, &job.JobType, &job.ConversationID, &job.Status, &job.Priority, &payload, &job.Error,
		&job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS)
	if err != nil {
		return Job{}, err
	}
	job.Payload = unmarshalPayload(payload)
	return job, nil
}
