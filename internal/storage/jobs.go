package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
)

// Background job operations

// CreateJob persists a new job record and returns its id
func (db *DB) CreateJob(job models.BackgroundJob) (int64, error) {
	params, err := marshalPayload(job.Parameters)
	if err != nil {
		return 0, err
	}

	result, err := db.conn.Exec(`
		INSERT INTO background_jobs
		(job_type, connection_id, parameters, status, progress_percentage, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.JobType, nullInt64(job.ConnectionID), params,
		defaultString(job.Status, models.JobPending), clampProgress(job.ProgressPercentage),
		nullTime(job.StartedAt))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// MarkJobRunning transitions a pending job to running with progress 0
func (db *DB) MarkJobRunning(id int64) error {
	_, err := db.conn.Exec(`
		UPDATE background_jobs
		SET status = 'running', started_at = ?, progress_percentage = 0
		WHERE id = ? AND status = 'pending'
	`, time.Now().UTC(), id)
	return err
}

// UpdateJobProgress stores a progress percentage clamped to [0,100] and an
// optional intermediate result snapshot. Monotonicity is not enforced.
func (db *DB) UpdateJobProgress(id int64, percentage int, result map[string]interface{}) error {
	payload, err := marshalPayload(result)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(`
		UPDATE background_jobs
		SET progress_percentage = ?, result_data = ?
		WHERE id = ? AND status = 'running'
	`, clampProgress(percentage), payload, id)
	return err
}

// MarkJobCompleted finalizes a job as completed with progress forced to 100
func (db *DB) MarkJobCompleted(id int64, result map[string]interface{}) error {
	payload, err := marshalPayload(result)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(`
		UPDATE background_jobs
		SET status = 'completed', completed_at = ?, progress_percentage = 100, result_data = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, time.Now().UTC(), payload, id)
	return err
}

// MarkJobFailed finalizes a job as failed with the error message
func (db *DB) MarkJobFailed(id int64, errorMessage string) error {
	_, err := db.conn.Exec(`
		UPDATE background_jobs
		SET status = 'failed', completed_at = ?, error_message = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, time.Now().UTC(), errorMessage, id)
	return err
}

// MarkJobCancelled finalizes a job as cancelled. Terminal jobs are left alone.
func (db *DB) MarkJobCancelled(id int64) error {
	_, err := db.conn.Exec(`
		UPDATE background_jobs
		SET status = 'cancelled', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, time.Now().UTC(), id)
	return err
}

const jobColumns = `id, job_type, connection_id, parameters, status, progress_percentage,
	started_at, completed_at, error_message, result_data, created_at`

// GetJob returns a single job by ID
func (db *DB) GetJob(id int64) (*models.BackgroundJob, error) {
	row := db.conn.QueryRow(`SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobStatus returns just the status of a job, used by cancellation checkpoints
func (db *DB) GetJobStatus(id int64) (string, error) {
	var status string
	err := db.conn.QueryRow(`SELECT status FROM background_jobs WHERE id = ?`, id).Scan(&status)
	return status, err
}

// GetJobs returns recent jobs, newest first
func (db *DB) GetJobs(limit int) ([]models.BackgroundJob, error) {
	rows, err := db.conn.Query(`
		SELECT `+jobColumns+`
		FROM background_jobs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.BackgroundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CleanupOldJobs deletes terminal jobs older than the cutoff and returns the count
func (db *DB) CleanupOldJobs(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := db.conn.Exec(`
		DELETE FROM background_jobs
		WHERE created_at < ? AND status IN ('completed', 'failed', 'cancelled')
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanJob(row rowScanner) (*models.BackgroundJob, error) {
	var j models.BackgroundJob
	var connectionID sql.NullInt64
	var params, resultData, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.JobType, &connectionID, &params, &j.Status,
		&j.ProgressPercentage, &startedAt, &completedAt, &errMsg, &resultData, &j.CreatedAt)
	if err != nil {
		return nil, err
	}

	if connectionID.Valid {
		id := connectionID.Int64
		j.ConnectionID = &id
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &j.Parameters); err != nil {
			return nil, err
		}
	}
	if resultData.Valid && resultData.String != "" {
		if err := json.Unmarshal([]byte(resultData.String), &j.ResultData); err != nil {
			return nil, err
		}
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}

	return &j, nil
}

func clampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func marshalPayload(payload map[string]interface{}) (interface{}, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
