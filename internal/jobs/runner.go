// Package jobs runs persisted background jobs with progress tracking,
// cooperative cancellation and retry on gateway failures.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/gateway"
	"github.com/zabbix-fleet/zabbix-fleet/internal/manage"
	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/optimizer"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
	"github.com/zabbix-fleet/zabbix-fleet/internal/syncer"
)

// Job types
const (
	TypeSyncData         = "sync_zabbix_data"
	TypeOptimizeSingle   = "optimize_single_template"
	TypeOptimizeAll      = "optimize_all_templates"
	TypeCreateHostsBatch = "create_hosts_batch"
	TypeCreateTemplate   = "create_template"
	TypeCleanupOldJobs   = "cleanup_old_jobs"
)

// errCancelled signals a driver stopped at a cancellation checkpoint. The job
// row already carries the cancelled status at that point.
var errCancelled = errors.New("job cancelled")

// ErrQueueFull is returned by Enqueue when the worker queue cannot accept
// more jobs.
var ErrQueueFull = errors.New("job queue is full")

// ErrUnknownJobType is returned by Enqueue for an unrecognized job type
var ErrUnknownJobType = errors.New("unknown job type")

type attempt struct {
	jobID int64
	try   int
}

// Runner owns the worker pool. Each job runs single-threaded; concurrency
// exists only across jobs.
type Runner struct {
	db        *storage.DB
	syncer    *syncer.Engine
	optimizer *optimizer.Engine
	manager   *manage.Service
	cfg       models.JobsConfig

	queue chan attempt
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewRunner creates a job runner
func NewRunner(db *storage.DB, syncEngine *syncer.Engine, optimizeEngine *optimizer.Engine, manager *manage.Service, cfg models.JobsConfig) *Runner {
	return &Runner{
		db:        db,
		syncer:    syncEngine,
		optimizer: optimizeEngine,
		manager:   manager,
		cfg:       cfg,
		queue:     make(chan attempt, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// Start launches the worker pool
func (r *Runner) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	log.Printf("Job runner started with %d workers (queue size %d)", r.cfg.Workers, r.cfg.QueueSize)
}

// Stop drains the workers. Queued jobs that never ran stay pending.
func (r *Runner) Stop() {
	close(r.quit)
	r.wg.Wait()
	log.Println("Job runner stopped")
}

// Enqueue persists a pending job and hands it to the workers
func (r *Runner) Enqueue(jobType string, connectionID *int64, params map[string]interface{}) (int64, error) {
	switch jobType {
	case TypeSyncData, TypeOptimizeSingle, TypeOptimizeAll,
		TypeCreateHostsBatch, TypeCreateTemplate, TypeCleanupOldJobs:
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	jobID, err := r.db.CreateJob(models.BackgroundJob{
		JobType:      jobType,
		ConnectionID: connectionID,
		Parameters:   params,
		Status:       models.JobPending,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create job: %w", err)
	}

	select {
	case r.queue <- attempt{jobID: jobID, try: 1}:
		return jobID, nil
	default:
		if err := r.db.MarkJobFailed(jobID, "job queue is full"); err != nil {
			log.Printf("Failed to mark overflowed job %d: %v", jobID, err)
		}
		return 0, ErrQueueFull
	}
}

// Status returns a snapshot of a job
func (r *Runner) Status(jobID int64) (*models.BackgroundJob, error) {
	return r.db.GetJob(jobID)
}

// Cancel requests cancellation of a job. Running drivers stop at their next
// checkpoint; terminal jobs are left untouched.
func (r *Runner) Cancel(jobID int64) error {
	return r.db.MarkJobCancelled(jobID)
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()
	for {
		select {
		case att := <-r.queue:
			r.run(att)
		case <-r.quit:
			return
		}
	}
}

func (r *Runner) run(att attempt) {
	job, err := r.db.GetJob(att.jobID)
	if err != nil {
		log.Printf("Failed to load job %d: %v", att.jobID, err)
		return
	}
	if job.Status != models.JobPending {
		// cancelled (or otherwise finalized) before a worker picked it up
		return
	}

	if err := r.db.MarkJobRunning(job.ID); err != nil {
		log.Printf("Failed to start job %d: %v", job.ID, err)
		return
	}
	log.Printf("Job %d (%s) started, attempt %d", job.ID, job.JobType, att.try)

	result, err := r.dispatch(job)
	if err != nil {
		if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) {
			log.Printf("Job %d (%s) cancelled", job.ID, job.JobType)
			return
		}

		if markErr := r.db.MarkJobFailed(job.ID, err.Error()); markErr != nil {
			log.Printf("Failed to finalize job %d: %v", job.ID, markErr)
		}
		log.Printf("Job %d (%s) failed: %v", job.ID, job.JobType, err)

		r.maybeRetry(job, att, err)
		return
	}

	if err := r.db.MarkJobCompleted(job.ID, result); err != nil {
		log.Printf("Failed to finalize job %d: %v", job.ID, err)
	}
	log.Printf("Job %d (%s) completed", job.ID, job.JobType)
}

// maybeRetry re-enqueues a failed job as a fresh attempt when the failure
// came from the gateway. Validation and storage errors never retry.
func (r *Runner) maybeRetry(job *models.BackgroundJob, att attempt, cause error) {
	if att.try >= r.cfg.MaxTries || !gateway.IsRetryable(cause) {
		return
	}

	backoff := time.Duration(r.cfg.BackoffSeconds) * time.Second
	log.Printf("Job %d (%s) will retry in %v (attempt %d/%d)",
		job.ID, job.JobType, backoff, att.try+1, r.cfg.MaxTries)

	retryID, err := r.db.CreateJob(models.BackgroundJob{
		JobType:      job.JobType,
		ConnectionID: job.ConnectionID,
		Parameters:   job.Parameters,
		Status:       models.JobPending,
	})
	if err != nil {
		log.Printf("Failed to create retry job for %d: %v", job.ID, err)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(backoff):
		case <-r.quit:
			return
		}
		select {
		case r.queue <- attempt{jobID: retryID, try: att.try + 1}:
		case <-r.quit:
		}
	}()
}

func (r *Runner) dispatch(job *models.BackgroundJob) (map[string]interface{}, error) {
	switch job.JobType {
	case TypeSyncData:
		return r.runSync(job)
	case TypeOptimizeSingle:
		return r.runOptimizeSingle(job)
	case TypeOptimizeAll:
		return r.runOptimizeAll(job)
	case TypeCreateHostsBatch:
		return r.runCreateHostsBatch(job)
	case TypeCreateTemplate:
		return r.runCreateTemplate(job)
	case TypeCleanupOldJobs:
		return r.runCleanup(job)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType)
}

// checkpoint reports whether the job was cancelled externally
func (r *Runner) checkpoint(jobID int64) error {
	status, err := r.db.GetJobStatus(jobID)
	if err != nil {
		return err
	}
	if status == models.JobCancelled {
		return errCancelled
	}
	return nil
}

func (r *Runner) progress(jobID int64, pct int, message string) {
	err := r.db.UpdateJobProgress(jobID, pct, map[string]interface{}{"message": message})
	if err != nil {
		log.Printf("Failed to update progress for job %d: %v", jobID, err)
	}
}

func (r *Runner) connection(job *models.BackgroundJob) (*models.Connection, error) {
	if job.ConnectionID == nil {
		return nil, fmt.Errorf("job %d requires a connection", job.ID)
	}
	conn, err := r.db.GetConnection(*job.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %d: %w", *job.ConnectionID, err)
	}
	return conn, nil
}

func (r *Runner) actor(job *models.BackgroundJob) int64 {
	if v, ok := job.Parameters["actor"].(float64); ok {
		return int64(v)
	}
	if v, ok := job.Parameters["actor"].(int64); ok {
		return v
	}
	return 1
}

func (r *Runner) runSync(job *models.BackgroundJob) (map[string]interface{}, error) {
	conn, err := r.connection(job)
	if err != nil {
		return nil, err
	}

	r.progress(job.ID, 10, "Starting sync")
	if err := r.checkpoint(job.ID); err != nil {
		return nil, err
	}

	r.progress(job.ID, 30, "Reconciling remote state")
	result, err := r.syncer.SyncAll(conn, r.actor(job))
	if err != nil {
		return nil, err
	}

	r.progress(job.ID, 90, "Sync finished")
	return map[string]interface{}{
		"templates_synced": result.Templates.Synced,
		"templates_errors": result.Templates.Errors,
		"hosts_synced":     result.Hosts.Synced,
		"hosts_errors":     result.Hosts.Errors,
	}, nil
}

func (r *Runner) runOptimizeSingle(job *models.BackgroundJob) (map[string]interface{}, error) {
	conn, err := r.connection(job)
	if err != nil {
		return nil, err
	}

	templateID, _ := job.Parameters["template_id"].(string)
	if templateID == "" {
		return nil, fmt.Errorf("job %d requires a template_id parameter", job.ID)
	}
	template, err := r.db.GetTemplateByRemoteID(conn.ID, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", templateID, err)
	}

	r.progress(job.ID, 20, "Analyzing template")
	if err := r.checkpoint(job.ID); err != nil {
		return nil, err
	}

	r.progress(job.ID, 40, "Applying optimization")
	result, err := r.optimizer.OptimizeTemplate(conn, template, nil, r.actor(job))
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"template_id":           result.TemplateID,
		"template_name":         result.TemplateName,
		"optimization_settings": result.Settings,
		"execution_time_ms":     result.ExecutionTimeMs,
	}, nil
}

func (r *Runner) runOptimizeAll(job *models.BackgroundJob) (map[string]interface{}, error) {
	conn, err := r.connection(job)
	if err != nil {
		return nil, err
	}

	auto, _ := job.Parameters["auto_optimize"].(bool)
	if auto {
		r.progress(job.ID, 20, "Running auto optimization")
		if err := r.checkpoint(job.ID); err != nil {
			return nil, err
		}
		result, err := r.optimizer.AutoOptimizeAllTemplates(conn, r.actor(job))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"optimization_type": "auto",
			"result":            result,
		}, nil
	}

	r.progress(job.ID, 20, "Collecting optimization candidates")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := r.optimizer.OptimizeAllTemplates(ctx, conn, r.actor(job), func(done, total int) {
		pct := 20
		if total > 0 {
			pct = 20 + done*70/total
		}
		r.progress(job.ID, pct, fmt.Sprintf("Optimized %d of %d templates", done, total))
		if err := r.checkpoint(job.ID); err != nil {
			cancel()
		}
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"optimization_type": "batch",
		"total_templates":   len(result.Templates),
		"optimized":         result.Optimized,
		"errors":            result.Errors,
	}, nil
}

func (r *Runner) runCreateHostsBatch(job *models.BackgroundJob) (map[string]interface{}, error) {
	conn, err := r.connection(job)
	if err != nil {
		return nil, err
	}

	var inputs []manage.HostInput
	if err := decodeParam(job.Parameters["hosts"], &inputs); err != nil {
		return nil, fmt.Errorf("invalid hosts parameter: %w", err)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("job %d requires a non-empty hosts parameter", job.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := r.manager.CreateHostsBatch(ctx, conn, inputs, r.actor(job), func(done, total int) {
		r.progress(job.ID, done*100/total, fmt.Sprintf("Created %d of %d hosts", done, total))
		if err := r.checkpoint(job.ID); err != nil {
			cancel()
		}
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"created": result.Created,
		"errors":  result.Errors,
		"hosts":   result.Hosts,
	}, nil
}

func (r *Runner) runCreateTemplate(job *models.BackgroundJob) (map[string]interface{}, error) {
	conn, err := r.connection(job)
	if err != nil {
		return nil, err
	}

	var input manage.TemplateInput
	if err := decodeParam(job.Parameters["template"], &input); err != nil {
		return nil, fmt.Errorf("invalid template parameter: %w", err)
	}

	r.progress(job.ID, 30, "Creating template")
	if err := r.checkpoint(job.ID); err != nil {
		return nil, err
	}

	template, err := r.manager.CreateTemplate(conn, input, r.actor(job))
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"template_id":   template.TemplateID,
		"template_name": template.Name,
	}, nil
}

func (r *Runner) runCleanup(job *models.BackgroundJob) (map[string]interface{}, error) {
	retention := time.Duration(r.cfg.RetentionDays) * 24 * time.Hour

	r.progress(job.ID, 30, "Deleting old jobs")
	jobsDeleted, err := r.db.CleanupOldJobs(retention)
	if err != nil {
		return nil, err
	}

	r.progress(job.ID, 70, "Deleting old audit logs")
	auditDeleted, err := r.db.CleanupOldAuditLogs(retention)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"jobs_deleted":       jobsDeleted,
		"audit_logs_deleted": auditDeleted,
	}, nil
}

// decodeParam re-marshals a loosely typed parameter into a concrete struct
func decodeParam(raw interface{}, out interface{}) error {
	if raw == nil {
		return errors.New("missing parameter")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
