package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/llm"
	"github.com/lessonforge/lessonforge-backend/internal/logger"
	"github.com/lessonforge/lessonforge-backend/internal/repos"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

// Checkpoint indices. current_step records the furthest index known to have
// completed and been persisted; it never decreases within an attempt.
const (
	StepNone              = 0
	StepCourseContext     = 1
	StepGapAnalysis       = 2
	StepInstructorQuality = 3
	StepDraft             = 4
	StepQualityLoop       = 5
	StepCompleted         = 6
)

// Stage identities used in logs, errors, and the cost breakdown.
const (
	StageCourseDetector      = "CourseDetector"
	StageGapAnalyzer         = "GapAnalyzer"
	StageInstructorScorer    = "InstructorScorer"
	StageCreator             = "Creator"
	StageSanitizer           = "Sanitizer"
	StageReviewer            = "Reviewer"
	StageRefiner             = "Refiner"
	StageFormatter           = "Formatter"
	StageAssignmentSanitizer = "AssignmentSanitizer"
	StagePipeline            = "Pipeline"
)

// StageError tags a pipeline-fatal error with the stage that raised it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// ErrStopped signals that a guarded write found the job already terminal,
// i.e. a cooperative stop (or a competing completion) landed first. The
// pipeline unwinds without overwriting anything.
var ErrStopped = errors.New("job is terminal, stopping")

// Orchestrator runs the generation pipeline for one job at a time: claim,
// heartbeat, ordered stages with artifact-driven resume, bounded quality
// loop, and an atomic completion commit.
type Orchestrator struct {
	db          *gorm.DB
	log         *logger.Logger
	cfg         Config
	prices      PriceTable
	jobRepo     repos.GenerationJobRepo
	logRepo     repos.JobLogRepo
	callRepo    repos.ModelCallLogRepo
	accountRepo repos.AccountRepo
	ai          llm.Client
	notify      JobNotifier
	claims      *ClaimManager
}

func NewOrchestrator(
	db *gorm.DB,
	baseLog *logger.Logger,
	cfg Config,
	prices PriceTable,
	jobRepo repos.GenerationJobRepo,
	logRepo repos.JobLogRepo,
	callRepo repos.ModelCallLogRepo,
	accountRepo repos.AccountRepo,
	ai llm.Client,
	notify JobNotifier,
) *Orchestrator {
	cfg = cfg.withDefaults()
	if prices == nil {
		prices = DefaultPriceTable()
	}
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Orchestrator{
		db:          db,
		log:         baseLog.With("component", "Orchestrator"),
		cfg:         cfg,
		prices:      prices,
		jobRepo:     jobRepo,
		logRepo:     logRepo,
		callRepo:    callRepo,
		accountRepo: accountRepo,
		ai:          ai,
		notify:      notify,
		claims:      NewClaimManager(db, baseLog, jobRepo, cfg),
	}
}

// run carries the per-invocation state shared by the stages.
type run struct {
	ctx    context.Context
	job    *types.GenerationJob
	jlog   *LogWriter
	ledger *CostLedger
}

// Process attempts to claim jobID and drive it to a terminal status.
// Idempotent: terminal jobs and live claims return immediately with the
// matching ClaimResult and no mutation. On hard failure the job is marked
// failed and the error is returned so the caller's invocation fails too.
func (o *Orchestrator) Process(ctx context.Context, jobID uuid.UUID) (ClaimResult, *types.GenerationJob, error) {
	result, job, err := o.claims.TryClaim(ctx, jobID)
	if err != nil {
		return result, job, err
	}
	switch result {
	case ClaimNotFound:
		return result, nil, fmt.Errorf("job %s not found", jobID)
	case AlreadyTerminal, AlreadyActive:
		return result, job, nil
	}

	hb := StartHeartbeat(ctx, o.log, o.jobRepo, o.db, job.ID, o.cfg.HeartbeatInterval)
	defer hb.Stop()

	r := &run{
		ctx:    ctx,
		job:    job,
		jlog:   NewLogWriter(o.log, o.logRepo, o.db, job.ID),
		ledger: NewCostLedger(o.prices),
	}
	r.ledger.Seed(job.CostBreakdown)

	if err := o.runGuarded(r); err != nil {
		if errors.Is(err, ErrStopped) {
			r.jlog.Info(r.ctx, StagePipeline, "job became terminal externally, worker released")
			if refreshed, gerr := o.jobRepo.GetByID(ctx, o.db, job.ID); gerr == nil && refreshed != nil {
				r.job = refreshed
			}
			return result, r.job, nil
		}
		o.failJob(r, err)
		return result, r.job, err
	}
	return result, r.job, nil
}

// runGuarded converts panics anywhere in the pipeline into a pipeline-fatal
// error so the job still lands in failed with a cause attached.
func (o *Orchestrator) runGuarded(r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &StageError{Stage: StagePipeline, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return o.runPipeline(r)
}

func (o *Orchestrator) runPipeline(r *run) error {
	if err := o.stageCourseDetection(r); err != nil {
		return err
	}
	if err := o.stageTranscriptAnalysis(r); err != nil {
		return err
	}
	if err := o.stageDraftCreation(r); err != nil {
		return err
	}
	if err := o.runQualityLoop(r); err != nil {
		return err
	}
	if err := o.stageFormatting(r); err != nil {
		return err
	}
	return o.complete(r)
}

// transition moves the job to an in-flight status. A rejected write means
// the job turned terminal underneath us.
func (o *Orchestrator) transition(r *run, status string) error {
	ok, err := o.updateGuardedWithRetry(r, map[string]interface{}{"status": status})
	if err != nil {
		return &StageError{Stage: StagePipeline, Err: fmt.Errorf("persist status %q: %w", status, err)}
	}
	if !ok {
		return ErrStopped
	}
	r.job.Status = status
	o.notify.JobProgress(r.job.AccountID, r.job, status, "")
	return nil
}

// checkpoint records stage completion. current_step is monotonic within an
// attempt; resumed stages re-assert their step without regressing it.
func (o *Orchestrator) checkpoint(r *run, step int) error {
	if step <= r.job.CurrentStep {
		return nil
	}
	ok, err := o.updateGuardedWithRetry(r, map[string]interface{}{"current_step": step})
	if err != nil {
		return &StageError{Stage: StagePipeline, Err: fmt.Errorf("persist checkpoint %d: %w", step, err)}
	}
	if !ok {
		return ErrStopped
	}
	r.job.CurrentStep = step
	return nil
}

// updateGuardedWithRetry is the single write-site policy for control fields:
// one retry on failure, then surface the error. Stage artifacts have their
// own policy at each call site.
func (o *Orchestrator) updateGuardedWithRetry(r *run, updates map[string]interface{}) (bool, error) {
	ok, err := o.jobRepo.UpdateFieldsUnlessTerminal(r.ctx, o.db, r.job.ID, updates)
	if err == nil {
		return ok, nil
	}
	o.log.Warn("job update failed, retrying once", "job_id", r.job.ID, "error", err)
	return o.jobRepo.UpdateFieldsUnlessTerminal(r.ctx, o.db, r.job.ID, updates)
}

// persistArtifact writes a stage artifact immediately after it is produced,
// before the pipeline moves on. Retries once; the returned error is handled
// under the owning stage's soft/hard policy.
func (o *Orchestrator) persistArtifact(r *run, stage, column string, value interface{}) error {
	err := o.jobRepo.SaveArtifact(r.ctx, o.db, r.job.ID, column, value)
	if err == nil {
		return nil
	}
	o.log.Warn("artifact save failed, retrying once", "job_id", r.job.ID, "column", column, "error", err)
	if err = o.jobRepo.SaveArtifact(r.ctx, o.db, r.job.ID, column, value); err != nil {
		r.jlog.Warning(r.ctx, stage, fmt.Sprintf("failed to persist %s artifact: %v", column, err))
		return err
	}
	return nil
}

// call issues one model backend request, records an audit row, and feeds the
// cost ledger on success. ctx may carry a stage deadline tighter than the
// run's own.
func (o *Orchestrator) call(ctx context.Context, r *run, stage, model, system string, msgs []llm.Message) (llm.Completion, error) {
	comp, err := o.ai.Complete(ctx, llm.CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  msgs,
		MaxTokens: o.cfg.MaxOutputTokens,
	})
	o.auditCall(r, stage, comp, err)
	if err != nil {
		return comp, err
	}
	r.ledger.Record(stage, comp)
	return comp, nil
}

func (o *Orchestrator) auditCall(r *run, stage string, comp llm.Completion, callErr error) {
	if o.callRepo == nil {
		return
	}
	usage, _ := json.Marshal(map[string]int{
		"input_tokens":  comp.InputTokens,
		"output_tokens": comp.OutputTokens,
	})
	row := &types.ModelCallLog{
		JobID:   r.job.ID,
		Stage:   stage,
		Model:   comp.Model,
		Success: callErr == nil,
		Usage:   usage,
	}
	if callErr != nil {
		row.Error = callErr.Error()
	}
	if _, err := o.callRepo.Create(r.ctx, o.db, []*types.ModelCallLog{row}); err != nil {
		o.log.Warn("failed to record model call", "job_id", r.job.ID, "stage", stage, "error", err)
	}
}

func (o *Orchestrator) failJob(r *run, cause error) {
	stage := StagePipeline
	var se *StageError
	if errors.As(cause, &se) {
		stage = se.Stage
	}
	msg := cause.Error()

	r.jlog.Error(r.ctx, stage, "generation failed: "+msg)

	now := time.Now()
	ok, err := o.updateGuardedWithRetry(r, map[string]interface{}{
		"status":        types.JobStatusFailed,
		"error_message": msg,
		"updated_at":    now,
	})
	if err != nil {
		o.log.Error("failed to persist job failure", "job_id", r.job.ID, "error", err)
	}
	if ok {
		r.job.Status = types.JobStatusFailed
		r.job.ErrorMessage = msg
	}
	o.notify.JobFailed(r.job.AccountID, r.job, stage, msg)
}

// complete commits the terminal state in one write: status, final
// checkpoint, total cost, and the per-stage breakdown land together.
func (o *Orchestrator) complete(r *run) error {
	total := r.ledger.Total()
	ok, err := o.updateGuardedWithRetry(r, map[string]interface{}{
		"status":         types.JobStatusCompleted,
		"current_step":   StepCompleted,
		"estimated_cost": total,
		"cost_breakdown": r.ledger.BreakdownJSON(),
		"error_message":  "",
	})
	if err != nil {
		return &StageError{Stage: StagePipeline, Err: fmt.Errorf("persist completion: %w", err)}
	}
	if !ok {
		return ErrStopped
	}
	r.job.Status = types.JobStatusCompleted
	r.job.CurrentStep = StepCompleted
	r.job.EstimatedCost = total
	r.job.CostBreakdown = r.ledger.BreakdownJSON()
	r.job.ErrorMessage = ""

	r.jlog.Success(r.ctx, StagePipeline, fmt.Sprintf("generation completed, estimated cost $%.4f", total))

	// Billing is best-effort: a failed credit write never fails the job.
	if o.accountRepo != nil && r.job.AccountID != uuid.Nil && total > 0 {
		if err := o.accountRepo.AddCredits(r.ctx, o.db, r.job.AccountID, total); err != nil {
			o.log.Warn("credit increment failed", "job_id", r.job.ID, "account_id", r.job.AccountID, "error", err)
		}
	}

	o.notify.JobDone(r.job.AccountID, r.job)
	return nil
}
