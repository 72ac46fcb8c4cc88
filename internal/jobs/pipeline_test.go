package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/lessonforge/lessonforge-backend/internal/llm"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

const lectureDraft = "# Red-Black Trees\n\nA red-black tree is a balanced binary search tree with color invariants.\n\nRotations restore balance after insertion."

func parseBreakdown(t *testing.T, raw datatypes.JSON) map[string]StageCost {
	t.Helper()
	out := map[string]StageCost{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse cost breakdown: %v", err)
	}
	return out
}

func TestProcessLectureJobFirstPass(t *testing.T) {
	ai := &fakeAI{}
	ai.failOn(matchDetector, fmt.Errorf("model backend unavailable"))
	ai.on(matchLecture, lectureDraft)
	ai.on(matchReviewer, reviewPass)
	ai.on(matchRefiner, "should never be called")

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, nil)

	result, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != Claimed {
		t.Fatalf("result = %s, want claimed", result)
	}
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.CurrentStep != StepCompleted {
		t.Fatalf("current_step = %d, want %d", got.CurrentStep, StepCompleted)
	}
	if !strings.Contains(got.Content, "red-black tree") {
		t.Fatalf("content missing draft text: %q", got.Content)
	}

	// Detector failure is soft: the job still gets a fallback context.
	if !strings.Contains(string(got.CourseContext), `"confidence":"low"`) {
		t.Fatalf("fallback course context missing: %s", got.CourseContext)
	}

	breakdown := parseBreakdown(t, got.CostBreakdown)
	if _, ok := breakdown[StageCreator]; !ok {
		t.Fatalf("breakdown missing creator entry: %v", breakdown)
	}
	if _, ok := breakdown[StageReviewer]; !ok {
		t.Fatalf("breakdown missing reviewer entry: %v", breakdown)
	}
	if _, ok := breakdown[StageRefiner]; ok {
		t.Fatalf("refiner should not have run: %v", breakdown)
	}
	if ai.hits(matchRefiner) != 0 {
		t.Fatalf("refiner called %d times on a passing review", ai.hits(matchRefiner))
	}

	sum := 0.0
	for _, entry := range breakdown {
		sum += entry.Cost
	}
	if diff := got.EstimatedCost - sum; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("estimated_cost %f != breakdown sum %f", got.EstimatedCost, sum)
	}

	logs, err := env.logRepo.ListByJobID(context.Background(), nil, job.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatalf("expected job log entries")
	}
}

func TestProcessIsIdempotentAfterCompletion(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, `{"subject": "algorithms", "level": "intro"}`)
	ai.on(matchLecture, lectureDraft)
	ai.on(matchReviewer, reviewPass)

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, nil)

	if _, _, err := env.orch.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("first process: %v", err)
	}
	creatorHits := ai.hits(matchLecture)

	result, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if result != AlreadyTerminal {
		t.Fatalf("result = %s, want already_terminal", result)
	}
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if ai.hits(matchLecture) != creatorHits {
		t.Fatalf("re-invocation issued model calls")
	}
}

func TestProcessResumesFromCheckpoint(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, "should not be called")
	ai.on(matchLecture, "should not be called")
	ai.on(matchReviewer, reviewPass)

	env := newTestEnv(t, ai, Config{StaleThreshold: 2 * time.Minute})
	stale := time.Now().Add(-30 * time.Minute)
	job := env.seedJob(t, func(j *types.GenerationJob) {
		j.Status = types.JobStatusDrafting
		j.CurrentStep = StepInstructorQuality
		j.Content = lectureDraft
		j.CourseContext = datatypes.JSON([]byte(`{"subject": "algorithms"}`))
		j.HeartbeatAt = &stale
	})

	result, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != Claimed {
		t.Fatalf("result = %s, want claimed (stale takeover)", result)
	}
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if ai.hits(matchDetector) != 0 || ai.hits(matchLecture) != 0 {
		t.Fatalf("resumed run re-ran finished stages: detector=%d creator=%d",
			ai.hits(matchDetector), ai.hits(matchLecture))
	}
	if got.Content != lectureDraft {
		t.Fatalf("resume must keep the persisted draft")
	}
}

func TestProcessRefusesFreshActiveJob(t *testing.T) {
	ai := &fakeAI{}
	env := newTestEnv(t, ai, Config{StaleThreshold: 2 * time.Minute})
	now := time.Now()
	job := env.seedJob(t, func(j *types.GenerationJob) {
		j.Status = types.JobStatusProcessing
		j.HeartbeatAt = &now
	})

	result, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result != AlreadyActive {
		t.Fatalf("result = %s, want already_active", result)
	}
	if got.Status != types.JobStatusProcessing {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestProcessMissingJob(t *testing.T) {
	env := newTestEnv(t, &fakeAI{}, Config{})
	result, _, err := env.orch.Process(context.Background(), uuid.New())
	if result != ClaimNotFound {
		t.Fatalf("result = %s, want not_found", result)
	}
	if err == nil {
		t.Fatalf("missing job should be an error for the caller")
	}
}

func TestDraftFailureMarksJobFailed(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, `{"subject": "algorithms"}`)
	ai.failOn(matchLecture, fmt.Errorf("backend exploded"))

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, nil)

	_, got, err := env.orch.Process(context.Background(), job.ID)
	if err == nil {
		t.Fatalf("draft failure must fail the invocation")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageCreator {
		t.Fatalf("error not tagged with the creator stage: %v", err)
	}
	if got.Status != types.JobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "backend exploded") {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}

	// A failed job is terminal: re-processing is a no-op.
	result, _, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if result != AlreadyTerminal {
		t.Fatalf("result = %s, want already_terminal", result)
	}
}

func TestQualityLoopRefinesUntilThreshold(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, `{"subject": "algorithms"}`)
	ai.on(matchLecture, "Intro about sorting.\n\nQuicksort partitions around a pivot element.")
	ai.on(matchReviewer,
		`{"score": 6.0, "needs_polish": true, "feedback": "expand the intro"}`,
		`{"score": 9.2, "needs_polish": false, "feedback": "good"}`,
	)
	ai.on(matchRefiner,
		"<<<<<<< SEARCH\nIntro about sorting.\n=======\nThis lecture introduces comparison sorting.\n>>>>>>> REPLACE\n")

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, nil)

	_, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if ai.hits(matchReviewer) != 2 || ai.hits(matchRefiner) != 1 {
		t.Fatalf("review/refine counts = %d/%d, want 2/1", ai.hits(matchReviewer), ai.hits(matchRefiner))
	}
	if !strings.HasPrefix(got.Content, "This lecture introduces comparison sorting.") {
		t.Fatalf("patch not applied: %q", got.Content)
	}
	if strings.Contains(got.Content, "Intro about sorting.") {
		t.Fatalf("patched text still present")
	}
	if _, ok := parseBreakdown(t, got.CostBreakdown)[StageRefiner]; !ok {
		t.Fatalf("refiner cost missing from breakdown")
	}
}

func TestQualityLoopEmptyPatchKeepsDraft(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, `{"subject": "algorithms"}`)
	ai.on(matchLecture, lectureDraft)
	ai.on(matchReviewer, `{"score": 5.0, "needs_polish": true, "feedback": "meh"}`)
	ai.on(matchRefiner, "The content already looks correct, no changes needed.")

	env := newTestEnv(t, ai, Config{MaxQualityLoops: 2})
	job := env.seedJob(t, nil)

	_, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("loop budget exhaustion must still complete, status = %q", got.Status)
	}
	if got.Content != lectureDraft {
		t.Fatalf("empty patch must keep the draft unchanged")
	}
	if ai.hits(matchReviewer) != 2 {
		t.Fatalf("reviewer hits = %d, want 2", ai.hits(matchReviewer))
	}
	// The final iteration stops before refining again.
	if ai.hits(matchRefiner) != 1 {
		t.Fatalf("refiner hits = %d, want 1", ai.hits(matchRefiner))
	}
}

func TestCostsAdditiveAcrossResume(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchReviewer, reviewPass)

	prior := map[string]StageCost{
		StageCreator: {InputTokens: 5000, OutputTokens: 2000, Cost: 0.5},
	}
	priorRaw, _ := json.Marshal(prior)

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, func(j *types.GenerationJob) {
		j.CurrentStep = StepDraft
		j.Content = lectureDraft
		j.CourseContext = datatypes.JSON([]byte(`{"subject": "algorithms"}`))
		j.CostBreakdown = datatypes.JSON(priorRaw)
	})

	_, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	reviewerCost := DefaultPriceTable().Cost("gpt-4o-mini", 1000, 500)
	want := 0.5 + reviewerCost
	if diff := got.EstimatedCost - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("estimated_cost = %f, want %f", got.EstimatedCost, want)
	}
	breakdown := parseBreakdown(t, got.CostBreakdown)
	if breakdown[StageCreator].Cost != 0.5 {
		t.Fatalf("prior creator cost lost: %v", breakdown)
	}
}

func TestAssignmentJobFormatsQuestions(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, `{"subject": "algorithms"}`)
	ai.on(matchAssignDoc, "Companion notes about hash tables and collision resolution.")
	ai.on(matchReviewer, reviewPass)
	ai.on(matchFormatter, "```json\n{\"questions\": [{\"type\": \"mcq\", \"prompt\": \"What resolves collisions?\", \"options\": [\"chaining\"], \"answer\": \"chaining\"}]}\n```")

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, func(j *types.GenerationJob) {
		j.Mode = types.ModeAssignment
		j.QuestionTargets = datatypes.JSON([]byte(`{"mcq": 1}`))
	})

	_, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	if !strings.Contains(string(got.Assignment), "What resolves collisions?") {
		t.Fatalf("assignment payload missing question: %s", got.Assignment)
	}
}

func TestAssignmentFormatterFailureFallsBackEmpty(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, `{"subject": "algorithms"}`)
	ai.on(matchAssignDoc, "Companion notes about hashing.")
	ai.on(matchReviewer, reviewPass)
	ai.failOn(matchFormatter, fmt.Errorf("formatter down"))

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, func(j *types.GenerationJob) {
		j.Mode = types.ModeAssignment
	})

	_, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("formatter failure must not fail the job: %v", err)
	}
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
	var payload struct {
		Questions []any `json:"questions"`
	}
	if perr := json.Unmarshal(got.Assignment, &payload); perr != nil {
		t.Fatalf("fallback payload not JSON: %v", perr)
	}
	if len(payload.Questions) != 0 {
		t.Fatalf("fallback payload should be empty, got %v", payload.Questions)
	}
}

func TestCompletionAddsCredits(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, `{"subject": "algorithms"}`)
	ai.on(matchLecture, lectureDraft)
	ai.on(matchReviewer, reviewPass)

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, nil)
	if _, err := env.accounts.Create(context.Background(), nil, []*types.Account{{ID: job.AccountID}}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	_, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	account, err := env.accounts.GetByID(context.Background(), nil, job.AccountID)
	if err != nil || account == nil {
		t.Fatalf("get account: %v", err)
	}
	if diff := account.Credits - got.EstimatedCost; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("credits = %f, want %f", account.Credits, got.EstimatedCost)
	}
}

// hookAI lets a test mutate state right before a matching call, to exercise
// races between the pipeline and external writers.
type hookAI struct {
	inner llm.Client
	match string
	hook  func()
}

func (h *hookAI) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	if h.hook != nil && strings.Contains(req.System, h.match) {
		h.hook()
	}
	return h.inner.Complete(ctx, req)
}

func TestCooperativeStopReleasesWorker(t *testing.T) {
	ai := &fakeAI{}
	ai.on(matchDetector, `{"subject": "algorithms"}`)
	ai.on(matchLecture, lectureDraft)
	ai.on(matchReviewer, reviewPass)

	env := newTestEnv(t, ai, Config{})
	job := env.seedJob(t, nil)

	// Stop lands while the reviewer call is in flight; the next guarded
	// write must notice and unwind without overwriting the terminal row.
	hooked := &hookAI{
		inner: ai,
		match: matchReviewer,
		hook: func() {
			err := env.db.Model(&types.GenerationJob{}).
				Where("id = ?", job.ID).
				Updates(map[string]interface{}{
					"status":        types.JobStatusFailed,
					"error_message": "stopped by user",
				}).Error
			if err != nil {
				t.Errorf("stop write: %v", err)
			}
		},
	}
	env.orch.ai = hooked

	result, got, err := env.orch.Process(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("stopped run must not report an error: %v", err)
	}
	if result != Claimed {
		t.Fatalf("result = %s, want claimed", result)
	}
	if got.Status != types.JobStatusFailed {
		t.Fatalf("status = %q, want failed (stop preserved)", got.Status)
	}
	if got.ErrorMessage != "stopped by user" {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
}
