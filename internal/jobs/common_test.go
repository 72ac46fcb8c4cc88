package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lessonforge/lessonforge-backend/internal/llm"
	"github.com/lessonforge/lessonforge-backend/internal/repos"
	"github.com/lessonforge/lessonforge-backend/internal/repos/testutil"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

// fakeAI scripts model responses by matching a substring of the system
// prompt. Responses are consumed in order; the last one repeats. Safe for
// the concurrent analysis stages.
type fakeAI struct {
	mu    sync.Mutex
	rules []*fakeRule
}

type fakeRule struct {
	match string
	texts []string
	err   error
	hits  int
}

func (f *fakeAI) on(match string, texts ...string) *fakeAI {
	f.rules = append(f.rules, &fakeRule{match: match, texts: texts})
	return f
}

func (f *fakeAI) failOn(match string, err error) *fakeAI {
	f.rules = append(f.rules, &fakeRule{match: match, err: err})
	return f
}

func (f *fakeAI) hits(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.match == match {
			return r.hits
		}
	}
	return 0
}

func (f *fakeAI) Complete(_ context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if !strings.Contains(req.System, r.match) {
			continue
		}
		r.hits++
		if r.err != nil {
			return llm.Completion{}, r.err
		}
		idx := r.hits - 1
		if idx >= len(r.texts) {
			idx = len(r.texts) - 1
		}
		return llm.Completion{
			Text:         r.texts[idx],
			Model:        "gpt-4o-mini",
			InputTokens:  1000,
			OutputTokens: 500,
		}, nil
	}
	return llm.Completion{}, fmt.Errorf("no scripted response for system prompt %q", req.System)
}

// System prompt fragments that identify each stage to the fake.
const (
	matchDetector   = "classify educational content"
	matchGap        = "coverage gaps"
	matchInstructor = "score teaching quality"
	matchLecture    = "lecture notes"
	matchAssignDoc  = "companion content"
	matchSanitizer  = "verify educational content"
	matchReviewer   = "review educational content"
	matchRefiner    = "improve educational content"
	matchFormatter  = "convert educational content"
)

const reviewPass = `{"score": 9.5, "needs_polish": false, "feedback": "solid"}`

type testEnv struct {
	db       *gorm.DB
	orch     *Orchestrator
	jobRepo  repos.GenerationJobRepo
	logRepo  repos.JobLogRepo
	accounts repos.AccountRepo
}

func newTestEnv(t *testing.T, ai llm.Client, cfg Config) *testEnv {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	jobRepo := repos.NewGenerationJobRepo(db, log)
	logRepo := repos.NewJobLogRepo(db, log)
	callRepo := repos.NewModelCallLogRepo(db, log)
	accountRepo := repos.NewAccountRepo(db, log)

	orch := NewOrchestrator(db, log, cfg, DefaultPriceTable(), jobRepo, logRepo, callRepo, accountRepo, ai, NopNotifier{})
	return &testEnv{
		db:       db,
		orch:     orch,
		jobRepo:  jobRepo,
		logRepo:  logRepo,
		accounts: accountRepo,
	}
}

func (e *testEnv) seedJob(t *testing.T, mutate func(*types.GenerationJob)) *types.GenerationJob {
	t.Helper()
	job := &types.GenerationJob{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Status:    types.JobStatusQueued,
		Topic:     "red-black trees",
		Mode:      types.ModeLecture,
	}
	if mutate != nil {
		mutate(job)
	}
	if _, err := e.jobRepo.Create(context.Background(), nil, []*types.GenerationJob{job}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (e *testEnv) reload(t *testing.T, id uuid.UUID) *types.GenerationJob {
	t.Helper()
	job, err := e.jobRepo.GetByID(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job == nil {
		t.Fatalf("job %s disappeared", id)
	}
	return job
}
