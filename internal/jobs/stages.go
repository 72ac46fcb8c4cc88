package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/lessonforge/lessonforge-backend/internal/llm"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

// stageCourseDetection infers the course context for the topic. Soft-fail:
// a backend error leaves a default context and a warning, never an abort.
func (o *Orchestrator) stageCourseDetection(r *run) error {
	stage := StageCourseDetector

	if len(r.job.CourseContext) > 0 || r.job.CurrentStep >= StepCourseContext {
		r.jlog.Info(r.ctx, stage, "using cached course context (resumed)")
		return o.checkpoint(r, StepCourseContext)
	}

	r.jlog.Step(r.ctx, stage, "detecting course context")

	system := "You classify educational content requests. Respond with a single JSON object: " +
		`{"subject": string, "level": string, "course_title": string, "prerequisites": [string]}.`
	user := fmt.Sprintf("Topic: %s\nSubtopics: %s\nMode: %s",
		r.job.Topic, strings.Join(subtopicsOf(r.job), ", "), r.job.Mode)

	var contextJSON datatypes.JSON
	comp, err := o.call(r.ctx, r, stage, o.cfg.DetectorModel, system, []llm.Message{{Role: "user", Content: user}})
	if err == nil {
		var parsed map[string]any
		if perr := parseJSONObject(comp.Text, &parsed); perr == nil {
			contextJSON, _ = json.Marshal(parsed)
		} else {
			err = perr
		}
	}
	if err != nil {
		r.jlog.Warning(r.ctx, stage, fmt.Sprintf("course detection failed, continuing with default context: %v", err))
		contextJSON, _ = json.Marshal(map[string]any{
			"subject":    r.job.Topic,
			"level":      "unknown",
			"confidence": "low",
		})
	}

	// Soft stage: a failed save keeps the in-memory context for this run.
	_ = o.persistArtifact(r, stage, "course_context", datatypes.JSON(contextJSON))
	r.job.CourseContext = contextJSON
	r.jlog.Success(r.ctx, stage, "course context ready")

	return o.checkpoint(r, StepCourseContext)
}

// stageTranscriptAnalysis runs gap analysis and instructor-quality scoring
// over the supplied transcript. The two calls are independent and run
// concurrently; each soft-fails on its own.
func (o *Orchestrator) stageTranscriptAnalysis(r *run) error {
	if strings.TrimSpace(r.job.Transcript) == "" {
		r.jlog.Info(r.ctx, StageGapAnalyzer, "no transcript supplied, skipping transcript analysis")
		return o.checkpoint(r, StepInstructorQuality)
	}

	runGap := len(r.job.GapAnalysis) == 0 && r.job.CurrentStep < StepGapAnalysis
	runQuality := len(r.job.InstructorQuality) == 0 && r.job.CurrentStep < StepInstructorQuality
	if !runGap {
		r.jlog.Info(r.ctx, StageGapAnalyzer, "using cached gap analysis (resumed)")
	}
	if !runQuality {
		r.jlog.Info(r.ctx, StageInstructorScorer, "using cached instructor quality (resumed)")
	}

	var g errgroup.Group
	if runGap {
		g.Go(func() error {
			o.runGapAnalysis(r)
			return nil
		})
	}
	if runQuality {
		g.Go(func() error {
			o.runInstructorQuality(r)
			return nil
		})
	}
	_ = g.Wait()

	if err := o.checkpoint(r, StepGapAnalysis); err != nil {
		return err
	}
	return o.checkpoint(r, StepInstructorQuality)
}

func (o *Orchestrator) runGapAnalysis(r *run) {
	stage := StageGapAnalyzer
	r.jlog.Step(r.ctx, stage, "analyzing transcript for coverage gaps")

	ctx, cancel := context.WithTimeout(r.ctx, o.cfg.GapAnalysisTimeout)
	defer cancel()

	system := "You analyze lecture transcripts for coverage gaps. Respond with a single JSON object: " +
		`{"missing_topics": [string], "weak_explanations": [string], "summary": string}.`
	user := fmt.Sprintf("Topic: %s\n\nTranscript:\n%s", r.job.Topic, r.job.Transcript)

	result, err := o.callJSON(ctx, r, stage, o.cfg.DetectorModel, system, user)
	if err != nil {
		r.jlog.Warning(r.ctx, stage, fmt.Sprintf("gap analysis failed, continuing without it: %v", err))
		return
	}
	_ = o.persistArtifact(r, stage, "gap_analysis", result)
	r.job.GapAnalysis = result
	r.jlog.Success(r.ctx, stage, "gap analysis ready")
}

func (o *Orchestrator) runInstructorQuality(r *run) {
	stage := StageInstructorScorer
	r.jlog.Step(r.ctx, stage, "scoring instructor quality from transcript")

	ctx, cancel := context.WithTimeout(r.ctx, o.cfg.InstructorQualityTimeout)
	defer cancel()

	system := "You score teaching quality from a lecture transcript. Respond with a single JSON object: " +
		`{"clarity": number, "pacing": number, "engagement": number, "notes": string}. Scores are 0-10.`
	user := fmt.Sprintf("Topic: %s\n\nTranscript:\n%s", r.job.Topic, r.job.Transcript)

	result, err := o.callJSON(ctx, r, stage, o.cfg.DetectorModel, system, user)
	if err != nil {
		r.jlog.Warning(r.ctx, stage, fmt.Sprintf("instructor quality scoring failed, continuing without it: %v", err))
		return
	}
	_ = o.persistArtifact(r, stage, "instructor_quality", result)
	r.job.InstructorQuality = result
	r.jlog.Success(r.ctx, stage, "instructor quality ready")
}

// stageDraftCreation produces the content draft. Hard-fail: no draft means
// nothing downstream can proceed. On success an optional transcript
// fact-check pass may replace the draft.
func (o *Orchestrator) stageDraftCreation(r *run) error {
	stage := StageCreator

	if err := o.transition(r, types.JobStatusDrafting); err != nil {
		return err
	}

	if r.job.Content != "" || r.job.CurrentStep >= StepDraft {
		r.jlog.Info(r.ctx, stage, "using cached draft content (resumed)")
		return o.checkpoint(r, StepDraft)
	}

	r.jlog.Step(r.ctx, stage, "drafting content")

	comp, err := o.call(r.ctx, r, stage, o.cfg.CreatorModel, draftSystemPrompt(r.job), []llm.Message{
		{Role: "user", Content: draftUserPrompt(r.job)},
	})
	if err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	content := strings.TrimSpace(stripCodeFence(comp.Text))
	if content == "" {
		return &StageError{Stage: stage, Err: fmt.Errorf("model returned empty draft content")}
	}

	// Write-ahead: the draft must be durable before anything consumes it.
	if err := o.persistArtifact(r, stage, "content", content); err != nil {
		return &StageError{Stage: stage, Err: fmt.Errorf("persist draft: %w", err)}
	}
	r.job.Content = content
	r.jlog.Success(r.ctx, stage, fmt.Sprintf("draft created (%d chars)", len(content)))

	o.sanitizeDraft(r)

	return o.checkpoint(r, StepDraft)
}

// sanitizeDraft fact-checks the draft against the transcript. Soft-fail; the
// sanitized result replaces the draft only when non-empty and different.
func (o *Orchestrator) sanitizeDraft(r *run) {
	stage := StageSanitizer
	if strings.TrimSpace(r.job.Transcript) == "" {
		return
	}

	r.jlog.Step(r.ctx, stage, "verifying draft against transcript")

	system := "You verify educational content against a source transcript. Correct any claim the " +
		"transcript contradicts and remove claims it cannot support. Return the full corrected " +
		"content as markdown, nothing else."
	user := fmt.Sprintf("Transcript:\n%s\n\nContent:\n%s", r.job.Transcript, r.job.Content)

	comp, err := o.call(r.ctx, r, stage, o.cfg.CreatorModel, system, []llm.Message{{Role: "user", Content: user}})
	if err != nil {
		r.jlog.Warning(r.ctx, stage, fmt.Sprintf("sanitizer failed, keeping unverified draft: %v", err))
		return
	}
	sanitized := strings.TrimSpace(stripCodeFence(comp.Text))
	if sanitized == "" || sanitized == r.job.Content {
		r.jlog.Info(r.ctx, stage, "sanitizer made no changes")
		return
	}

	if err := o.persistArtifact(r, stage, "content", sanitized); err == nil {
		r.jlog.Success(r.ctx, stage, "draft replaced with verified content")
	}
	r.job.Content = sanitized
}

// stageFormatting converts assignment-mode content into a structured
// question list. Soft-fail: a formatter error falls back to an empty payload
// and the job still completes.
func (o *Orchestrator) stageFormatting(r *run) error {
	if r.job.Mode != types.ModeAssignment {
		return nil
	}
	stage := StageFormatter

	if err := o.transition(r, types.JobStatusFormatting); err != nil {
		return err
	}

	if len(r.job.Assignment) > 0 || r.job.CurrentStep >= StepCompleted {
		r.jlog.Info(r.ctx, stage, "using cached assignment payload (resumed)")
		return nil
	}

	r.jlog.Step(r.ctx, stage, "formatting assignment questions")

	system := "You convert educational content into assignment questions. Respond with a single JSON object: " +
		`{"questions": [{"type": string, "prompt": string, "options": [string], "answer": string}]}.`
	user := fmt.Sprintf("Question targets: %s\n\nContent:\n%s", string(r.job.QuestionTargets), r.job.Content)

	payload, err := o.callJSON(r.ctx, r, stage, o.cfg.FormatterModel, system, user)
	if err != nil {
		r.jlog.Warning(r.ctx, stage, fmt.Sprintf("formatter failed, completing with empty assignment payload: %v", err))
		payload = datatypes.JSON([]byte(`{"questions": []}`))
	} else if verr := validateAssignment(payload); verr != nil {
		// Validation is itself soft-fail: unvalidated formatter output beats none.
		r.jlog.Warning(r.ctx, StageAssignmentSanitizer, fmt.Sprintf("assignment validation failed, keeping formatter output: %v", verr))
	}

	_ = o.persistArtifact(r, stage, "assignment", payload)
	r.job.Assignment = payload
	r.jlog.Success(r.ctx, stage, "assignment payload ready")
	return nil
}

// validateAssignment structurally checks the formatter payload: a questions
// array where every entry carries a non-empty prompt.
func validateAssignment(payload datatypes.JSON) error {
	var parsed struct {
		Questions []struct {
			Type   string `json:"type"`
			Prompt string `json:"prompt"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return fmt.Errorf("assignment payload is not valid JSON: %w", err)
	}
	if parsed.Questions == nil {
		return fmt.Errorf("assignment payload has no questions array")
	}
	for i, q := range parsed.Questions {
		if strings.TrimSpace(q.Prompt) == "" {
			return fmt.Errorf("question %d has an empty prompt", i)
		}
	}
	return nil
}

// callJSON issues a call expected to return one JSON object and re-encodes
// the parsed object for storage.
func (o *Orchestrator) callJSON(ctx context.Context, r *run, stage, model, system, user string) (datatypes.JSON, error) {
	comp, err := o.call(ctx, r, stage, model, system, []llm.Message{{Role: "user", Content: user}})
	if err != nil {
		return nil, err
	}
	var parsed map[string]any
	if err := parseJSONObject(comp.Text, &parsed); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func draftSystemPrompt(job *types.GenerationJob) string {
	switch job.Mode {
	case types.ModePreRead:
		return "You write concise pre-read material that prepares students for an upcoming session. Markdown only."
	case types.ModeAssignment:
		return "You write the companion content for a student assignment: worked context, key ideas, and the ground the questions will cover. Markdown only."
	default:
		return "You write complete, well-structured lecture notes for university students. Markdown only."
	}
}

func draftUserPrompt(job *types.GenerationJob) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", job.Topic)
	if subs := subtopicsOf(job); len(subs) > 0 {
		fmt.Fprintf(&b, "Subtopics to cover: %s\n", strings.Join(subs, ", "))
	}
	if len(job.CourseContext) > 0 {
		fmt.Fprintf(&b, "Course context: %s\n", string(job.CourseContext))
	}
	if len(job.GapAnalysis) > 0 {
		fmt.Fprintf(&b, "Coverage gaps to address: %s\n", string(job.GapAnalysis))
	}
	if strings.TrimSpace(job.Transcript) != "" {
		fmt.Fprintf(&b, "\nSource transcript:\n%s\n", job.Transcript)
	}
	return b.String()
}

func subtopicsOf(job *types.GenerationJob) []string {
	if len(job.Subtopics) == 0 {
		return nil
	}
	var subs []string
	if err := json.Unmarshal(job.Subtopics, &subs); err != nil {
		return nil
	}
	return subs
}

// parseJSONObject tolerates prose and code fences around the object the
// model was asked for: it parses the outermost {...} span.
func parseJSONObject(text string, out any) error {
	text = stripCodeFence(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object found in model output")
	}
	return json.Unmarshal([]byte(text[start:end+1]), out)
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
