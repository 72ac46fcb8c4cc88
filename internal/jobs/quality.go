package jobs

import (
	"fmt"
	"strings"

	"github.com/lessonforge/lessonforge-backend/internal/llm"
	"github.com/lessonforge/lessonforge-backend/internal/types"
)

type review struct {
	Score       float64 `json:"score"`
	NeedsPolish bool    `json:"needs_polish"`
	Feedback    string  `json:"feedback"`
}

// runQualityLoop is the bounded review-refine iteration between draft and
// formatting. Termination is guaranteed by the loop budget; every other exit
// is quality-gate success or a soft early stop. The loop never hard-fails:
// whatever content exists when it stops is what ships.
func (o *Orchestrator) runQualityLoop(r *run) error {
	if r.job.CurrentStep >= StepQualityLoop {
		r.jlog.Info(r.ctx, StageReviewer, "quality loop already completed (resumed)")
		return nil
	}

	for iteration := 1; iteration <= o.cfg.MaxQualityLoops; iteration++ {
		if err := o.transition(r, types.JobStatusCritiquing); err != nil {
			return err
		}

		rev, err := o.reviewContent(r)
		if err != nil {
			r.jlog.Warning(r.ctx, StageReviewer,
				fmt.Sprintf("quality loop iteration %d: review failed, keeping current content: %v", iteration, err))
			break
		}
		r.jlog.Info(r.ctx, StageReviewer,
			fmt.Sprintf("iteration %d scored %.1f (threshold %.1f, needs_polish=%t)",
				iteration, rev.Score, o.cfg.QualityThreshold, rev.NeedsPolish))

		if rev.Score >= o.cfg.QualityThreshold || !rev.NeedsPolish {
			r.jlog.Success(r.ctx, StageReviewer, fmt.Sprintf("quality gate passed after %d iteration(s)", iteration))
			break
		}
		if iteration == o.cfg.MaxQualityLoops {
			// Deliberate escape hatch: good enough beats never done.
			r.jlog.Warning(r.ctx, StageReviewer,
				fmt.Sprintf("iteration budget (%d) exhausted, proceeding with current content", o.cfg.MaxQualityLoops))
			break
		}

		if err := o.transition(r, types.JobStatusRefining); err != nil {
			return err
		}
		if err := o.refineOnce(r, iteration, rev.Feedback); err != nil {
			r.jlog.Warning(r.ctx, StageRefiner,
				fmt.Sprintf("quality loop iteration %d: refine failed, keeping current content: %v", iteration, err))
			break
		}
	}

	return o.checkpoint(r, StepQualityLoop)
}

func (o *Orchestrator) reviewContent(r *run) (review, error) {
	system := "You review educational content for quality. Respond with a single JSON object: " +
		`{"score": number, "needs_polish": boolean, "feedback": string}. Score is 0-10.`
	user := fmt.Sprintf("Topic: %s\nMode: %s\n\nContent:\n%s", r.job.Topic, r.job.Mode, r.job.Content)

	comp, err := o.call(r.ctx, r, StageReviewer, o.cfg.ReviewerModel, system, []llm.Message{
		{Role: "user", Content: user},
	})
	if err != nil {
		return review{}, err
	}
	var rev review
	if err := parseJSONObject(comp.Text, &rev); err != nil {
		return review{}, err
	}
	return rev, nil
}

// refineOnce asks the refiner for a search/replace patch and applies it.
// An empty or no-op patch keeps prior content and is not an error; only the
// backend call itself can fail here.
func (o *Orchestrator) refineOnce(r *run, iteration int, feedback string) error {
	stage := StageRefiner

	system := "You improve educational content based on reviewer feedback. Respond only with " +
		"search/replace blocks in this exact format:\n" +
		"<<<<<<< SEARCH\n(exact text to find)\n=======\n(replacement text)\n>>>>>>> REPLACE\n" +
		"Emit one block per change. Do not rewrite the whole document."
	user := fmt.Sprintf("Reviewer feedback:\n%s\n\nContent:\n%s", feedback, r.job.Content)

	comp, err := o.call(r.ctx, r, stage, o.cfg.RefinerModel, system, []llm.Message{
		{Role: "user", Content: user},
	})
	if err != nil {
		return err
	}

	blocks := ParsePatch(comp.Text)
	if len(blocks) == 0 {
		r.jlog.Info(r.ctx, stage, fmt.Sprintf("iteration %d: refiner returned no patch, keeping prior content", iteration))
		return nil
	}

	patched, applied := ApplyPatch(r.job.Content, blocks)
	if applied == 0 || strings.TrimSpace(patched) == "" || patched == r.job.Content {
		r.jlog.Info(r.ctx, stage, fmt.Sprintf("iteration %d: patch was empty or a no-op, keeping prior content", iteration))
		return nil
	}

	deduped, removed := DedupContent(patched, o.cfg.DedupeSimilarity)
	if len(removed) > 0 {
		r.jlog.Info(r.ctx, stage, fmt.Sprintf("iteration %d: removed %d duplicate block(s) after patch", iteration, len(removed)))
	}
	if strings.TrimSpace(deduped) == "" {
		r.jlog.Info(r.ctx, stage, fmt.Sprintf("iteration %d: dedup left no content, keeping prior content", iteration))
		return nil
	}

	// Soft write site: failure keeps the in-memory refinement for this run.
	_ = o.persistArtifact(r, stage, "content", deduped)
	r.job.Content = deduped
	r.jlog.Success(r.ctx, stage, fmt.Sprintf("iteration %d: applied %d patch block(s)", iteration, applied))
	return nil
}
