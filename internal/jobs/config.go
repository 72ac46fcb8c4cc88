package jobs

import "time"

// Config is the orchestrator's full knob set, built once in main and passed
// into NewOrchestrator. Stage logic never reads the environment.
type Config struct {
	// Another worker's claim is presumed dead once its heartbeat is older
	// than this.
	StaleThreshold time.Duration

	HeartbeatInterval time.Duration

	// Per-stage call deadlines for the transcript-dependent stages.
	GapAnalysisTimeout       time.Duration
	InstructorQualityTimeout time.Duration

	// Review-refine loop bounds.
	MaxQualityLoops  int
	QualityThreshold float64

	// Similarity above which two content blocks count as duplicates.
	DedupeSimilarity float64

	// Models per stage; empty falls back to the client default.
	DetectorModel  string
	CreatorModel   string
	ReviewerModel  string
	RefinerModel   string
	FormatterModel string

	MaxOutputTokens int
}

func DefaultConfig() Config {
	return Config{
		StaleThreshold:           2 * time.Minute,
		HeartbeatInterval:        10 * time.Second,
		GapAnalysisTimeout:       120 * time.Second,
		InstructorQualityTimeout: 90 * time.Second,
		MaxQualityLoops:          3,
		QualityThreshold:         9.0,
		DedupeSimilarity:         0.9,
		MaxOutputTokens:          8192,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.GapAnalysisTimeout <= 0 {
		c.GapAnalysisTimeout = d.GapAnalysisTimeout
	}
	if c.InstructorQualityTimeout <= 0 {
		c.InstructorQualityTimeout = d.InstructorQualityTimeout
	}
	if c.MaxQualityLoops <= 0 {
		c.MaxQualityLoops = d.MaxQualityLoops
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = d.QualityThreshold
	}
	if c.DedupeSimilarity <= 0 {
		c.DedupeSimilarity = d.DedupeSimilarity
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	return c
}
