package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lessonforge/lessonforge-backend/internal/services"
)

type JobsHandler struct {
	process *services.ProcessService
}

func NewJobsHandler(process *services.ProcessService) *JobsHandler {
	return &JobsHandler{process: process}
}

type createJobRequest struct {
	AccountID       string         `json:"account_id" binding:"required"`
	Topic           string         `json:"topic" binding:"required"`
	Subtopics       []string       `json:"subtopics"`
	Mode            string         `json:"mode"`
	Transcript      string         `json:"transcript"`
	QuestionTargets map[string]int `json:"question_targets"`
}

// POST /api/jobs
func (h *JobsHandler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_account_id", err)
		return
	}
	job, err := h.process.CreateJob(c.Request.Context(), services.CreateJobInput{
		AccountID:       accountID,
		Topic:           req.Topic,
		Subtopics:       req.Subtopics,
		Mode:            req.Mode,
		Transcript:      req.Transcript,
		QuestionTargets: req.QuestionTargets,
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// POST /api/jobs/:id/process
func (h *JobsHandler) ProcessJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.process.Process(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	case errors.Is(err, services.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"job": job})
		return
	case err != nil:
		// The job row already records the failure; surface both.
		c.JSON(http.StatusOK, gin.H{"job": job, "error": err.Error()})
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/stop
func (h *JobsHandler) StopJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.process.Stop(c.Request.Context(), jobID)
	if errors.Is(err, services.ErrJobNotFound) {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_stop_failed", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.process.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, services.ErrJobNotFound) {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id/logs
func (h *JobsHandler) GetJobLogs(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	logs, err := h.process.ListLogs(c.Request.Context(), jobID)
	if errors.Is(err, services.ErrJobNotFound) {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_logs_failed", err)
		return
	}
	RespondOK(c, gin.H{"logs": logs})
}

// GET /api/accounts/:id/jobs
func (h *JobsHandler) ListJobsByAccount(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_account_id", err)
		return
	}
	jobsList, err := h.process.ListJobs(c.Request.Context(), accountID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobsList})
}
