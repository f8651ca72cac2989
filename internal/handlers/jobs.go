package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/geocore/coremachine/internal/services"
)

type JobsHandler struct {
	jobs services.JobService
}

func NewJobsHandler(jobs services.JobService) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// POST /api/jobs/submit/:job_type
func (h *JobsHandler) Submit(c *gin.Context) {
	jobType := c.Param("job_type")
	var params map[string]any
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_params", err)
			return
		}
	}
	job, alreadyExists, err := h.jobs.Submit(c.Request.Context(), jobType, params)
	if err != nil {
		RespondKindError(c, err)
		return
	}
	// A duplicate submission is not an error: the existing record rides
	// along with the 409.
	status := http.StatusCreated
	if alreadyExists {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"job": job, "already_exists": alreadyExists})
}

// GET /api/jobs/status/:job_id
func (h *JobsHandler) Status(c *gin.Context) {
	jobID := c.Param("job_id")
	if len(jobID) != 64 {
		RespondError(c, http.StatusBadRequest, "invalid_params", fmt.Errorf("job_id must be 64 hex chars"))
		return
	}
	progress, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		RespondKindError(c, err)
		return
	}
	RespondOK(c, progress)
}

// GET /api/tasks?job_id=&stage=
func (h *JobsHandler) Tasks(c *gin.Context) {
	jobID := c.Query("job_id")
	if len(jobID) != 64 {
		RespondError(c, http.StatusBadRequest, "invalid_params", fmt.Errorf("job_id must be 64 hex chars"))
		return
	}
	var stage *int
	if raw := c.Query("stage"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			RespondError(c, http.StatusBadRequest, "invalid_params", fmt.Errorf("stage must be a positive integer"))
			return
		}
		stage = &n
	}
	tasks, err := h.jobs.GetTasks(c.Request.Context(), jobID, stage)
	if err != nil {
		RespondKindError(c, err)
		return
	}
	RespondOK(c, gin.H{"tasks": tasks, "count": len(tasks)})
}

// GET /api/jobs?job_type=&status=&limit=&offset=
func (h *JobsHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	jobs, err := h.jobs.List(c.Request.Context(), c.Query("job_type"), c.Query("status"), limit, offset)
	if err != nil {
		RespondKindError(c, err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobs, "count": len(jobs)})
}

// POST /api/jobs/cancel/:job_id
func (h *JobsHandler) Cancel(c *gin.Context) {
	jobID := c.Param("job_id")
	if len(jobID) != 64 {
		RespondError(c, http.StatusBadRequest, "invalid_params", fmt.Errorf("job_id must be 64 hex chars"))
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_params", err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}
	job, err := h.jobs.Cancel(c.Request.Context(), jobID, body.Reason)
	if err != nil {
		RespondKindError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/types
func (h *JobsHandler) Types(c *gin.Context) {
	RespondOK(c, gin.H{"job_types": h.jobs.JobTypes()})
}
