package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/geocore/coremachine/internal/platformlayer"
	"github.com/geocore/coremachine/internal/services"
)

type PlatformHandler struct {
	jobs services.JobService
}

func NewPlatformHandler(jobs services.JobService) *PlatformHandler {
	return &PlatformHandler{jobs: jobs}
}

// POST /api/platform/submit?dry_run=<bool>
func (h *PlatformHandler) Submit(c *gin.Context) {
	dryRun, _ := strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
	var req platformlayer.ExternalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_params", err)
		return
	}
	res, err := h.jobs.PlatformSubmit(c.Request.Context(), &req, dryRun)
	if err != nil {
		RespondKindError(c, err)
		return
	}
	status := http.StatusOK
	if !dryRun && !res.AlreadyExists {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}
