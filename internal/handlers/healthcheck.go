package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geocore/coremachine/internal/services"
)

type HealthHandler struct {
	jobs services.JobService
}

func NewHealthHandler(jobs services.JobService) *HealthHandler {
	return &HealthHandler{jobs: jobs}
}

// GET /health
func (h *HealthHandler) Check(c *gin.Context) {
	backends := h.jobs.Health(c.Request.Context())
	status := http.StatusOK
	for _, v := range backends {
		if v != "ok" {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"backends": backends})
}
