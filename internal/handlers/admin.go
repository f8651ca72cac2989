package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/geocore/coremachine/internal/services"
)

type AdminHandler struct {
	jobs services.JobService
}

func NewAdminHandler(jobs services.JobService) *AdminHandler {
	return &AdminHandler{jobs: jobs}
}

// GET /api/admin/deadletters?limit=
func (h *AdminHandler) DeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, total, err := h.jobs.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		RespondKindError(c, err)
		return
	}
	RespondOK(c, gin.H{"entries": entries, "total": total})
}
