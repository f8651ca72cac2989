package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/geocore/coremachine/internal/coreerr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondKindError maps the error taxonomy to HTTP statuses: validation and
// missing-resource failures are the client's fault, unknown jobs are 404,
// everything else is a 500 with the kind preserved in the envelope.
func RespondKindError(c *gin.Context, err error) {
	kind := coreerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case coreerr.KindInvalidParams, coreerr.KindResourceMissing:
		status = http.StatusBadRequest
	case coreerr.KindJobNotFound:
		status = http.StatusNotFound
	case coreerr.KindDuplicate:
		status = http.StatusConflict
	}
	RespondError(c, status, string(kind), err)
}
