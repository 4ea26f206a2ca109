package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pm-runner/pmrunner/pkg/apierrors"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
)

// writeError maps an internal error onto a JSON error envelope and HTTP
// status: 404 unknown task, 4xx validation/conflict, 5xx internal.
func writeError(c *gin.Context, err error) {
	var coded *apierrors.CodedError
	if errors.As(err, &coded) {
		status := http.StatusInternalServerError
		if !coded.Fatal() {
			status = http.StatusBadRequest
		}
		c.JSON(status, ErrorResponse{Error: coded.Message, Code: string(coded.Code), Details: coded.Details})
		return
	}

	if errors.Is(err, queuestore.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found"})
		return
	}
	if errors.Is(err, queuestore.ErrIllegalTransition) || errors.Is(err, queuestore.ErrConflict) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}
