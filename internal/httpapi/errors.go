package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
)

var statusByKind = map[attendance.Kind]int{
	attendance.KindValidation:             http.StatusBadRequest,
	attendance.KindNotFound:               http.StatusNotFound,
	attendance.KindNoActiveCode:           http.StatusConflict,
	attendance.KindCodeMismatch:           http.StatusUnprocessableEntity,
	attendance.KindCodeExpired:            http.StatusGone,
	attendance.KindOutOfRange:             http.StatusUnprocessableEntity,
	attendance.KindNotEnrolled:            http.StatusForbidden,
	attendance.KindTokenExpired:           http.StatusGone,
	attendance.KindTokenAlreadyUsed:       http.StatusConflict,
	attendance.KindTokenStudentMismatch:   http.StatusForbidden,
	attendance.KindInvalidStateTransition: http.StatusConflict,
	attendance.KindUnauthorized:           http.StatusForbidden,
	attendance.KindUnavailable:            http.StatusServiceUnavailable,
}

// writeError renders engine errors as {"error", "code"}. Anything else is a
// 500 whose detail stays in the log.
func writeError(c *gin.Context, log zerolog.Logger, err error) {
	kind := attendance.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		_ = c.Error(err)
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(kind)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": string(attendance.KindValidation)})
}
