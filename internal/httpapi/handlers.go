package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/geo"
)

type handler struct {
	svc *attendance.Service
	log zerolog.Logger
}

func caller(c *gin.Context) (string, attendance.Role) {
	claims := auth.ClaimsFrom(c)
	return claims.Subject, attendance.Role(claims.Role)
}

func (h *handler) issueCode(c *gin.Context) {
	prof, _ := caller(c)
	issued, err := h.svc.IssueSessionCode(c.Request.Context(), c.Param("id"), prof)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, issued)
}

func (h *handler) codeStatus(c *gin.Context) {
	prof, _ := caller(c)
	st, err := h.svc.CodeStatus(c.Request.Context(), c.Param("id"), prof)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) requestToken(c *gin.Context) {
	var req struct {
		Code      string   `json:"code" binding:"required"`
		Latitude  *float64 `json:"latitude" binding:"required"`
		Longitude *float64 `json:"longitude" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	stu, _ := caller(c)
	ack, err := h.svc.RequestToken(c.Request.Context(), attendance.TokenRequest{
		StudentID: stu,
		SessionID: c.Param("id"),
		Code:      req.Code,
		Location:  geo.Point{Lat: *req.Latitude, Lon: *req.Longitude},
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, ack)
}

func (h *handler) confirm(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	stu, _ := caller(c)
	sum, err := h.svc.ConfirmToken(c.Request.Context(), stu, req.Token)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handler) getAttendance(c *gin.Context) {
	id, role := caller(c)
	sum, err := h.svc.GetAttendance(c.Request.Context(), id, role, c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handler) submitJustification(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	stu, _ := caller(c)
	sum, err := h.svc.SubmitJustification(c.Request.Context(), stu, c.Param("id"), req.Text)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handler) review(c *gin.Context) {
	var req struct {
		Decision string `json:"decision" binding:"required,oneof=approve reject"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	prof, _ := caller(c)
	sum, err := h.svc.ReviewJustification(c.Request.Context(), prof, c.Param("id"), attendance.Decision(req.Decision), req.Reason)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handler) markAttendance(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
		Status    string `json:"status" binding:"required"`
		Comment   string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	status, ok := attendance.ParseStatus(req.Status)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + req.Status, "code": string(attendance.KindValidation)})
		return
	}
	prof, _ := caller(c)
	sum, err := h.svc.MarkAttendance(c.Request.Context(), prof, c.Param("id"), req.StudentID, status, req.Comment)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handler) finalize(c *gin.Context) {
	prof, _ := caller(c)
	n, err := h.svc.FinalizeSession(c.Request.Context(), prof, c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "marked_absent": n})
}
