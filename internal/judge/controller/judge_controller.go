// Package controller exposes the judge over HTTP.
package controller

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ojudge/internal/judge/language"
	"ojudge/internal/judge/model"
	"ojudge/internal/judge/service"
	appErr "ojudge/pkg/errors"
	"ojudge/pkg/utils/response"
)

// JudgeService is the part of the judge service the HTTP layer drives.
type JudgeService interface {
	Submit(ctx context.Context, req model.JudgeMessage) (model.StatusRecord, error)
	Status(ctx context.Context, submissionID string) (model.StatusRecord, error)
	Cancel(ctx context.Context, submissionID, reason string) (bool, error)
	Stats() service.Stats
}

// LanguageCatalog lists the configured languages.
type LanguageCatalog interface {
	Specs() []language.Spec
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// JudgeController handles judge requests.
type JudgeController struct {
	svc       JudgeService
	languages LanguageCatalog
	checks    map[string]HealthCheck
}

// NewJudgeController creates a new controller.
func NewJudgeController(svc JudgeService, languages LanguageCatalog, checks map[string]HealthCheck) *JudgeController {
	return &JudgeController{svc: svc, languages: languages, checks: checks}
}

// Register mounts the routes on router.
func (h *JudgeController) Register(router gin.IRouter) {
	router.GET("/healthz", h.Health)
	api := router.Group("/api/v1/judge")
	api.POST("/submissions", h.Submit)
	api.GET("/submissions/:id", h.GetStatus)
	api.POST("/submissions/:id/cancel", h.Cancel)
	api.GET("/languages", h.Languages)
	api.GET("/metrics", h.Metrics)
	if engine, ok := router.(*gin.Engine); ok {
		engine.NoRoute(h.NoRoute)
	}
}

// NoRoute answers unknown paths with the standard envelope.
func (h *JudgeController) NoRoute(c *gin.Context) {
	response.NotFound(c, "no route for "+c.Request.Method+" "+c.Request.URL.Path)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	SubmissionID string `json:"submission_id"`
	Local        bool   `json:"cancelled_locally"`
}

// Submit accepts a submission and returns its Queued record.
func (h *JudgeController) Submit(c *gin.Context) {
	var req model.JudgeMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	req.SubmissionID = strings.TrimSpace(req.SubmissionID)
	if req.SubmissionID == "" {
		req.SubmissionID = uuid.NewString()
	}
	rec, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, rec)
}

// GetStatus returns status for one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.svc.Status(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Cancel stops a running judgment.
func (h *JudgeController) Cancel(c *gin.Context) {
	submissionID := c.Param("id")
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
	}
	local, err := h.svc.Cancel(c.Request.Context(), submissionID, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, cancelResponse{SubmissionID: submissionID, Local: local})
}

// Languages lists the supported languages.
func (h *JudgeController) Languages(c *gin.Context) {
	if h.languages == nil {
		response.Success(c, []language.Spec{})
		return
	}
	response.Success(c, h.languages.Specs())
}

// Metrics returns service counters.
func (h *JudgeController) Metrics(c *gin.Context) {
	response.Success(c, h.svc.Stats())
}

// Health runs the dependency checks.
func (h *JudgeController) Health(c *gin.Context) {
	results := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, response.Response{
			Code:    appErr.ServiceUnavailable,
			Message: appErr.ServiceUnavailable.Message(),
			Data:    results,
		})
		return
	}
	response.Success(c, results)
}
