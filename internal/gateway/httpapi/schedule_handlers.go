package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sambaza/internal/scheduler"
)

// ScheduleRequest is the JSON body for creating or updating a sync schedule.
type ScheduleRequest struct {
	ProjectID      string   `json:"project_id,omitempty"`
	Name           string   `json:"name"`
	CronExpression string   `json:"cron_expression"`
	SourcePath     string   `json:"source_path"` // KEY=VALUE env file read when the schedule fires.
	TargetScopes   []string `json:"target_scopes,omitempty"`
	DryRun         bool     `json:"dry_run,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"` // Default: true.
}

// ScheduleResponse is the JSON representation of a sync schedule.
type ScheduleResponse struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	SourcePath     string     `json:"source_path"`
	TargetScopes   []string   `json:"target_scopes,omitempty"`
	DryRun         bool       `json:"dry_run"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (g *Gateway) validateScheduleRequest(req *ScheduleRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.CronExpression == "" {
		return fmt.Errorf("cron_expression is required")
	}
	if req.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	if _, err := scheduler.ComputeNextRunFrom(req.CronExpression, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %v", err)
	}
	if _, err := parseScopes(req.TargetScopes); err != nil {
		return err
	}
	return nil
}

func (g *Gateway) handleScheduleCreate(c *okapi.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := g.validateScheduleRequest(&req); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = g.config.ProjectID
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	next, _ := scheduler.ComputeNextRunFrom(req.CronExpression, time.Now().UTC())
	schedule := scheduler.SyncSchedule{
		ProjectID:      projectID,
		Name:           req.Name,
		CronExpression: req.CronExpression,
		SourcePath:     req.SourcePath,
		TargetScopes:   req.TargetScopes,
		DryRun:         req.DryRun,
		Enabled:        enabled,
		NextRunAt:      &next,
	}
	if err := g.schedules.Create(c.Context(), &schedule); err != nil {
		return c.AbortInternalServerError("creating schedule")
	}
	return c.JSON(http.StatusCreated, scheduleResponse(&schedule))
}

func (g *Gateway) handleScheduleList(c *okapi.Context) error {
	projectID := c.Request().URL.Query().Get("project_id")
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	schedules, err := g.schedules.List(c.Context(), projectID)
	if err != nil {
		return c.AbortInternalServerError("listing schedules")
	}
	resp := make([]ScheduleResponse, len(schedules))
	for i := range schedules {
		resp[i] = scheduleResponse(&schedules[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleScheduleGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}
	schedule, err := g.schedules.Get(c.Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "schedule not found"})
	}
	return c.OK(scheduleResponse(schedule))
}

func (g *Gateway) handleScheduleUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}

	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := g.validateScheduleRequest(&req); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	schedule, err := g.schedules.Get(c.Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "schedule not found"})
	}

	schedule.Name = req.Name
	schedule.SourcePath = req.SourcePath
	schedule.TargetScopes = req.TargetScopes
	schedule.DryRun = req.DryRun
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if req.CronExpression != schedule.CronExpression {
		schedule.CronExpression = req.CronExpression
		next, _ := scheduler.ComputeNextRunFrom(req.CronExpression, time.Now().UTC())
		schedule.NextRunAt = &next
	}

	if err := g.schedules.Update(c.Context(), schedule); err != nil {
		return c.AbortInternalServerError("updating schedule")
	}
	return c.OK(scheduleResponse(schedule))
}

func (g *Gateway) handleScheduleDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}
	if _, err := g.schedules.Get(c.Context(), id); err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "schedule not found"})
	}
	if err := g.schedules.Delete(c.Context(), id); err != nil {
		return c.AbortInternalServerError("deleting schedule")
	}
	return c.OK(okapi.M{"status": "deleted"})
}

func scheduleResponse(s *scheduler.SyncSchedule) ScheduleResponse {
	return ScheduleResponse{
		ID:             s.ID.String(),
		ProjectID:      s.ProjectID,
		Name:           s.Name,
		CronExpression: s.CronExpression,
		SourcePath:     s.SourcePath,
		TargetScopes:   s.TargetScopes,
		DryRun:         s.DryRun,
		Enabled:        s.Enabled,
		LastRunAt:      s.LastRunAt,
		NextRunAt:      s.NextRunAt,
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}
