package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sambaza/internal/secrets"
)

// ExclusionRequest is the JSON body for POST /v1/exclusions.
type ExclusionRequest struct {
	ProjectID string `json:"project_id,omitempty"`
	Pattern   string `json:"pattern"`
	Reason    string `json:"reason,omitempty"`
	IsGlobal  bool   `json:"is_global,omitempty"`
}

// ExclusionResponse is one exclusion pattern. Built-in patterns cannot be
// deleted through the API.
type ExclusionResponse struct {
	Pattern  string `json:"pattern"`
	Reason   string `json:"reason,omitempty"`
	IsGlobal bool   `json:"is_global"`
	BuiltIn  bool   `json:"built_in"`
}

func (g *Gateway) handleExclusionsList(c *okapi.Context) error {
	projectID := c.Request().URL.Query().Get("project_id")
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	stored, err := g.exclusions.List(c.Context(), projectID)
	if err != nil {
		return c.AbortInternalServerError("listing exclusion patterns")
	}

	resp := make([]ExclusionResponse, 0, len(secrets.DefaultExclusions)+len(stored))
	for _, p := range secrets.DefaultExclusions {
		resp = append(resp, ExclusionResponse{Pattern: p.Pattern, Reason: p.Reason, IsGlobal: true, BuiltIn: true})
	}
	for _, p := range stored {
		resp = append(resp, ExclusionResponse{Pattern: p.Pattern, Reason: p.Reason, IsGlobal: p.IsGlobal})
	}
	return c.OK(resp)
}

func (g *Gateway) handleExclusionCreate(c *okapi.Context) error {
	var req ExclusionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Pattern == "" {
		return c.AbortBadRequest("pattern is required")
	}
	// Compile up front so a bad regex never reaches the store.
	if _, err := secrets.NewExclusionFilter([]secrets.ExclusionPattern{{Pattern: req.Pattern}}); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	pattern := secrets.ExclusionPattern{
		Pattern:  req.Pattern,
		Reason:   req.Reason,
		IsGlobal: req.IsGlobal,
	}
	if err := g.exclusions.Put(c.Context(), projectID, pattern); err != nil {
		return c.AbortInternalServerError("storing exclusion pattern")
	}
	if err := g.refreshFilter(c.Context()); err != nil {
		g.logger.Error("refreshing exclusion filter",
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("refreshing exclusion filter")
	}

	g.logger.Info("exclusion pattern added",
		slog.String("project_id", projectID),
		slog.String("pattern", req.Pattern),
	)
	return c.JSON(http.StatusCreated, ExclusionResponse{
		Pattern:  pattern.Pattern,
		Reason:   pattern.Reason,
		IsGlobal: pattern.IsGlobal,
	})
}

func (g *Gateway) handleExclusionDelete(c *okapi.Context) error {
	pattern := c.Request().URL.Query().Get("pattern")
	if pattern == "" {
		return c.AbortBadRequest("pattern query parameter is required")
	}
	projectID := c.Request().URL.Query().Get("project_id")
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	if err := g.exclusions.Delete(c.Context(), projectID, pattern); err != nil {
		return c.AbortInternalServerError("deleting exclusion pattern")
	}
	if err := g.refreshFilter(c.Context()); err != nil {
		g.logger.Error("refreshing exclusion filter",
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("refreshing exclusion filter")
	}
	return c.OK(okapi.M{"status": "deleted"})
}
