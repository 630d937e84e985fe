package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/provision"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// EnvironmentSpecRequest describes one environment's desired state.
type EnvironmentSpecRequest struct {
	ProtectionRules github.ProtectionRules `json:"protection_rules"`
	Secrets         map[string]string      `json:"secrets,omitempty"`          // Distributed into the environment scope.
	LinkedResources map[string]string      `json:"linked_resources,omitempty"` // Opaque resource links, stored as-is.
}

// EnsureEnvironmentsRequest is the JSON body for POST /v1/environments.
// Environments not listed are still converged with empty specs: provisioning
// always covers the full canonical set.
type EnsureEnvironmentsRequest struct {
	ProjectID    string                            `json:"project_id,omitempty"`
	Environments map[string]EnvironmentSpecRequest `json:"environments,omitempty"`
}

func (g *Gateway) handleEnvironmentsEnsure(c *okapi.Context) error {
	callerID := c.GetString("callerID")
	if g.limiter != nil {
		if err := g.limiter.Allow(callerID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req EnsureEnvironmentsRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	for name := range req.Environments {
		if !secrets.IsCanonical(name) {
			return c.AbortBadRequest(fmt.Sprintf("unknown environment %q: must be dev, staging, or production", name))
		}
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	specs := make(map[secrets.Environment]provision.Spec, len(req.Environments))
	for name, spec := range req.Environments {
		env := secrets.Environment(name)
		values := make(map[string]redact.Value, len(spec.Secrets))
		for k, v := range spec.Secrets {
			values[k] = redact.Value(v)
		}
		specs[env] = provision.Spec{
			Name:            env,
			Rules:           spec.ProtectionRules,
			Secrets:         values,
			LinkedResources: spec.LinkedResources,
		}
	}

	g.logger.Info("http environments ensure",
		slog.String("caller_id", callerID),
		slog.String("project_id", projectID),
		slog.Int("specs", len(specs)),
	)

	result, err := g.provisioner.EnsureAll(c.Context(), projectID, callerID, specs)
	if err != nil {
		var exhausted *quota.ExhaustedError
		if errors.As(err, &exhausted) {
			return c.JSON(http.StatusTooManyRequests, okapi.M{
				"error":    "platform rate limit exhausted",
				"class":    string(exhausted.Class),
				"reset_at": exhausted.ResetAt.UTC().Format(time.RFC3339),
			})
		}
		g.logger.Error("environment provisioning failed",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("environment provisioning failed")
	}
	return c.OK(result)
}

// EnvironmentResponse is one provisioned environment record.
type EnvironmentResponse struct {
	Name            string                 `json:"name"`
	State           string                 `json:"state"`
	ProtectionRules github.ProtectionRules `json:"protection_rules"`
	Secrets         []provision.SecretRef  `json:"secrets,omitempty"`
	LinkedResources map[string]string      `json:"linked_resources,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	ProvisionedAt   *time.Time             `json:"provisioned_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func (g *Gateway) handleEnvironmentsList(c *okapi.Context) error {
	projectID := c.Request().URL.Query().Get("project_id")
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	records, err := g.envStore.ListEnvironments(c.Context(), projectID)
	if err != nil {
		return c.AbortInternalServerError("listing environments")
	}

	resp := make([]EnvironmentResponse, len(records))
	for i, r := range records {
		resp[i] = EnvironmentResponse{
			Name:            string(r.Name),
			State:           string(r.State),
			ProtectionRules: r.ProtectionRules,
			Secrets:         r.Secrets,
			LinkedResources: r.LinkedResources,
			LastError:       r.LastError,
			ProvisionedAt:   r.ProvisionedAt,
			UpdatedAt:       r.UpdatedAt,
		}
	}
	return c.OK(resp)
}
