package github

import (
	"context"
	"errors"
	"net/http"

	"github.com/jkaninda/sambaza/internal/quota"
)

// ProtectionRules is the desired protection policy for one environment.
type ProtectionRules struct {
	RequiredReviewers    int      `json:"required_reviewers"`
	ReviewerIDs          []int64  `json:"reviewer_ids"`
	RestrictToMainBranch bool     `json:"restrict_to_main_branch"`
	WaitTimerMinutes     int      `json:"wait_timer_minutes"`
}

// RemoteEnvironment is the platform's view of a deployment environment.
type RemoteEnvironment struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// reviewer is one entry of the environment protection reviewer list.
type reviewer struct {
	Type string `json:"type"` // "User"
	ID   int64  `json:"id"`
}

// environmentRequest is the PUT body for environment create/update.
type environmentRequest struct {
	WaitTimer              int        `json:"wait_timer"`
	Reviewers              []reviewer `json:"reviewers,omitempty"`
	DeploymentBranchPolicy *struct {
		ProtectedBranches    bool `json:"protected_branches"`
		CustomBranchPolicies bool `json:"custom_branch_policies"`
	} `json:"deployment_branch_policy"`
}

// GetEnvironment fetches an environment. found=false when it does not exist.
func (c *Client) GetEnvironment(ctx context.Context, name string) (RemoteEnvironment, bool, error) {
	var env RemoteEnvironment
	err := c.do(ctx, http.MethodGet, c.repoPath("/environments/%s", name), quota.ClassCore, nil, &env)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RemoteEnvironment{}, false, nil
		}
		return RemoteEnvironment{}, false, err
	}
	return env, true, nil
}

// UpsertEnvironment creates or overwrites an environment's protection policy.
// The platform treats PUT as convergent: re-applying identical policy is a
// no-op on its side.
func (c *Client) UpsertEnvironment(ctx context.Context, name string, rules ProtectionRules) (RemoteEnvironment, error) {
	req := environmentRequest{WaitTimer: rules.WaitTimerMinutes}
	for _, id := range rules.ReviewerIDs {
		req.Reviewers = append(req.Reviewers, reviewer{Type: "User", ID: id})
	}
	if rules.RestrictToMainBranch {
		req.DeploymentBranchPolicy = &struct {
			ProtectedBranches    bool `json:"protected_branches"`
			CustomBranchPolicies bool `json:"custom_branch_policies"`
		}{ProtectedBranches: true}
	}

	var env RemoteEnvironment
	if err := c.do(ctx, http.MethodPut, c.repoPath("/environments/%s", name), quota.ClassCore, req, &env); err != nil {
		return RemoteEnvironment{}, err
	}
	if env.Name == "" {
		env.Name = name
	}
	return env, nil
}
