package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// SearchHit is one raw result returned by an agent. Hits are not modified
// after the collector stamps their ID, Agent and Engine.
type SearchHit struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	URL         string            `json:"url"`
	Snippet     string            `json:"snippet"`
	Agent       string            `json:"agent"`
	Engine      string            `json:"engine,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Score       *float64          `json:"score,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SearchOptions are passed through to the agent unchanged.
type SearchOptions struct {
	Categories []string `json:"categories,omitempty" mapstructure:"categories"`
	Engines    []string `json:"engines,omitempty" mapstructure:"engines"`
	Language   string   `json:"language,omitempty" mapstructure:"language"`
	SafeSearch int      `json:"safe_search,omitempty" mapstructure:"safe_search"`
	Page       int      `json:"page,omitempty" mapstructure:"page"`
	PageSize   int      `json:"page_size,omitempty" mapstructure:"page_size"`
}

// SearchResponse is what an agent returns for one query.
type SearchResponse struct {
	Hits         []SearchHit `json:"hits"`
	Suggestions  []string    `json:"suggestions,omitempty"`
	TotalResults int         `json:"total_results"`
}

// Agent is an independent search backend.
type Agent interface {
	Name() string
	Search(ctx context.Context, query string, opts SearchOptions) (SearchResponse, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	ID string
	Fn func(ctx context.Context, query string, opts SearchOptions) (SearchResponse, error)
}

func (a AgentFunc) Name() string { return a.ID }

func (a AgentFunc) Search(ctx context.Context, query string, opts SearchOptions) (SearchResponse, error) {
	return a.Fn(ctx, query, opts)
}

// Descriptor binds an Agent to its per-call settings.
type Descriptor struct {
	Agent         Agent
	Name          string
	Engine        string
	Trust         float64
	Options       SearchOptions
	RatePerSecond float64
	Filter        Filter
}

// AgentName is the descriptor name, falling back to the agent's own name.
func (d Descriptor) AgentName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Agent != nil {
		return d.Agent.Name()
	}
	return ""
}

// RunStatus is the outcome of one agent invocation.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailure RunStatus = "failure"
)

// AgentRun records one agent's contribution to a batch.
type AgentRun struct {
	Agent    string        `json:"agent"`
	Engine   string        `json:"engine,omitempty"`
	Trust    float64       `json:"trust"`
	Status   RunStatus     `json:"status"`
	Hits     []SearchHit   `json:"hits"`
	Rejected int           `json:"rejected,omitempty"`
	Latency  time.Duration `json:"latency"`
	Attempts int           `json:"attempts"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// Succeeded reports whether the run produced usable output.
func (r AgentRun) Succeeded() bool { return r.Status == RunSuccess || r.Status == RunPartial }

// ErrBatchDeadline is returned when the whole-batch deadline fired before any agent succeeded.
var ErrBatchDeadline = errors.New("agent batch deadline exceeded")

// ErrNoAgents is returned when a batch is started without descriptors.
var ErrNoAgents = errors.New("no agents configured")

// AllAgentsFailedError aggregates every agent's failure.
type AllAgentsFailedError struct {
	Errs *multierror.Error
}

func (e *AllAgentsFailedError) Error() string {
	if e.Errs == nil || len(e.Errs.Errors) == 0 {
		return "all agents failed"
	}
	msgs := make([]string, 0, len(e.Errs.Errors))
	for _, err := range e.Errs.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("all %d agents failed: %s", len(e.Errs.Errors), strings.Join(msgs, "; "))
}

func (e *AllAgentsFailedError) Unwrap() error {
	if e.Errs == nil {
		return nil
	}
	return e.Errs.ErrorOrNil()
}
