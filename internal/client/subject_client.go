package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// SubjectClient implements service.SubjectProvider against the HTTP API of
// the module owning one workflow kind's subjects.
//
//	GET {base}/subjects/{id}/summary           -> JSON object
//	GET {base}/subjects/{id}/artifact-targets  -> {"targets": ["..."]}
type SubjectClient struct {
	kind   workflow.Kind
	caller *jsonCaller
}

// NewSubjectClient creates a client for kind rooted at baseURL.
func NewSubjectClient(kind workflow.Kind, baseURL string, timeout time.Duration, bs BreakerSettings, log *logger.Logger) *SubjectClient {
	return &SubjectClient{
		kind:   kind,
		caller: newJSONCaller("subjects-"+string(kind), baseURL, timeout, bs, log),
	}
}

// Summary returns the display fields of a subject.
func (c *SubjectClient) Summary(ctx context.Context, subjectID string) (service.SubjectSummary, error) {
	var out service.SubjectSummary
	if err := c.caller.do(ctx, http.MethodGet, "/subjects/"+url.PathEscape(subjectID)+"/summary", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ArtifactTargets lists the items that need an artifact once approved.
func (c *SubjectClient) ArtifactTargets(ctx context.Context, subjectID string) ([]string, error) {
	var out struct {
		Targets []string `json:"targets"`
	}
	if err := c.caller.do(ctx, http.MethodGet, "/subjects/"+url.PathEscape(subjectID)+"/artifact-targets", nil, &out); err != nil {
		return nil, err
	}
	return out.Targets, nil
}

// NewSubjectProviders builds one SubjectClient per configured kind. Entries
// naming an unknown kind are skipped with a warning.
func NewSubjectProviders(registry *workflow.Registry, urls map[string]string, timeout time.Duration, bs BreakerSettings, log *logger.Logger) service.SubjectProviders {
	providers := make(service.SubjectProviders, len(urls))
	for k, base := range urls {
		kind := workflow.Kind(k)
		if _, err := registry.Lookup(kind); err != nil {
			log.Warn().Str("kind", k).Msg("subject service configured for unknown workflow kind, ignoring")
			continue
		}
		providers[kind] = NewSubjectClient(kind, base, timeout, bs, log)
	}
	return providers
}
