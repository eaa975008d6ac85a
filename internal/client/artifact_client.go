package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// ArtifactClient implements service.ArtifactGenerator against the document
// rendering service.
//
//	POST {base}/artifacts {kind, subject_id, target_id} -> {"reference": "..."}
//
// The rendering service treats (kind, subject_id, target_id) as an
// idempotency key, so retried jobs return the existing reference.
type ArtifactClient struct {
	caller *jsonCaller
}

type artifactRequest struct {
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
	TargetID  string `json:"target_id"`
}

type artifactResponse struct {
	Reference string `json:"reference"`
}

// NewArtifactClient creates a client rooted at baseURL.
func NewArtifactClient(baseURL string, timeout time.Duration, bs BreakerSettings, log *logger.Logger) *ArtifactClient {
	return &ArtifactClient{caller: newJSONCaller("artifacts", baseURL, timeout, bs, log)}
}

// Generate renders the artifact for one target and returns its reference.
func (c *ArtifactClient) Generate(ctx context.Context, kind workflow.Kind, subjectID, targetID string) (string, error) {
	var out artifactResponse
	err := c.caller.do(ctx, http.MethodPost, "/artifacts", &artifactRequest{
		Kind:      string(kind),
		SubjectID: subjectID,
		TargetID:  targetID,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Reference == "" {
		return "", fmt.Errorf("artifacts: empty reference for %s/%s", subjectID, targetID)
	}
	return out.Reference, nil
}
