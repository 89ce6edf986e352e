package platform

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/cuongbtq/post-scheduler/internal/domain"
)

// MockPublisher pretends every publish succeeds. It is selected by the
// "mock" mode for local runs.
type MockPublisher struct {
	postURLTemplate string
}

// NewMockPublisher creates a MockPublisher.
func NewMockPublisher(postURLTemplate string) *MockPublisher {
	return &MockPublisher{postURLTemplate: postURLTemplate}
}

// Publish returns a synthetic post id.
func (m *MockPublisher) Publish(ctx context.Context, userID, content string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.ExternalError{Op: "publish", Message: err.Error(), Retryable: true}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &domain.ExternalError{Op: "publish", StatusCode: 400, Message: "empty content"}
	}

	id := "urn:li:share:mock-" + uuid.NewString()
	return &Result{ExternalID: id, ExternalRef: postURL(m.postURLTemplate, id)}, nil
}
