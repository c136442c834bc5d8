// Package gateway pushes agent specs to the hosted voice platform.
package gateway

import (
	"context"
	"fmt"
)

// Gateway reads and writes the live assistant configuration on the platform.
type Gateway interface {
	// Push replaces the live configuration of assistantID with spec.
	Push(ctx context.Context, assistantID, spec string) error
	// FetchCurrent returns the live configuration of assistantID.
	FetchCurrent(ctx context.Context, assistantID string) (string, error)
}

// DeploymentError wraps a failed platform call. The job that produced the
// candidate spec is unaffected; the caller may retry the deployment.
type DeploymentError struct {
	StatusCode int
	Message    string
}

func (e *DeploymentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deployment failed: platform returned %d: %s", e.StatusCode, e.Message)
	}
	return "deployment failed: " + e.Message
}
