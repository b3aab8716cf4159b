package transfer

import (
	"context"
	"net/http"
)

// AvailabilityChecker reports whether an endpoint currently serves an item.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, itemID int64, endpoint string) (AvailabilityResult, error)
}

// Backend is the delivery service the payloads are fetched from.
type Backend interface {
	AvailabilityChecker

	// StreamPayload opens the payload for an item. The returned response is
	// live and must be closed by the caller; its status is not checked.
	StreamPayload(ctx context.Context, req StreamRequest) (*http.Response, error)
	ValidateCredential(ctx context.Context, token string) (CredentialInfo, error)
	ListEnabledEndpoints(ctx context.Context) ([]string, error)
}

// AvailabilityResult is the outcome of probing a single endpoint.
type AvailabilityResult struct {
	Endpoint   string
	Available  bool
	Diagnostic string
}

// StreamRequest describes a payload transfer from one endpoint.
type StreamRequest struct {
	ItemID     int64
	Endpoint   string
	Credential string
	// SubjectID is only set for endpoints bound to the credential owner.
	SubjectID string
}

// CredentialInfo is the backend's view of a bearer token.
type CredentialInfo struct {
	Valid     bool
	SubjectID string
}
