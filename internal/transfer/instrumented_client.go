package transfer

import (
	"context"
	"net/http"

	"github.com/italolelis/luafetch/internal/telemetry"
)

// InstrumentedBackend wraps Backend with telemetry.
type InstrumentedBackend struct {
	backend   Backend
	telemetry *telemetry.Telemetry
	name      string
}

// NewInstrumentedBackend creates a new instrumented backend.
func NewInstrumentedBackend(backend Backend, tel *telemetry.Telemetry, name string) *InstrumentedBackend {
	return &InstrumentedBackend{
		backend:   backend,
		telemetry: tel,
		name:      name,
	}
}

// CheckAvailability probes one endpoint with telemetry.
func (b *InstrumentedBackend) CheckAvailability(ctx context.Context, itemID int64, endpoint string) (AvailabilityResult, error) {
	var result AvailabilityResult

	var err error

	instrumentedErr := b.telemetry.InstrumentClientOperation(ctx, b.name, "check_availability", func(ctx context.Context) error {
		result, err = b.backend.CheckAvailability(ctx, itemID, endpoint)

		return err
	})

	if instrumentedErr != nil {
		return AvailabilityResult{Endpoint: endpoint}, instrumentedErr
	}

	return result, nil
}

// StreamPayload opens a payload stream with telemetry. Only the time to
// receive the response headers is measured.
func (b *InstrumentedBackend) StreamPayload(ctx context.Context, req StreamRequest) (*http.Response, error) {
	var result *http.Response

	var err error

	instrumentedErr := b.telemetry.InstrumentClientOperation(ctx, b.name, "stream_payload", func(ctx context.Context) error {
		result, err = b.backend.StreamPayload(ctx, req)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// ValidateCredential validates a token with telemetry.
func (b *InstrumentedBackend) ValidateCredential(ctx context.Context, token string) (CredentialInfo, error) {
	var result CredentialInfo

	var err error

	instrumentedErr := b.telemetry.InstrumentClientOperation(ctx, b.name, "validate_credential", func(ctx context.Context) error {
		result, err = b.backend.ValidateCredential(ctx, token)

		return err
	})

	if instrumentedErr != nil {
		return CredentialInfo{}, instrumentedErr
	}

	return result, nil
}

// ListEnabledEndpoints lists endpoints with telemetry.
func (b *InstrumentedBackend) ListEnabledEndpoints(ctx context.Context) ([]string, error) {
	var result []string

	var err error

	instrumentedErr := b.telemetry.InstrumentClientOperation(ctx, b.name, "list_endpoints", func(ctx context.Context) error {
		result, err = b.backend.ListEnabledEndpoints(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
