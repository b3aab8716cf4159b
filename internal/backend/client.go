// Package backend implements transfer.Backend over the delivery service's HTTP API.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/transfer"
	"github.com/italolelis/luafetch/internal/transport"
)

// TokenSource returns the credential to attach to non-streaming calls.
type TokenSource func() string

type Client struct {
	baseURL string
	http    *transport.Client
	token   TokenSource
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, httpClient *transport.Client, token TokenSource) (*Client, error) {
	if httpClient == nil {
		return nil, &transfer.SetupError{Reason: "http client not configured"}
	}

	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &transfer.SetupError{Reason: fmt.Sprintf("invalid base url %q", baseURL), Err: err}
	}

	if token == nil {
		token = func() string { return "" }
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   token,
	}, nil
}

// Ensure Client implements Backend
var _ transfer.Backend = (*Client)(nil)

type availabilityResponse struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

func (c *Client) CheckAvailability(ctx context.Context, itemID int64, endpoint string) (transfer.AvailabilityResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	var resp availabilityResponse

	u := fmt.Sprintf("%s/game/%d/availability", c.baseURL, itemID)
	if err := c.http.GetJSON(ctx, u, url.Values{"endpoint": {endpoint}}, c.token(), &resp); err != nil {
		return transfer.AvailabilityResult{Endpoint: endpoint}, fmt.Errorf("failed to check availability: %w", err)
	}

	logger.Debug("availability checked", "available", resp.Available, "message", resp.Message)

	return transfer.AvailabilityResult{
		Endpoint:   endpoint,
		Available:  resp.Available,
		Diagnostic: resp.Message,
	}, nil
}

func (c *Client) StreamPayload(ctx context.Context, req transfer.StreamRequest) (*http.Response, error) {
	query := url.Values{
		"appid":    {strconv.FormatInt(req.ItemID, 10)},
		"endpoint": {req.Endpoint},
	}

	if req.SubjectID != "" {
		query.Set("user_id", req.SubjectID)
	}

	u := fmt.Sprintf("%s/game/%d", c.baseURL, req.ItemID)

	return c.http.Stream(ctx, u, query, req.Credential)
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"userId"`
}

// ValidateCredential resolves the owner of token. A rejected token is reported
// as an invalid credential rather than an error.
func (c *Client) ValidateCredential(ctx context.Context, token string) (transfer.CredentialInfo, error) {
	var resp validateResponse

	err := c.http.GetJSON(ctx, c.baseURL+"/auth/validate", nil, token, &resp)
	if err != nil {
		var httpErr *transfer.HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
			return transfer.CredentialInfo{}, nil
		}

		return transfer.CredentialInfo{}, fmt.Errorf("failed to validate credential: %w", err)
	}

	return transfer.CredentialInfo{Valid: resp.Valid, SubjectID: resp.UserID}, nil
}

type endpointsResponse struct {
	Endpoints []string `json:"endpoints"`
}

func (c *Client) ListEnabledEndpoints(ctx context.Context) ([]string, error) {
	var resp endpointsResponse

	if err := c.http.GetJSON(ctx, c.baseURL+"/endpoints", nil, c.token(), &resp); err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	endpoints := make([]string, 0, len(resp.Endpoints))
	for _, e := range resp.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}

	return endpoints, nil
}
