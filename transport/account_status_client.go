package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-payhooks/core"
)

const defaultStatusClientTimeout = 10 * time.Second
const defaultStatusResponseBodyLimit int64 = 1 << 20 // 1 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AccountStatusClient reads connected account state from the payment
// processor API. It is the source of truth used to reconcile capability
// updates.
type AccountStatusClient struct {
	Client               HTTPDoer
	BaseURL              string
	APIKey               string
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
}

func NewAccountStatusClient(client HTTPDoer, baseURL string, apiKey string) *AccountStatusClient {
	if client == nil {
		client = &http.Client{Timeout: defaultStatusClientTimeout}
	}
	return &AccountStatusClient{
		Client:               client,
		BaseURL:              strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:               strings.TrimSpace(apiKey),
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultStatusResponseBodyLimit,
	}
}

type accountStatusResponse struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
	Requirements     struct {
		CurrentlyDue []string `json:"currently_due"`
		PastDue      []string `json:"past_due"`
	} `json:"requirements"`
}

func (c *AccountStatusClient) FetchAccountStatus(ctx context.Context, externalAccountID string) (core.AccountStatusUpdate, error) {
	if c == nil || c.Client == nil {
		return core.AccountStatusUpdate{}, transportError(
			"transport: account status client requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			nil,
		)
	}
	externalAccountID = strings.TrimSpace(externalAccountID)
	if externalAccountID == "" {
		return core.AccountStatusUpdate{}, transportError(
			"transport: external account id is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			nil,
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := url.JoinPath(c.BaseURL, "v1", "accounts", externalAccountID)
	if err != nil || c.BaseURL == "" {
		return core.AccountStatusUpdate{}, transportWrapError(
			err,
			goerrors.CategoryInternal,
			"transport: invalid account status base url",
			http.StatusInternalServerError,
			map[string]any{"base_url": c.BaseURL},
		)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return core.AccountStatusUpdate{}, transportWrapError(
			err,
			goerrors.CategoryInternal,
			"transport: create account status request",
			http.StatusInternalServerError,
			nil,
		)
	}
	for key, value := range c.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	metadata := map[string]any{"external_account_id": externalAccountID}
	httpRes, err := c.Client.Do(httpReq)
	if err != nil {
		return core.AccountStatusUpdate{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: account status request failed",
			http.StatusBadGateway,
			metadata,
		)
	}
	defer httpRes.Body.Close()

	limit := c.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultStatusResponseBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.AccountStatusUpdate{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: read account status response",
			http.StatusBadGateway,
			metadata,
		)
	}
	if int64(len(body)) > limit {
		return core.AccountStatusUpdate{}, transportError(
			fmt.Sprintf("transport: account status response exceeds limit of %d bytes", limit),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			metadata,
		)
	}

	metadata["status_code"] = httpRes.StatusCode
	switch {
	case httpRes.StatusCode == http.StatusNotFound:
		return core.AccountStatusUpdate{}, transportError(
			"transport: account not found upstream",
			goerrors.CategoryNotFound,
			http.StatusNotFound,
			metadata,
		)
	case httpRes.StatusCode == http.StatusTooManyRequests:
		return core.AccountStatusUpdate{}, transportError(
			"transport: account status rate limited",
			goerrors.CategoryRateLimit,
			http.StatusTooManyRequests,
			metadata,
		)
	case httpRes.StatusCode >= http.StatusInternalServerError:
		return core.AccountStatusUpdate{}, transportError(
			"transport: account status upstream failure",
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			metadata,
		)
	case httpRes.StatusCode >= http.StatusBadRequest:
		return core.AccountStatusUpdate{}, transportError(
			"transport: account status request rejected",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			metadata,
		)
	}

	var decoded accountStatusResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return core.AccountStatusUpdate{}, transportWrapError(
			err,
			goerrors.CategoryExternal,
			"transport: decode account status response",
			http.StatusBadGateway,
			metadata,
		)
	}
	return core.AccountStatusUpdate{
		ChargesEnabled:   decoded.ChargesEnabled,
		PayoutsEnabled:   decoded.PayoutsEnabled,
		DetailsSubmitted: decoded.DetailsSubmitted,
		RequirementsDue:  core.NormalizeRequirements(decoded.Requirements.CurrentlyDue, decoded.Requirements.PastDue),
	}, nil
}

var _ core.AccountStatusSource = (*AccountStatusClient)(nil)
