// Package adsapi is the outbound adapter to the ads platform mutation API.
// It owns request serialization, pacing and failure classification; it never
// retries - the execution engine decides retry policy from the typed error.
package adsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adpilot/adpilot/internal/domain"
)

// Mode selects whether mutations reach the platform.
type Mode string

const (
	// ModeDryRun serializes and logs the mutation without sending it.
	ModeDryRun Mode = "DRY_RUN"
	// ModeLive sends the mutation to the platform.
	ModeLive Mode = "LIVE"
)

// Valid reports whether the mode is one of the two known values.
func (m Mode) Valid() bool {
	return m == ModeDryRun || m == ModeLive
}

// attemptTimeout bounds a single mutation attempt end to end.
const attemptTimeout = 15 * time.Second

// Mutation is the wire shape of one platform change.
type Mutation struct {
	CustomerID int64  `json:"customer_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   int64  `json:"entity_id"`
	Operation  string `json:"operation"`

	BidMicros    *int64 `json:"bid_micros,omitempty"`
	BudgetMicros *int64 `json:"budget_micros,omitempty"`
	Status       string `json:"status,omitempty"`

	AdGroupID   int64  `json:"ad_group_id,omitempty"`
	KeywordText string `json:"keyword_text,omitempty"`
	MatchType   string `json:"match_type,omitempty"`
	ProductID   int64  `json:"product_id,omitempty"`
}

// Options configures the adapter.
type Options struct {
	Mode    Mode
	BaseURL string
	Token   string

	// RequestsPerSecond paces outbound mutations. Zero means unpaced.
	RequestsPerSecond float64
}

// Client applies mutations to the ads platform.
type Client struct {
	mode    Mode
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a platform adapter.
func NewClient(opts Options, log zerolog.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		mode:    opts.Mode,
		baseURL: opts.BaseURL,
		token:   opts.Token,
		http:    &http.Client{Timeout: attemptTimeout},
		limiter: limiter,
		log:     log.With().Str("component", "ads_adapter").Str("mode", string(opts.Mode)).Logger(),
	}
}

// Mode returns the adapter's default mode, used when a call does not
// request one.
func (c *Client) Mode() Mode {
	return c.mode
}

// Apply performs one mutation attempt in the given mode; an empty mode
// selects the configured default. Transient failures come back as
// *domain.AdapterError with Transient set; the caller owns backoff.
func (c *Client) Apply(ctx context.Context, mode Mode, entity domain.EntityRef, action domain.Action) error {
	mutation, err := BuildMutation(entity, action)
	if err != nil {
		return &domain.AdapterError{Transient: false, Code: "BAD_MUTATION", Message: err.Error()}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return &domain.AdapterError{Transient: true, Code: "CANCELED", Message: err.Error()}
	}

	if mode == "" {
		mode = c.mode
	}
	if mode == ModeDryRun {
		payload, _ := json.Marshal(mutation)
		c.log.Info().
			Str("entity", entity.String()).
			RawJSON("mutation", payload).
			Msg("Dry-run mutation (not sent)")
		return nil
	}

	return c.send(ctx, mutation)
}

func (c *Client) send(ctx context.Context, mutation Mutation) error {
	body, err := json.Marshal(mutation)
	if err != nil {
		return &domain.AdapterError{Transient: false, Code: "ENCODE", Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return &domain.AdapterError{Transient: false, Code: "REQUEST", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS: all retryable.
		return &domain.AdapterError{Transient: true, Code: "NETWORK", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"), string(detail))
}

// classifyStatus maps platform HTTP statuses to the retry contract: 429 and
// 5xx are transient, every other 4xx is permanent.
func classifyStatus(status int, retryAfter, detail string) *domain.AdapterError {
	aerr := &domain.AdapterError{
		Code:    fmt.Sprintf("HTTP_%d", status),
		Message: detail,
	}
	switch {
	case status == http.StatusTooManyRequests:
		aerr.Transient = true
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			aerr.RetryAfter = time.Duration(secs) * time.Second
		}
	case status >= 500:
		aerr.Transient = true
	}
	return aerr
}

// BuildMutation serializes a typed action into the platform wire shape.
// Exported so dry-run callers can surface the exact payload that would have
// been sent.
func BuildMutation(entity domain.EntityRef, action domain.Action) (Mutation, error) {
	m := Mutation{
		CustomerID: entity.CustomerID,
		EntityKind: string(entity.Kind),
		EntityID:   entity.EntityID,
	}

	switch action.Kind {
	case domain.ActionAdjustBid:
		if action.AdjustBid == nil {
			return Mutation{}, fmt.Errorf("adjust bid payload missing")
		}
		m.Operation = "set_bid"
		m.BidMicros = &action.AdjustBid.NewBidMicros

	case domain.ActionAdjustBudget:
		if action.AdjustBudget == nil {
			return Mutation{}, fmt.Errorf("adjust budget payload missing")
		}
		m.Operation = "set_budget"
		m.BudgetMicros = &action.AdjustBudget.NewBudgetMicros

	case domain.ActionSetStatus:
		if action.SetStatus == nil {
			return Mutation{}, fmt.Errorf("set status payload missing")
		}
		m.Operation = "set_status"
		m.Status = action.SetStatus.NewStatus

	case domain.ActionAddNegative:
		if action.AddNegative == nil {
			return Mutation{}, fmt.Errorf("add negative payload missing")
		}
		m.Operation = "add_negative_keyword"
		m.AdGroupID = action.AddNegative.AdGroupID
		m.KeywordText = action.AddNegative.KeywordText
		m.MatchType = string(action.AddNegative.MatchType)

	case domain.ActionExcludeProduct:
		if action.ExcludeProduct == nil {
			return Mutation{}, fmt.Errorf("exclude product payload missing")
		}
		m.Operation = "exclude_product"
		m.ProductID = action.ExcludeProduct.ProductID

	default:
		return Mutation{}, fmt.Errorf("unknown action kind %q", action.Kind)
	}

	return m, nil
}
