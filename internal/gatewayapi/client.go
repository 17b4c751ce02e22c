package gatewayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/platform/resilience"
)

// allocateSessionParams mirrors sessionrouter.AllocateParams without
// importing that package, so the Gateway process depends only on the
// Session Router's HTTP contract (internal/sessionapi's routes) rather than
// its implementation — the two are meant to scale and deploy independently
// (spec §2's "stateless HTTP/WebSocket gateway" vs. the stateful router).
type allocateSessionParams struct {
	TenantID      string
	Language      string
	Model         string
	Encoding      string
	SampleRate    int
	RetentionDays int
}

// sessionAllocation is what Allocate hands back (spec §4.8's allocate_session).
type sessionAllocation struct {
	SessionID string
	WorkerID  string
	Ticket    string
}

// sessionRouterClient calls the Session Router process's JSON API
// (internal/sessionapi) over HTTP, the same remote-collaborator pattern
// internal/webhook uses for tenant-owned endpoints.
type sessionRouterClient struct {
	baseURL string
	http    *http.Client
	cb      *resilience.CircuitBreaker
	log     *logrus.Entry
}

// NewSessionRouterClient builds a client against the Session Router's base
// URL (e.g. "http://session-router:8080"), exported so cmd/gateway can wire
// it into gatewayapi.New as the sessionAllocator collaborator.
func NewSessionRouterClient(baseURL string, cb *resilience.CircuitBreaker, log *logrus.Entry) *sessionRouterClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &sessionRouterClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		cb:      cb,
		log:     log,
	}
}

func (c *sessionRouterClient) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apierr.InvariantViolation("gatewayapi.sessionrouter_client.marshal", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	return c.cb.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return apierr.TransientIO("gatewayapi.sessionrouter_client.build_request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return apierr.TransientIO("gatewayapi.sessionrouter_client.do", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusServiceUnavailable {
			return apierr.CapacityExhausted("session router reports no spare capacity")
		}
		if resp.StatusCode == http.StatusNotFound {
			return apierr.New(apierr.CodeNotFound, "session router returned status 404", http.StatusNotFound)
		}
		if resp.StatusCode >= 400 {
			return apierr.Wrap(apierr.CodeTransientIO, fmt.Sprintf("session router returned status %d", resp.StatusCode),
				resp.StatusCode, fmt.Errorf("unexpected status"))
		}
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	})
}

// Allocate calls POST /v1/sessions/allocate.
func (c *sessionRouterClient) Allocate(ctx context.Context, params allocateSessionParams) (*sessionAllocation, error) {
	var resp struct {
		SessionID string `json:"session_id"`
		WorkerID  string `json:"worker_id"`
		Ticket    string `json:"ticket"`
	}
	req := map[string]interface{}{
		"tenant_id":      params.TenantID,
		"language":       params.Language,
		"model":          params.Model,
		"encoding":       params.Encoding,
		"sample_rate":    params.SampleRate,
		"retention_days": params.RetentionDays,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/allocate", req, &resp); err != nil {
		return nil, err
	}
	return &sessionAllocation{SessionID: resp.SessionID, WorkerID: resp.WorkerID, Ticket: resp.Ticket}, nil
}

// Redeem calls POST /v1/sessions/{ticket}/redeem.
func (c *sessionRouterClient) Redeem(ctx context.Context, ticket string) (string, bool, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+ticket+"/redeem", map[string]string{"ticket": ticket}, &resp); err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Code == apierr.CodeNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return resp.SessionID, true, nil
}

// Release calls POST /v1/sessions/{id}/release.
func (c *sessionRouterClient) Release(ctx context.Context, sessionID, status string, retentionDays int) error {
	req := map[string]interface{}{"status": status, "retention_days": retentionDays}
	return c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/release", req, nil)
}

// UpdateStats calls POST /v1/sessions/{id}/stats.
func (c *sessionRouterClient) UpdateStats(ctx context.Context, sessionID string, audioSeconds float64, segments, words int) error {
	req := map[string]interface{}{
		"audio_duration_seconds": audioSeconds,
		"segment_count":          segments,
		"word_count":             words,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/stats", req, nil)
}
