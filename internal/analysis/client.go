// Package analysis is the HTTP client for the call-analysis engine. The
// engine owns its prompting; we only speak its JSON contracts and validate
// them at the boundary.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/logging"
)

// Client calls the analysis engine over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *logging.Logger
}

// New creates an analysis client.
func New(baseURL, apiKey string, timeout time.Duration, log *logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.Sub("analysis"),
	}
}

type coachRequest struct {
	Transcript    []domain.TranscriptChunk `json:"transcript"`
	SentQuestions []string                 `json:"sent_questions,omitempty"`
	ScriptSteps   []string                 `json:"script_steps,omitempty"`
	CurrentStep   int                      `json:"current_step"`
}

// Coach requests real-time SPIN coaching for the transcript so far.
// sentQuestions lets the engine avoid repeating suggestions.
func (c *Client) Coach(ctx context.Context, session *domain.CallSession, steps []string) (*domain.Coaching, error) {
	req := coachRequest{
		Transcript:    session.Transcript,
		SentQuestions: session.SentQuestions,
		ScriptSteps:   steps,
		CurrentStep:   session.CurrentStep,
	}

	var coaching domain.Coaching
	if err := c.post(ctx, "/v1/coaching", req, &coaching); err != nil {
		return nil, err
	}
	if coaching.Phase == "" && coaching.Tip == "" {
		return nil, fmt.Errorf("coaching response missing phase and tip")
	}
	return &coaching, nil
}

type summaryRequest struct {
	Transcript []domain.TranscriptChunk `json:"transcript"`
	LeadName   string                   `json:"lead_name,omitempty"`
	SellerName string                   `json:"seller_name,omitempty"`
}

// LiveSummary requests a short executive summary of the recent window.
func (c *Client) LiveSummary(ctx context.Context, chunks []domain.TranscriptChunk, leadName, sellerName string) (*domain.LiveSummary, error) {
	req := summaryRequest{Transcript: chunks, LeadName: leadName, SellerName: sellerName}

	var summary domain.LiveSummary
	if err := c.post(ctx, "/v1/summary", req, &summary); err != nil {
		return nil, err
	}
	if summary.Status == "" {
		summary.Status = "Em andamento"
	}
	return &summary, nil
}

type reportRequest struct {
	Transcript  []domain.TranscriptChunk `json:"transcript"`
	ScriptName  string                   `json:"script_name,omitempty"`
	ScriptSteps []string                 `json:"script_steps,omitempty"`
	LeadName    string                   `json:"lead_name,omitempty"`
	SellerName  string                   `json:"seller_name,omitempty"`
	DurationMS  int64                    `json:"duration_ms"`
}

// PostCall requests the full end-of-call report.
func (c *Client) PostCall(ctx context.Context, session *domain.CallSession, scriptName string, steps []string, durationMS int64) (*domain.PostCallReport, error) {
	req := reportRequest{
		Transcript:  session.Transcript,
		ScriptName:  scriptName,
		ScriptSteps: steps,
		LeadName:    session.LeadName,
		SellerName:  session.SellerName,
		DurationMS:  durationMS,
	}

	var report domain.PostCallReport
	if err := c.post(ctx, "/v1/report", req, &report); err != nil {
		return nil, err
	}
	if report.Result != "" && !domain.ValidResult(report.Result) {
		c.log.Warn().Str("result", string(report.Result)).Msg("engine returned unknown result, dropping")
		report.Result = domain.ResultUnknown
	}
	return &report, nil
}

// post sends a JSON request and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine error (%d): %s", resp.StatusCode, truncate(respBody, 512))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
