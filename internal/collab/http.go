package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reportforge/engine/internal/config"
	"github.com/reportforge/engine/pkg/models"
)

// HTTPAnalyzer implements TemplateAnalyzer over the analysis service's HTTP
// API.
type HTTPAnalyzer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAnalyzer creates a template-analysis client.
func NewHTTPAnalyzer(baseURL string, timeout time.Duration) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type analyzeResponse struct {
	Placeholders []models.PlaceholderAnalysis `json:"placeholders"`
}

func (a *HTTPAnalyzer) AnalyzePlaceholders(ctx context.Context, templateID uuid.UUID) ([]models.PlaceholderAnalysis, error) {
	u := fmt.Sprintf("%s/api/v1/templates/%s/analyze", a.baseURL, templateID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	return decoded.Placeholders, nil
}

// HTTPExecutor implements QueryExecutor over the data-extraction service.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPExecutor creates a query-execution client. Per-request timeouts come
// from the QueryRequest, so the underlying client carries no global timeout.
func NewHTTPExecutor(baseURL string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

type executeRequest struct {
	Placeholder  string             `json:"placeholder"`
	Query        string             `json:"query"`
	DataSourceID uuid.UUID          `json:"data_source_id"`
	PeriodStart  time.Time          `json:"period_start"`
	PeriodEnd    time.Time          `json:"period_end"`
	Priority     models.JobPriority `json:"priority"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(executeRequest{
		Placeholder:  req.Placeholder,
		Query:        req.Query,
		DataSourceID: req.DataSourceID,
		PeriodStart:  req.PeriodStart,
		PeriodEnd:    req.PeriodEnd,
		Priority:     req.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/execute", e.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	return &result, nil
}

// HTTPRenderer implements Renderer over the document rendering service.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer creates a renderer client.
func NewHTTPRenderer(baseURL string, timeout time.Duration) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type renderRequest struct {
	TemplateID uuid.UUID                  `json:"template_id"`
	Values     map[string]json.RawMessage `json:"values"`
}

func (r *HTTPRenderer) Render(ctx context.Context, templateID uuid.UUID, values map[string]json.RawMessage) (*RenderResult, error) {
	body, err := json.Marshal(renderRequest{TemplateID: templateID, Values: values})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/render", r.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var result RenderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	return &result, nil
}

// HTTPNotifier implements Notifier over a webhook endpoint. A nil-configured
// notifier (empty base URL) silently drops notifications.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPNotifier creates a notification client.
func NewHTTPNotifier(baseURL string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, jobID uuid.UUID, status, message string) error {
	if n.baseURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"job_id":  jobID.String(),
		"status":  status,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/notify", n.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}
	return nil
}

// NewFromConfig wires all four HTTP collaborators from config.
func NewFromConfig(cfg config.CollabConfig) (*HTTPAnalyzer, *HTTPExecutor, *HTTPRenderer, *HTTPNotifier) {
	return NewHTTPAnalyzer(cfg.AnalyzerBaseURL, cfg.Timeout),
		NewHTTPExecutor(cfg.ExecutorBaseURL),
		NewHTTPRenderer(cfg.RendererBaseURL, cfg.Timeout),
		NewHTTPNotifier(cfg.NotifierBaseURL, cfg.Timeout)
}

func checkStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, code)
	default:
		return fmt.Errorf("%w: status %d", ErrBadResponse, code)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
