package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/anaemia-care/fieldsync/internal/local/schema"
	"github.com/anaemia-care/fieldsync/internal/metrics"
)

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Token   string
}

// listResponse is the body of GET /api/v1/beneficiaries.
type listResponse struct {
	Beneficiaries []schema.Beneficiary `json:"beneficiaries"`
	Count         int                  `json:"count"`
}

// errorResponse is the body the API sends with non-2xx statuses.
type errorResponse struct {
	Error string `json:"error"`
}

// Client is the resty implementation of Gateway. It never retries; the
// sync engine owns retry policy.
type Client struct {
	http    *resty.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ Gateway = (*Client)(nil)

// NewClient creates an API client. logger and m may be nil.
func NewClient(cfg ClientConfig, logger *zap.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Client{
		http:    client,
		logger:  logger.Named("gateway"),
		metrics: m,
	}
}

func (c *Client) CreateBeneficiary(ctx context.Context, b schema.Beneficiary) (schema.Beneficiary, error) {
	var out schema.Beneficiary
	err := c.do(ctx, OpCreateBeneficiary, http.MethodPost, "/api/v1/beneficiaries", b, &out)
	return out, err
}

func (c *Client) UpdateBeneficiary(ctx context.Context, id int64, patch schema.BeneficiaryPatch) (schema.Beneficiary, error) {
	var out schema.Beneficiary
	err := c.do(ctx, OpUpdateBeneficiary, http.MethodPatch, fmt.Sprintf("/api/v1/beneficiaries/%d", id), patch, &out)
	return out, err
}

func (c *Client) AddScreening(ctx context.Context, beneficiaryID int64, s schema.Screening) (schema.Screening, error) {
	s.BeneficiaryID = &beneficiaryID
	var out schema.Screening
	err := c.do(ctx, OpAddScreening, http.MethodPost, fmt.Sprintf("/api/v1/beneficiaries/%d/screenings", beneficiaryID), s, &out)
	return out, err
}

func (c *Client) AddIntervention(ctx context.Context, beneficiaryID int64, iv schema.Intervention) (schema.Intervention, error) {
	iv.BeneficiaryID = &beneficiaryID
	var out schema.Intervention
	err := c.do(ctx, OpAddIntervention, http.MethodPost, fmt.Sprintf("/api/v1/beneficiaries/%d/interventions", beneficiaryID), iv, &out)
	return out, err
}

func (c *Client) AddFollowUp(ctx context.Context, beneficiaryID int64, f schema.FollowUp) (schema.FollowUp, error) {
	f.BeneficiaryID = &beneficiaryID
	var out schema.FollowUp
	err := c.do(ctx, OpAddFollowUp, http.MethodPost, fmt.Sprintf("/api/v1/beneficiaries/%d/followups", beneficiaryID), f, &out)
	return out, err
}

func (c *Client) GetBeneficiariesWithData(ctx context.Context, filters Filters) ([]schema.Beneficiary, error) {
	q := url.Values{}
	q.Set("with", "latest_screening")
	if filters.Query != "" {
		q.Set("q", filters.Query)
	}
	if filters.Category != "" {
		q.Set("category", filters.Category)
	}
	if filters.FollowUpDueBefore != nil {
		q.Set("due_before", filters.FollowUpDueBefore.UTC().Format(time.RFC3339))
	}

	var out listResponse
	if err := c.do(ctx, OpListBeneficiaries, http.MethodGet, "/api/v1/beneficiaries?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if out.Beneficiaries == nil {
		out.Beneficiaries = []schema.Beneficiary{}
	}
	return out.Beneficiaries, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, result any) error {
	req := c.http.R().
		SetContext(ctx).
		SetError(&errorResponse{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		c.metrics.IncGateway(op, ClassNetwork)
		c.logger.Debug("request failed",
			zap.String("op", op),
			zap.String("path", path),
			zap.Error(err))
		return &NetworkError{Op: op, Err: err}
	}

	if resp.IsError() || !resp.IsSuccess() {
		msg := ""
		if e, ok := resp.Error().(*errorResponse); ok && e != nil {
			msg = e.Error
		}
		c.metrics.IncGateway(op, ClassStatus)
		c.logger.Debug("request rejected",
			zap.String("op", op),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("msg", msg))
		return &StatusError{Op: op, StatusCode: resp.StatusCode(), Message: msg}
	}

	c.metrics.IncGateway(op, "ok")
	return nil
}
