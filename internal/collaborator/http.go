package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/domain"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
)

const (
	maxPages     = 100
	maxErrorBody = 512
)

// billingProperties is the whitelist requested from the billing provider.
var billingProperties = []string{"id", "correlationId", "customerId", "companyName", "period", "amount", "currency"}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(cfg config.CollaboratorConfig, hc *http.Client) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("collaborator base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("collaborator base_url: %w", err)
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), token: cfg.Token, http: hc}, nil
}

// getJSON fetches path with query and decodes the body into out. 5xx and
// transport errors are transient; other non-2xx statuses are terminal.
func (c *client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return apperrors.Terminal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Transient(fmt.Errorf("GET %s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("GET %s: %w", path, &apperrors.StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Terminal(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

type wireAmount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

type wireTransfer struct {
	ID            string     `json:"id"`
	Amount        wireAmount `json:"amount"`
	Status        string     `json:"status"`
	CorrelationID string     `json:"correlationId"`
	CustomerID    string     `json:"customerId"`
	Period        string     `json:"period"`
	Created       time.Time  `json:"created"`
}

type transferPage struct {
	Data       []wireTransfer `json:"data"`
	NextCursor string         `json:"nextCursor"`
}

// HTTPTransferSource reads transfers from the payment processor API.
type HTTPTransferSource struct {
	c *client
}

// NewHTTPTransferSource creates a client for GET {base}/transfers. hc may
// be nil.
func NewHTTPTransferSource(cfg config.CollaboratorConfig, hc *http.Client) (*HTTPTransferSource, error) {
	c, err := newClient(cfg, hc)
	if err != nil {
		return nil, err
	}
	return &HTTPTransferSource{c: c}, nil
}

func (s *HTTPTransferSource) ListTransfers(ctx context.Context, period string) ([]domain.Transfer, error) {
	out := make([]domain.Transfer, 0)
	cursor := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{"period": {period}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var p transferPage
		if err := s.c.getJSON(ctx, "/transfers", q, &p); err != nil {
			return nil, err
		}
		for _, t := range p.Data {
			out = append(out, domain.Transfer{
				ID:            t.ID,
				Amount:        t.Amount.Value,
				Currency:      strings.ToUpper(t.Amount.Currency),
				Status:        strings.ToLower(t.Status),
				CorrelationID: t.CorrelationID,
				CustomerID:    t.CustomerID,
				Period:        t.Period,
				Created:       t.Created,
			})
		}
		if p.NextCursor == "" {
			return out, nil
		}
		cursor = p.NextCursor
	}
	return nil, apperrors.Terminalf("transfers for %s exceed %d pages", period, maxPages)
}

type wireBillingRecord struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	CustomerID    string          `json:"customerId"`
	CompanyName   string          `json:"companyName"`
	Period        string          `json:"period"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type billingPage struct {
	Results    []wireBillingRecord `json:"results"`
	NextCursor string              `json:"nextCursor"`
}

// HTTPBillingSource reads billing records from the billing provider API.
type HTTPBillingSource struct {
	c *client
}

// NewHTTPBillingSource creates a client for GET {base}/billing-records.
// hc may be nil.
func NewHTTPBillingSource(cfg config.CollaboratorConfig, hc *http.Client) (*HTTPBillingSource, error) {
	c, err := newClient(cfg, hc)
	if err != nil {
		return nil, err
	}
	return &HTTPBillingSource{c: c}, nil
}

func (s *HTTPBillingSource) ListBillingRecords(ctx context.Context, scope string) ([]domain.BillingRecord, error) {
	out := make([]domain.BillingRecord, 0)
	cursor := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{
			"scope":      {scope},
			"properties": {strings.Join(billingProperties, ",")},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var p billingPage
		if err := s.c.getJSON(ctx, "/billing-records", q, &p); err != nil {
			return nil, err
		}
		for _, r := range p.Results {
			out = append(out, domain.BillingRecord{
				ID:            r.ID,
				CorrelationID: r.CorrelationID,
				CustomerID:    r.CustomerID,
				CompanyName:   r.CompanyName,
				Period:        r.Period,
				Amount:        r.Amount,
				Currency:      strings.ToUpper(r.Currency),
			})
		}
		if p.NextCursor == "" {
			return out, nil
		}
		cursor = p.NextCursor
	}
	return nil, apperrors.Terminalf("billing records for %s exceed %d pages", scope, maxPages)
}
