// Package feesource reads fee deductions from the fee API's GraphQL endpoint.
package feesource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/logger"
	"github.com/dvloznov/finsync/internal/retry"
)

// ErrUnauthorized is returned when the fee API rejects the credentials.
var ErrUnauthorized = errors.New("fee API unauthorized")

const (
	DefaultPageSize = 5000
	DefaultMaxPages = 1000
	DefaultTimeout  = 60 * time.Second
)

const feeDeductionsQuery = `query FeeDeductionsQuery($limit: Int!, $offset: Int) {
  feeDeductions(limit: $limit, offset: $offset) {
    items {
      id
      product { id name isin }
      currency
      type
      beneficiaryId
      outstandingQuantity
      positionChange
      bookingDate
      feeName
    }
    totalCount
  }
}`

// Config holds the endpoint and credentials of the fee API.
// ClientID enables the OAuth2 client-credentials flow; otherwise Token is
// sent as a static bearer token.
type Config struct {
	URL          string
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string

	PageSize int
	MaxPages int
	Timeout  time.Duration
	Retry    retry.Policy
}

// Client implements fees.Source.
type Client struct {
	http *http.Client
	cfg  Config
}

// New builds a Client whose HTTP transport authenticates every request.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feesource.New: URL is required")
	}

	var hc *http.Client
	switch {
	case cfg.ClientID != "":
		if cfg.TokenURL == "" {
			return nil, fmt.Errorf("feesource.New: token URL is required for client credentials")
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		hc = cc.Client(ctx)
	case cfg.Token != "":
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}))
	default:
		hc = &http.Client{}
	}
	return NewWithHTTPClient(cfg, hc), nil
}

// NewWithHTTPClient builds a Client on top of an already configured HTTP client.
func NewWithHTTPClient(cfg Config, hc *http.Client) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	hc.Timeout = cfg.Timeout
	return &Client{http: hc, cfg: cfg}
}

type graphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type feePage struct {
	Items      []feeItem `json:"items"`
	TotalCount int       `json:"totalCount"`
}

type feeItem struct {
	ID      flexString `json:"id"`
	Product struct {
		ID   flexString `json:"id"`
		Name string     `json:"name"`
		ISIN string     `json:"isin"`
	} `json:"product"`
	Currency            string     `json:"currency"`
	Type                string     `json:"type"`
	BeneficiaryID       flexString `json:"beneficiaryId"`
	OutstandingQuantity flexString `json:"outstandingQuantity"`
	PositionChange      flexString `json:"positionChange"`
	BookingDate         flexString `json:"bookingDate"`
	FeeName             string     `json:"feeName"`
}

type graphQLResponse struct {
	Data struct {
		FeeDeductions *feePage `json:"feeDeductions"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = flexString(n.String())
	}
	return nil
}

func (it feeItem) raw() fees.RawFee {
	return fees.RawFee{
		ID:                  string(it.ID),
		ProductID:           string(it.Product.ID),
		ProductName:         it.Product.Name,
		ISIN:                it.Product.ISIN,
		Currency:            it.Currency,
		Type:                it.Type,
		BeneficiaryID:       string(it.BeneficiaryID),
		OutstandingQuantity: string(it.OutstandingQuantity),
		PositionChange:      string(it.PositionChange),
		BookingDate:         string(it.BookingDate),
		FeeName:             it.FeeName,
	}
}

// FetchFees pages through the fee deductions, newest first, until a page is
// empty or short, totalCount is reached, or a page reaches back before
// w.From. Items outside the window may be returned; the caller filters them.
//
// When the page limit stops the fetch first, the items fetched so far are
// returned together with an error wrapping fees.ErrIncomplete.
func (c *Client) FetchFees(ctx context.Context, w fees.Window) ([]fees.RawFee, error) {
	log := logger.FromContext(ctx)
	fromDay := fees.Day(w.From)

	var out []fees.RawFee
	offset := 0
	for page := 1; ; page++ {
		if page > c.cfg.MaxPages {
			log.Warn().Int("max_pages", c.cfg.MaxPages).Int("fetched", len(out)).Msg("Fee page limit reached before the window start")
			return out, fmt.Errorf("Client.FetchFees: %w: page limit %d reached at offset %d", fees.ErrIncomplete, c.cfg.MaxPages, offset)
		}

		p, err := c.fetchPage(ctx, c.cfg.PageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("Client.FetchFees: page %d (offset %d): %w", page, offset, err)
		}
		log.Debug().Int("page", page).Int("offset", offset).Int("items", len(p.Items)).Int("total", p.TotalCount).Msg("Fetched fee page")

		if len(p.Items) == 0 {
			return out, nil
		}

		var oldest time.Time
		for _, it := range p.Items {
			raw := it.raw()
			out = append(out, raw)
			if t, err := fees.ParseBookingDate(raw.BookingDate); err == nil {
				if oldest.IsZero() || t.Before(oldest) {
					oldest = t
				}
			}
		}

		offset += len(p.Items)
		if p.TotalCount > 0 && offset >= p.TotalCount {
			return out, nil
		}
		if len(p.Items) < c.cfg.PageSize {
			return out, nil
		}
		if !oldest.IsZero() && fees.CivilDay(oldest).Before(fromDay) {
			return out, nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, limit, offset int) (*feePage, error) {
	body, err := json.Marshal(graphQLRequest{
		Query:         feeDeductionsQuery,
		OperationName: "FeeDeductionsQuery",
		Variables:     map[string]any{"limit": limit, "offset": offset},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var page *feePage
	err = retry.Do(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) error {
		p, err := c.post(ctx, body)
		if err != nil {
			if attempt < c.cfg.Retry.MaxAttempts && !retry.IsPermanent(err) {
				log := logger.FromContext(ctx)
				log.Warn().Err(err).Int("attempt", attempt).Msg("Fee API request failed, retrying")
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// statusError is a non-2xx response from the fee API.
type statusError struct {
	Code       int
	RetryAfter time.Duration
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("fee API returned %d: %s", e.Code, e.Body)
}

func (e *statusError) RetryDelay() time.Duration { return e.RetryAfter }

func (c *Client) post(ctx context.Context, body []byte) (*feePage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, retry.Permanent(fmt.Errorf("%w: token request: %v", ErrUnauthorized, rerr))
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		serr := &statusError{Code: resp.StatusCode, Body: snippet(data)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, retry.Permanent(fmt.Errorf("%w: %w", ErrUnauthorized, serr))
		case resp.StatusCode == http.StatusTooManyRequests:
			serr.RetryAfter = retry.ParseRetryAfter(resp.Header)
			return nil, serr
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
			return nil, serr
		default:
			return nil, retry.Permanent(serr)
		}
	}

	var gr graphQLResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		auth := false
		for i, e := range gr.Errors {
			msgs[i] = e.Message
			auth = auth || isAuthError(e)
		}
		err := fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
		if auth {
			err = fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil, retry.Permanent(err)
	}
	if gr.Data.FeeDeductions == nil {
		return nil, retry.Permanent(fmt.Errorf("response has no feeDeductions"))
	}
	return gr.Data.FeeDeductions, nil
}

func isAuthError(e graphQLError) bool {
	switch strings.ToUpper(e.Extensions.Code) {
	case "UNAUTHENTICATED", "UNAUTHORIZED", "FORBIDDEN":
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "unauthenticated")
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

var _ fees.Source = (*Client)(nil)
