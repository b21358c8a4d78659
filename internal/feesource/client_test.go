package feesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finsync/internal/fees"
	"github.com/dvloznov/finsync/internal/retry"
)

type fakeAPI struct {
	mu       sync.Mutex
	items    []map[string]any
	total    int
	requests []map[string]any
	auth     []string
	respond  func(w http.ResponseWriter, call int) bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req graphQLRequest
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &req)
	f.requests = append(f.requests, req.Variables)
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	if f.respond != nil && f.respond(w, len(f.requests)) {
		return
	}

	limit := int(req.Variables["limit"].(float64))
	offset := int(req.Variables["offset"].(float64))
	end := offset + limit
	if end > len(f.items) {
		end = len(f.items)
	}
	page := []map[string]any{}
	if offset < len(f.items) {
		page = f.items[offset:end]
	}
	total := f.total
	if total == 0 {
		total = len(f.items)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{"feeDeductions": map[string]any{"items": page, "totalCount": total}},
	})
}

func item(id string, day time.Time) map[string]any {
	return map[string]any{
		"id":                  id,
		"product":             map[string]any{"id": "p1", "name": "Product", "isin": "CH0001"},
		"currency":            "CHF",
		"type":                "ManagementFeeDeduction",
		"beneficiaryId":       7,
		"outstandingQuantity": 1250.5,
		"positionChange":      "-1.25",
		"bookingDate":         day.Format(time.RFC3339),
		"feeName":             nil,
	}
}

func noSleep() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func newTestClient(t *testing.T, api *fakeAPI, pageSize int) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{URL: srv.URL, Token: "secret", PageSize: pageSize, Retry: noSleep()})
	require.NoError(t, err)
	return c
}

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestFetchFees_DecodesItems(t *testing.T) {
	api := &fakeAPI{items: []map[string]any{item("f1", now)}}
	c := newTestClient(t, api, 10)

	got, err := c.FetchFees(context.Background(), fees.Window{From: now.AddDate(0, 0, -30), To: now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].ID)
	assert.Equal(t, "p1", got[0].ProductID)
	assert.Equal(t, "7", got[0].BeneficiaryID)
	assert.Equal(t, "1250.5", got[0].OutstandingQuantity)
	assert.Equal(t, "-1.25", got[0].PositionChange)
	assert.Equal(t, "", got[0].FeeName)
	assert.Equal(t, "Bearer secret", api.auth[0])
}

func TestFetchFees_PagesUntilTotalCount(t *testing.T) {
	api := &fakeAPI{}
	for i := 0; i < 6; i++ {
		api.items = append(api.items, item(fmt.Sprintf("f%d", i), now))
	}
	c := newTestClient(t, api, 2)

	got, err := c.FetchFees(context.Background(), fees.Window{From: now.AddDate(0, 0, -30), To: now})
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Len(t, api.requests, 3)
	assert.EqualValues(t, 4, api.requests[2]["offset"])
}

func TestFetchFees_StopsOnShortPage(t *testing.T) {
	api := &fakeAPI{total: 100}
	for i := 0; i < 3; i++ {
		api.items = append(api.items, item(fmt.Sprintf("f%d", i), now))
	}
	c := newTestClient(t, api, 2)

	got, err := c.FetchFees(context.Background(), fees.Window{From: now.AddDate(0, 0, -30), To: now})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Len(t, api.requests, 2)
}

func TestFetchFees_StopsBeforeWindow(t *testing.T) {
	api := &fakeAPI{items: []map[string]any{
		item("f1", now),
		item("f2", now.AddDate(0, 0, -40)),
		item("f3", now.AddDate(0, 0, -41)),
		item("f4", now.AddDate(0, 0, -42)),
	}}
	c := newTestClient(t, api, 2)

	got, err := c.FetchFees(context.Background(), fees.Window{From: now.AddDate(0, 0, -30), To: now})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, api.requests, 1)
}

func TestFetchFees_MaxPages(t *testing.T) {
	api := &fakeAPI{}
	for i := 0; i < 10; i++ {
		api.items = append(api.items, item(fmt.Sprintf("f%d", i), now))
	}
	srv := httptest.NewServer(api)
	defer srv.Close()
	c := NewWithHTTPClient(Config{URL: srv.URL, PageSize: 2, MaxPages: 2, Retry: noSleep()}, &http.Client{})

	got, err := c.FetchFees(context.Background(), fees.Window{From: now.AddDate(0, 0, -30), To: now})
	require.ErrorIs(t, err, fees.ErrIncomplete)
	assert.Len(t, got, 4)
	assert.Len(t, api.requests, 2)
}

func TestFetchFees_LastPageWithinLimitIsComplete(t *testing.T) {
	api := &fakeAPI{}
	for i := 0; i < 4; i++ {
		api.items = append(api.items, item(fmt.Sprintf("f%d", i), now))
	}
	srv := httptest.NewServer(api)
	defer srv.Close()
	c := NewWithHTTPClient(Config{URL: srv.URL, PageSize: 2, MaxPages: 2, Retry: noSleep()}, &http.Client{})

	got, err := c.FetchFees(context.Background(), fees.Window{From: now.AddDate(0, 0, -30), To: now})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestFetchFees_RetriesServerErrors(t *testing.T) {
	api := &fakeAPI{items: []map[string]any{item("f1", now)}}
	api.respond = func(w http.ResponseWriter, call int) bool {
		if call == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return true
		}
		return false
	}
	c := newTestClient(t, api, 10)

	got, err := c.FetchFees(context.Background(), fees.Window{From: now.AddDate(0, 0, -30), To: now})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Len(t, api.requests, 2)
}

func TestFetchFees_RateLimitHonorsRetryAfter(t *testing.T) {
	api := &fakeAPI{items: []map[string]any{item("f1", now)}}
	api.respond = func(w http.ResponseWriter, call int) bool {
		if call == 1 {
			w.Header().Set("Retry-After", "9")
			w.WriteHeader(http.StatusTooManyRequests)
			return true
		}
		return false
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	var waits []time.Duration
	p := retry.DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	c := NewWithHTTPClient(Config{URL: srv.URL, PageSize: 10, Retry: p}, &http.Client{})

	_, err := c.FetchFees(context.Background(), fees.Window{From: now.AddDate(0, 0, -30), To: now})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{9 * time.Second}, waits)
}

func TestFetchFees_GivesUpAfterRetries(t *testing.T) {
	api := &fakeAPI{respond: func(w http.ResponseWriter, call int) bool {
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}}
	c := newTestClient(t, api, 10)

	_, err := c.FetchFees(context.Background(), fees.Window{From: now, To: now})
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, api.requests, 3)
}

func TestFetchFees_Unauthorized(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			api := &fakeAPI{respond: func(w http.ResponseWriter, call int) bool {
				w.WriteHeader(code)
				return true
			}}
			c := newTestClient(t, api, 10)

			_, err := c.FetchFees(context.Background(), fees.Window{From: now, To: now})
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.Len(t, api.requests, 1)
		})
	}
}

func TestFetchFees_GraphQLAuthError(t *testing.T) {
	api := &fakeAPI{respond: func(w http.ResponseWriter, call int) bool {
		_, _ = io.WriteString(w, `{"errors":[{"message":"Not authorized","extensions":{"code":"UNAUTHENTICATED"}}]}`)
		return true
	}}
	c := newTestClient(t, api, 10)

	_, err := c.FetchFees(context.Background(), fees.Window{From: now, To: now})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestFetchFees_GraphQLErrorIsPermanent(t *testing.T) {
	api := &fakeAPI{respond: func(w http.ResponseWriter, call int) bool {
		_, _ = io.WriteString(w, `{"errors":[{"message":"Cannot query field"}]}`)
		return true
	}}
	c := newTestClient(t, api, 10)

	_, err := c.FetchFees(context.Background(), fees.Window{From: now, To: now})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
	assert.Contains(t, err.Error(), "Cannot query field")
	assert.Len(t, api.requests, 1)
}

func TestNew_ClientCredentials(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"issued","token_type":"bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	api := &fakeAPI{items: []map[string]any{item("f1", now)}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c, err := New(context.Background(), Config{URL: srv.URL, TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "s", Retry: noSleep()})
	require.NoError(t, err)

	_, err = c.FetchFees(context.Background(), fees.Window{From: now, To: now})
	require.NoError(t, err)
	assert.Equal(t, "Bearer issued", api.auth[0])
}

func TestNew_TokenEndpointRejects(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
	}))
	defer tokenSrv.Close()

	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	c, err := New(context.Background(), Config{URL: srv.URL, TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "bad", Retry: noSleep()})
	require.NoError(t, err)

	_, err = c.FetchFees(context.Background(), fees.Window{From: now, To: now})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, api.requests)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{URL: "http://x", ClientID: "id"})
	assert.Error(t, err)
}

func TestFlexString(t *testing.T) {
	var v struct {
		A flexString `json:"a"`
		B flexString `json:"b"`
		C flexString `json:"c"`
		D flexString `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"x","b":12.50,"c":null,"d":1700000000000}`), &v))
	assert.Equal(t, flexString("x"), v.A)
	assert.Equal(t, flexString("12.50"), v.B)
	assert.Equal(t, flexString(""), v.C)
	assert.Equal(t, flexString("1700000000000"), v.D)
}
