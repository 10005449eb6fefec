package collaborator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/domain"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
)

func TestHTTPTransferSource_PagesAndNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers", r.URL.Path)
		assert.Equal(t, "2026-02", r.URL.Query().Get("period"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			_, _ = w.Write([]byte(`{"data":[{"id":"tr_1","amount":{"value":"100.00","currency":"usd"},"status":"PAID","correlationId":"INV-1","customerId":"cus_1","period":"2026-02","created":"2026-02-03T10:00:00Z"}],"nextCursor":"p2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"tr_2","amount":{"value":25.5,"currency":"EUR"},"status":"failed","correlationId":"INV-2"}]}`))
	}))
	defer srv.Close()

	src, err := NewHTTPTransferSource(config.CollaboratorConfig{BaseURL: srv.URL + "/", Token: "secret"}, nil)
	require.NoError(t, err)

	got, err := src.ListTransfers(context.Background(), "2026-02")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "100", got[0].Amount.String())
	require.Equal(t, "USD", got[0].Currency)
	require.Equal(t, "paid", got[0].Status)
	require.True(t, got[0].Settled())
	require.Equal(t, time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC), got[0].Created)
	require.Equal(t, "25.5", got[1].Amount.String())
	require.False(t, got[1].Settled())
}

func TestHTTPBillingSource_RequestsWhitelistedProperties(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/billing-records", r.URL.Path)
		assert.Equal(t, "acme", r.URL.Query().Get("scope"))
		props := strings.Split(r.URL.Query().Get("properties"), ",")
		assert.ElementsMatch(t, billingProperties, props)
		_, _ = w.Write([]byte(`{"results":[{"id":"b1","correlationId":"INV-1","customerId":"cus_1","companyName":"Acme","period":"2026-02","amount":"100","currency":"usd","internalNotes":"ignored"}]}`))
	}))
	defer srv.Close()

	src, err := NewHTTPBillingSource(config.CollaboratorConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	got, err := src.ListBillingRecords(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, []domain.BillingRecord{{
		ID:            "b1",
		CorrelationID: "INV-1",
		CustomerID:    "cus_1",
		CompanyName:   "Acme",
		Period:        "2026-02",
		Amount:        got[0].Amount,
		Currency:      "USD",
	}}, got)
	require.Equal(t, "100", got[0].Amount.String())
}

func TestHTTPSource_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   apperrors.Kind
	}{
		{http.StatusInternalServerError, apperrors.KindTransient},
		{http.StatusBadGateway, apperrors.KindTransient},
		{http.StatusTooManyRequests, apperrors.KindTransient},
		{http.StatusNotFound, apperrors.KindTerminal},
		{http.StatusUnauthorized, apperrors.KindTerminal},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream says no", tc.status)
			}))
			defer srv.Close()

			src, err := NewHTTPTransferSource(config.CollaboratorConfig{BaseURL: srv.URL}, nil)
			require.NoError(t, err)
			_, err = src.ListTransfers(context.Background(), "2026-02")
			require.Error(t, err)
			require.Equal(t, tc.want, apperrors.Classify(err))

			var se *apperrors.StatusError
			require.True(t, errors.As(err, &se))
			require.Equal(t, tc.status, se.StatusCode)
			require.Contains(t, se.Body, "upstream says no")
		})
	}
}

func TestHTTPSource_MalformedBodyIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": [`))
	}))
	defer srv.Close()

	src, err := NewHTTPTransferSource(config.CollaboratorConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = src.ListTransfers(context.Background(), "2026-02")
	require.Equal(t, apperrors.KindTerminal, apperrors.Classify(err))
}

func TestHTTPSource_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	src, err := NewHTTPTransferSource(config.CollaboratorConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = src.ListTransfers(context.Background(), "2026-02")
	require.Error(t, err)
	require.True(t, apperrors.IsTransient(err))
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPBillingSource(config.CollaboratorConfig{}, nil)
	require.Error(t, err)
}

func TestStaticSources(t *testing.T) {
	transfers := NewStaticTransfers().Set("2026-02", domain.Transfer{ID: "tr_1"})
	got, err := transfers.ListTransfers(context.Background(), "2026-02")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = transfers.ListTransfers(context.Background(), "2026-01")
	require.NoError(t, err)
	require.Empty(t, got)

	transfers.Fail(errors.New("boom"))
	_, err = transfers.ListTransfers(context.Background(), "2026-02")
	require.EqualError(t, err, "boom")

	billing := NewStaticBilling().Set("acme", domain.BillingRecord{ID: "b1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = billing.ListBillingRecords(ctx, "acme")
	require.ErrorIs(t, err, context.Canceled)
}
