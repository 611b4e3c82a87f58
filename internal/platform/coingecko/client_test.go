package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

func TestPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "demo-key", r.Header.Get("x-cg-demo-api-key"))
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":51000.25}}`))
	}))
	defer srv.Close()

	q, err := NewClient(srv.URL, "demo-key").Price(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("51000.25")))
	assert.Equal(t, "usd", q.Currency)
	assert.Contains(t, q.SourceURL, "ids=bitcoin")
	assert.NotContains(t, q.SourceURL, "demo-key")
}

func TestPrice_UnknownCoin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Price(context.Background(), "nocoin")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPrice_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Price(context.Background(), "bitcoin")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.ErrorIs(t, err, domain.ErrTransientProvider)
}
