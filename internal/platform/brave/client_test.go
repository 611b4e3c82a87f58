package brave

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/web/search", r.URL.Path)
		assert.Equal(t, "fed rate cut", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		assert.Equal(t, "token", r.Header.Get("X-Subscription-Token"))
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"Fed <strong>cuts</strong> rates","url":"https://news.example/a","description":"The Fed cut by 25bp"},
			{"title":"no url","url":"","description":"skipped"},
			{"title":"Markets rally","url":"https://news.example/b","description":"Stocks up"},
			{"title":"extra","url":"https://news.example/c","description":"over limit"}]}}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "token").Search(context.Background(), "fed rate cut", 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "Fed cuts rates", res[0].Title)
	assert.Equal(t, "https://news.example/b", res[1].URL)
}

func TestSearch_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "token").Search(context.Background(), "q", 5)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestSearch_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "bad").Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTransientProvider)
}
