package integration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domain-limiter/internal/domain"
)

func TestTransport_RoundTrip(t *testing.T) {
	newServer := func(t *testing.T, status int) (*httptest.Server, *atomic.Int32, *atomic.Value) {
		t.Helper()
		hits := &atomic.Int32{}
		agent := &atomic.Value{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			agent.Store(r.Header.Get("User-Agent"))
			w.WriteHeader(status)
		}))
		t.Cleanup(srv.Close)
		return srv, hits, agent
	}

	t.Run("Should set the rotated user agent and report success", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t, createTestConfig())
		srv, hits, agent := newServer(t, http.StatusOK)
		tr := NewTransport(nil, env.svc)
		tr.Clock = env.fake
		client := &http.Client{Transport: tr}

		// Act
		resp, err := client.Get(srv.URL + "/items")

		// Assert
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(1), hits.Load())
		assert.Equal(t, "ua-1", agent.Load())

		stats := env.svc.GetStatistics("127.0.0.1")
		assert.Equal(t, int64(1), stats.TotalRequests)
		assert.Equal(t, 1.0, stats.SuccessRate)
	})

	t.Run("Should deny without reaching the network when the bucket is empty", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t, createTestConfig())
		srv, hits, _ := newServer(t, http.StatusOK)
		client := &http.Client{Transport: NewTransport(nil, env.svc)}

		first, err := client.Get(srv.URL)
		require.NoError(t, err)
		first.Body.Close()

		// Act
		_, err = client.Get(srv.URL)

		// Assert
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRateLimited))
		var denied *DeniedError
		require.True(t, errors.As(err, &denied))
		assert.Equal(t, domain.ReasonRateLimited, denied.Decision.Reason)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("Should report server errors as failures", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t, createTestConfig())
		srv, _, _ := newServer(t, http.StatusServiceUnavailable)
		client := &http.Client{Transport: NewTransport(nil, env.svc)}

		// Act
		resp, err := client.Get(srv.URL)

		// Assert
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, 0.0, env.svc.GetStatistics("127.0.0.1").SuccessRate)
	})

	t.Run("Should not mutate the caller request", func(t *testing.T) {
		// Arrange
		env := newTestEnv(t, createTestConfig())
		srv, _, agent := newServer(t, http.StatusOK)
		tr := NewTransport(nil, env.svc)
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req.Header.Set("User-Agent", "original")

		// Act
		resp, err := tr.RoundTrip(req)

		// Assert
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "original", req.Header.Get("User-Agent"))
		assert.Equal(t, "ua-1", agent.Load())
	})
}
