package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domain-limiter/internal/clock"
	"domain-limiter/internal/domain"
	"domain-limiter/internal/handler"
	"domain-limiter/internal/logger"
	"domain-limiter/internal/service"
	"domain-limiter/internal/storage"
)

// E2ETestSuite contém os componentes necessários para os testes E2E
type E2ETestSuite struct {
	server *httptest.Server
	client *http.Client
	clock  *clock.Fake
}

// setupE2ETest monta service, handlers e servidor HTTP reais sobre um relógio falso
func setupE2ETest(t *testing.T) *E2ETestSuite {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := domain.DefaultLimiterConfig()
	cfg.RequestsPerSecond = 1
	cfg.BurstSize = 3
	cfg.CircuitBreakerThreshold = 3
	cfg.AdaptiveThrottling = false
	cfg.JitterEnabled = false
	cfg.QueueDrainInterval = 0
	cfg.DomainLimits = map[string]domain.DomainLimitConfig{
		"fast.example.com": {RequestsPerSecond: 100, BurstSize: 20, Priority: domain.PriorityNormal},
	}

	appLogger := logger.NewLogger("error", "json")
	fake := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	registry := storage.NewMemoryStorage(fake, cfg.DomainIdleTTL, appLogger)

	rateLimiterService, err := service.NewRateLimiterService(&cfg, registry, appLogger, service.WithClock(fake))
	require.NoError(t, err)

	router := gin.New()
	router.Use(gin.Recovery())
	handler.NewHandlers(rateLimiterService, appLogger).SetupRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		_ = rateLimiterService.Close()
	})

	return &E2ETestSuite{
		server: server,
		client: &http.Client{Timeout: 5 * time.Second},
		clock:  fake,
	}
}

func (s *E2ETestSuite) post(t *testing.T, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := s.client.Post(s.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	return resp.StatusCode, response
}

func (s *E2ETestSuite) get(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	resp, err := s.client.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&response))
	return response
}

func (s *E2ETestSuite) allowed(t *testing.T, domainName string) bool {
	t.Helper()
	status, response := s.post(t, "/v1/check", map[string]interface{}{"domain": domainName})
	require.Equal(t, http.StatusOK, status)
	return response["decision"].(map[string]interface{})["allowed"].(bool)
}

func TestE2E_CheckExhaustionAndRefill(t *testing.T) {
	suite := setupE2ETest(t)

	t.Run("Should allow the burst and deny the next request", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			assert.True(t, suite.allowed(t, "slow.example.com"), "request %d", i+1)
		}

		_, response := suite.post(t, "/v1/check", map[string]interface{}{"domain": "slow.example.com"})
		decision := response["decision"].(map[string]interface{})
		assert.Equal(t, false, decision["allowed"])
		assert.Equal(t, domain.ReasonRateLimited, decision["reason"])
		assert.Equal(t, float64(1000), decision["waitTimeMs"])
	})

	t.Run("Should allow again after the refill interval", func(t *testing.T) {
		suite.clock.Advance(time.Second)
		assert.True(t, suite.allowed(t, "slow.example.com"))
	})

	t.Run("Should keep domains isolated", func(t *testing.T) {
		assert.True(t, suite.allowed(t, "fast.example.com"))
	})
}

func TestE2E_CircuitBreakerAndReset(t *testing.T) {
	suite := setupE2ETest(t)

	t.Run("Should open the circuit after repeated failures", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			status, _ := suite.post(t, "/v1/report", map[string]interface{}{
				"url":            "https://flaky.example.com/items",
				"statusCode":     503,
				"responseTimeMs": 200,
			})
			require.Equal(t, http.StatusAccepted, status)
		}

		stats := suite.get(t, "/v1/domains/flaky.example.com/stats")
		assert.Equal(t, "open", stats["circuitBreakerState"])
		assert.Equal(t, float64(0), stats["successRate"])

		_, response := suite.post(t, "/v1/check", map[string]interface{}{"domain": "flaky.example.com"})
		assert.Equal(t, domain.ReasonCircuitOpen, response["decision"].(map[string]interface{})["reason"])
	})

	t.Run("Should close the circuit after an admin reset", func(t *testing.T) {
		status, response := suite.post(t, "/admin/reset", map[string]interface{}{"domain": "flaky.example.com"})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "success", response["status"])

		assert.True(t, suite.allowed(t, "flaky.example.com"))
		stats := suite.get(t, "/v1/domains/flaky.example.com/stats")
		assert.Equal(t, "closed", stats["circuitBreakerState"])
	})

	t.Run("Should list the active domains", func(t *testing.T) {
		response := suite.get(t, "/v1/domains")
		assert.Equal(t, float64(1), response["count"])
	})
}

func TestE2E_AdminConfig(t *testing.T) {
	suite := setupE2ETest(t)

	override := suite.get(t, "/admin/config?domain=FAST.example.com")["config"].(map[string]interface{})
	defaults := suite.get(t, "/admin/config?domain=other.example.com")["config"].(map[string]interface{})

	assert.Equal(t, float64(100), override["requestsPerSecond"])
	assert.Equal(t, float64(20), override["burstSize"])
	assert.Equal(t, float64(1), defaults["requestsPerSecond"])
	assert.Equal(t, float64(3), defaults["burstSize"])
}

func TestE2E_Concurrency(t *testing.T) {
	suite := setupE2ETest(t)

	const requests = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]interface{}{"domain": "fast.example.com"})
			resp, err := suite.client.Post(suite.server.URL+"/v1/check", "application/json", bytes.NewReader(payload))
			if err != nil {
				return
			}
			defer resp.Body.Close()

			var response struct {
				Decision domain.RateLimitDecision `json:"decision"`
			}
			if json.NewDecoder(resp.Body).Decode(&response) == nil && response.Decision.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Relógio parado: nenhum token é reposto durante o teste
	assert.Equal(t, 20, granted)
}
