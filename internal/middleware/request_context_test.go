package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"domain-limiter/internal/domain"
	"domain-limiter/internal/logger"
)

// MockLogger é um mock do Logger para testes
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Info(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Warn(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Error(msg string, err error, fields map[string]interface{}) {
	m.Called(msg, err, fields)
}

func (m *MockLogger) WithContext(ctx context.Context) domain.Logger {
	args := m.Called(ctx)
	return args.Get(0).(domain.Logger)
}

func (m *MockLogger) WithFields(fields map[string]interface{}) domain.Logger {
	return m
}

// setupTestRouter cria um router Gin para testes
func setupTestRouter(middleware gin.HandlerFunc, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/test", handler)
	return router
}

func TestRequestContextMiddleware_RequestID(t *testing.T) {
	t.Run("Should generate a request ID when none is sent", func(t *testing.T) {
		// Arrange
		mockLogger := new(MockLogger)
		mockLogger.On("WithContext", mock.Anything).Return(mockLogger)
		mockLogger.On("Debug", mock.AnythingOfType("string"), mock.Anything).Maybe()

		var seen string
		router := setupTestRouter(NewRequestContextMiddleware(mockLogger), func(c *gin.Context) {
			seen = logger.GetRequestID(c.Request.Context())
			c.Status(http.StatusOK)
		})

		// Act
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		// Assert
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
		assert.Equal(t, w.Header().Get(RequestIDHeader), seen)
	})

	t.Run("Should propagate the incoming request ID", func(t *testing.T) {
		// Arrange
		mockLogger := new(MockLogger)
		mockLogger.On("WithContext", mock.Anything).Return(mockLogger)
		mockLogger.On("Debug", mock.AnythingOfType("string"), mock.Anything).Maybe()

		var seen string
		router := setupTestRouter(NewRequestContextMiddleware(mockLogger), func(c *gin.Context) {
			seen = logger.GetRequestID(c.Request.Context())
			c.Status(http.StatusOK)
		})

		// Act
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		// Assert
		assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
		assert.Equal(t, "req-123", seen)
	})

	t.Run("Should work without a logger", func(t *testing.T) {
		router := setupTestRouter(NewRequestContextMiddleware(nil), func(c *gin.Context) {
			assert.Nil(t, GetLogger(c, nil))
			c.Status(http.StatusNoContent)
		})

		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	})
}

func TestRequestContextMiddleware_Logging(t *testing.T) {
	// Arrange
	mockLogger := new(MockLogger)
	mockLogger.On("WithContext", mock.Anything).Return(mockLogger).Once()
	mockLogger.On("Debug", "HTTP request completed", mock.MatchedBy(func(fields map[string]interface{}) bool {
		return fields["status"] == http.StatusCreated && fields["path"] == "/test" && fields["method"] == "GET"
	})).Once()

	var reqLogger domain.Logger
	router := setupTestRouter(NewRequestContextMiddleware(mockLogger), func(c *gin.Context) {
		reqLogger = GetLogger(c, nil)
		c.Status(http.StatusCreated)
	})

	// Act
	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Same(t, mockLogger, reqLogger)
	mockLogger.AssertExpectations(t)
}

func TestGetLogger_Fallback(t *testing.T) {
	// Arrange
	fallback := new(MockLogger)
	fallback.On("WithContext", mock.Anything).Return(fallback).Once()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	var got domain.Logger
	router.GET("/test", func(c *gin.Context) {
		got = GetLogger(c, fallback)
		c.Status(http.StatusOK)
	})

	// Act
	req := httptest.NewRequest("GET", "/test", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	// Assert
	assert.Same(t, fallback, got)
	fallback.AssertExpectations(t)
}

func TestRequestContextMiddleware_IPExtraction(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{
			name: "Should extract IP from X-Forwarded-For",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.1, 70.41.3.18, 150.172.238.178",
			},
			expectedIP: "203.0.113.1",
		},
		{
			name: "Should extract IP from X-Real-IP",
			headers: map[string]string{
				"X-Real-IP": "203.0.113.2",
			},
			expectedIP: "203.0.113.2",
		},
		{
			name:       "Should fallback to RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.100:12345",
			expectedIP: "192.168.1.100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			var fromHelper, fromContext string
			router := setupTestRouter(NewRequestContextMiddleware(nil), func(c *gin.Context) {
				fromHelper = GetClientIP(c)
				if v, ok := c.Request.Context().Value(logger.ClientIPKey).(string); ok {
					fromContext = v
				}
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/test", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.remoteAddr != "" {
				req.RemoteAddr = tt.remoteAddr
			}

			// Act
			router.ServeHTTP(httptest.NewRecorder(), req)

			// Assert
			assert.Equal(t, tt.expectedIP, fromHelper)
			assert.Equal(t, tt.expectedIP, fromContext)
		})
	}
}
