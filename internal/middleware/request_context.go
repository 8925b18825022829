package middleware

import (
	"net"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"domain-limiter/internal/domain"
	"domain-limiter/internal/logger"
)

const (
	// RequestIDHeader é o header de correlação propagado nas respostas
	RequestIDHeader = "X-Request-ID"

	loggerKey = "request_logger"
)

// RequestContextMiddleware enriquece o contexto da requisição para logging
type RequestContextMiddleware struct {
	logger domain.Logger
}

// NewRequestContextMiddleware cria uma nova instância do middleware
func NewRequestContextMiddleware(logger domain.Logger) gin.HandlerFunc {
	middleware := &RequestContextMiddleware{
		logger: logger,
	}

	return middleware.Handle
}

// Handle propaga o Request ID, guarda o logger da requisição e registra a conclusão
func (m *RequestContextMiddleware) Handle(c *gin.Context) {
	start := time.Now()

	requestID := m.getRequestID(c)
	c.Header(RequestIDHeader, requestID)

	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, extractClientIP(c), c.GetHeader("User-Agent"))
	c.Request = c.Request.WithContext(ctx)

	if m.logger == nil {
		c.Next()
		return
	}

	reqLogger := m.logger.WithContext(ctx)
	c.Set(loggerKey, reqLogger)

	c.Next()

	reqLogger.Debug("HTTP request completed", map[string]interface{}{
		"method":     c.Request.Method,
		"path":       c.FullPath(),
		"status":     c.Writer.Status(),
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// getRequestID reaproveita o header recebido ou gera um novo UUID
func (m *RequestContextMiddleware) getRequestID(c *gin.Context) string {
	if requestID := strings.TrimSpace(c.GetHeader(RequestIDHeader)); requestID != "" {
		return requestID
	}
	return uuid.New().String()
}

// extractClientIP extrai o IP do cliente considerando proxies e load balancers
// Prioridade: X-Forwarded-For > X-Real-IP > RemoteAddr
func extractClientIP(c *gin.Context) string {
	// O primeiro IP do X-Forwarded-For é o cliente original
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if clientIP := strings.TrimSpace(strings.Split(xff, ",")[0]); clientIP != "" {
			return clientIP
		}
	}

	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}
	return c.Request.RemoteAddr
}

// GetClientIP é uma função utilitária exportada para uso externo
func GetClientIP(c *gin.Context) string {
	return extractClientIP(c)
}

// GetLogger retorna o logger da requisição ou fallback quando o middleware não rodou
func GetLogger(c *gin.Context, fallback domain.Logger) domain.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(domain.Logger); ok {
			return l
		}
	}
	if fallback != nil {
		return fallback.WithContext(c.Request.Context())
	}
	return nil
}
