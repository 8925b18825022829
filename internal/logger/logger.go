package logger

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"domain-limiter/internal/domain"
)

// StructuredLogger implementa a interface domain.Logger
type StructuredLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// contextKey define chaves para contexto
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	ClientIPKey  contextKey = "client_ip"
	DomainKey    contextKey = "domain"
	UserAgentKey contextKey = "user_agent"
)

// NewLogger cria uma nova instância do logger estruturado
func NewLogger(level, format string) domain.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &StructuredLogger{
		logger: logger,
		fields: make(logrus.Fields),
	}
}

// Debug registra uma mensagem de debug
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields)
}

// Info registra uma mensagem informativa
func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields)
}

// Warn registra uma mensagem de warning
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields)
}

// Error registra uma mensagem de erro
func (l *StructuredLogger) Error(msg string, err error, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	l.logWithFields(logrus.ErrorLevel, msg, merged)
}

// WithContext cria um novo logger com os dados da requisição presentes no contexto
func (l *StructuredLogger) WithContext(ctx context.Context) domain.Logger {
	merged := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range extractContextFields(ctx) {
		merged[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: merged,
	}
}

// WithFields cria um novo logger com campos específicos
func (l *StructuredLogger) WithFields(fields map[string]interface{}) domain.Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: merged,
	}
}

// LogDecisionEvent registra o resultado de uma verificação de admissão
func (l *StructuredLogger) LogDecisionEvent(domainName string, decision domain.RateLimitDecision, fields map[string]interface{}) {
	merged := map[string]interface{}{
		"event_type":       "rate_limit_check",
		"domain":           domainName,
		"allowed":          decision.Allowed,
		"wait_time_ms":     decision.WaitTimeMs,
		"tokens_remaining": decision.TokensRemaining,
	}
	if decision.Reason != "" {
		merged["reason"] = decision.Reason
	}
	if decision.Queued {
		merged["queued"] = true
	}
	for k, v := range fields {
		merged[k] = v
	}

	if decision.Allowed {
		l.Debug("Rate limit check passed", merged)
	} else {
		l.Info("Rate limit check denied", merged)
	}
}

// LogConfigEvent registra eventos de configuração
func (l *StructuredLogger) LogConfigEvent(eventType string, details map[string]interface{}) {
	merged := map[string]interface{}{"event_type": eventType}
	for k, v := range details {
		merged[k] = v
	}
	l.Info("Configuration event", merged)
}

func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields map[string]interface{}) {
	all := make(logrus.Fields, len(l.fields)+len(fields)+2)
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}

	all["component"] = "domain_rate_limiter"
	if version := os.Getenv("APP_VERSION"); version != "" {
		all["version"] = version
	}

	l.logger.WithFields(all).Log(level, msg)
}

// extractContextFields extrai campos relevantes do contexto
func extractContextFields(ctx context.Context) logrus.Fields {
	fields := make(logrus.Fields)
	if ctx == nil {
		return fields
	}

	for _, key := range []contextKey{RequestIDKey, ClientIPKey, DomainKey, UserAgentKey} {
		if value, ok := ctx.Value(key).(string); ok && value != "" {
			fields[string(key)] = value
		}
	}
	return fields
}

// ContextWithRequestInfo adiciona informações da requisição ao contexto
func ContextWithRequestInfo(ctx context.Context, requestID, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	ctx = context.WithValue(ctx, ClientIPKey, clientIP)
	ctx = context.WithValue(ctx, UserAgentKey, userAgent)
	return ctx
}

// ContextWithDomain adiciona o domínio alvo ao contexto
func ContextWithDomain(ctx context.Context, domainName string) context.Context {
	return context.WithValue(ctx, DomainKey, domainName)
}

// GetRequestID extrai o request ID do contexto
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
