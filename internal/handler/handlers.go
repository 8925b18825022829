package handler

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"domain-limiter/internal/domain"
	"domain-limiter/internal/integration"
	"domain-limiter/internal/logger"
	"domain-limiter/internal/middleware"
)

// storageStatsProvider é implementado pelo serviço concreto
type storageStatsProvider interface {
	StorageStats() map[string]interface{}
}

// Handlers contém os handlers da API
type Handlers struct {
	service   domain.RateLimiterService
	logger    domain.Logger
	startTime time.Time
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(service domain.RateLimiterService, log domain.Logger) *Handlers {
	if log == nil {
		log = logger.NewLogger("info", "json")
	}

	return &Handlers{
		service:   service,
		logger:    log,
		startTime: time.Now(),
	}
}

// SetupRoutes configura as rotas da API
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.Use(middleware.NewRequestContextMiddleware(h.logger))

	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", h.MetricsHandler)

	v1 := router.Group("/v1")
	{
		v1.POST("/check", h.CheckHandler)
		v1.POST("/report", h.ReportHandler)
		v1.GET("/domains", h.ListDomainsHandler)
		v1.GET("/domains/:domain/stats", h.DomainStatsHandler)
		v1.POST("/domains/:domain/queue/process", h.ProcessQueueHandler)
	}

	admin := router.Group("/admin")
	{
		admin.GET("/config", h.AdminConfigHandler)
		admin.POST("/reset", h.AdminResetHandler)
	}
}

// HealthHandler verifica o backend de tokens
func (h *Handlers) HealthHandler(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"service":   "Domain Rate Limiter",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	}

	if h.service != nil {
		if err := h.service.Health(c.Request.Context()); err != nil {
			h.log(c).Error("Health check failed", err, nil)
			response["status"] = "unhealthy"
			response["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
	}

	c.JSON(http.StatusOK, response)
}

// MetricsHandler implementa endpoint de métricas do sistema e do limiter
func (h *Handlers) MetricsHandler(c *gin.Context) {
	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := gin.H{
		"service":        "Domain Rate Limiter",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"system": gin.H{
			"go_version":   runtime.Version(),
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": formatBytes(m.Alloc),
			"memory_total": formatBytes(m.TotalAlloc),
			"memory_sys":   formatBytes(m.Sys),
			"gc_runs":      m.NumGC,
		},
	}

	if h.service != nil {
		var total, denied int64
		var queued, open int
		stats := h.service.GetAllStatistics()
		for _, s := range stats {
			total += s.TotalRequests
			denied += s.TotalDenied
			queued += s.QueueLength
			if s.CircuitBreakerState != domain.CircuitClosed {
				open++
			}
		}
		response["limiter"] = gin.H{
			"domains":             len(stats),
			"total_requests":      total,
			"total_denied":        denied,
			"queued":              queued,
			"circuits_not_closed": open,
		}

		if provider, ok := h.service.(storageStatsProvider); ok {
			response["storage"] = provider.StorageStats()
		}
	}

	c.JSON(http.StatusOK, response)
}

// CheckRequest representa o corpo de POST /v1/check
type CheckRequest struct {
	Domain     string `json:"domain"`
	URL        string `json:"url"`
	Priority   string `json:"priority"`
	RetryCount int    `json:"retryCount"`
	Wait       bool   `json:"wait"`
}

// CheckHandler executa a verificação de admissão de um domínio.
// Requisições enfileiradas sem wait desistem da fila e retornam a negação.
func (h *Handlers) CheckHandler(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body: "+err.Error())
		return
	}

	name, ok := h.resolveDomain(c, req.Domain, req.URL)
	if !ok {
		return
	}

	priority := domain.Priority(strings.ToLower(strings.TrimSpace(req.Priority)))
	if priority != "" && !priority.Valid() {
		validationError(c, "priority must be 'low', 'normal' or 'high'")
		return
	}
	if req.RetryCount < 0 {
		validationError(c, "retryCount must not be negative")
		return
	}

	ctx := logger.ContextWithDomain(c.Request.Context(), name)
	decision := h.service.CheckRateLimit(ctx, name, domain.CheckOptions{
		Priority:   priority,
		RetryCount: req.RetryCount,
	})

	if decision.Queued && decision.Ticket != nil {
		if !req.Wait && decision.Ticket.Cancel() {
			decision.Queued = false
			decision.Reason = domain.ReasonRateLimited
		} else {
			// Ticket já resolvido retorna na hora
			decision = decision.Wait(ctx)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"domain":   name,
		"decision": decision,
	})
}

// ReportRequest representa o corpo de POST /v1/report
type ReportRequest struct {
	Domain         string `json:"domain"`
	URL            string `json:"url"`
	StatusCode     int    `json:"statusCode"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Success        *bool  `json:"success"`
	RetryCount     int    `json:"retryCount"`
}

// ReportHandler registra o resultado de uma requisição já executada
func (h *Handlers) ReportHandler(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body: "+err.Error())
		return
	}

	name, ok := h.resolveDomain(c, req.Domain, req.URL)
	if !ok {
		return
	}
	if req.ResponseTimeMs < 0 {
		validationError(c, "responseTimeMs must not be negative")
		return
	}

	success := req.StatusCode > 0 && req.StatusCode < 400
	if req.Success != nil {
		success = *req.Success
	}

	h.service.ReportRequestResult(logger.ContextWithDomain(c.Request.Context(), name), domain.RequestOutcome{
		Domain:         name,
		StatusCode:     req.StatusCode,
		ResponseTimeMs: req.ResponseTimeMs,
		Success:        success,
		RetryCount:     req.RetryCount,
	})

	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"domain": name,
	})
}

// ListDomainsHandler lista as estatísticas de todos os domínios ativos
func (h *Handlers) ListDomainsHandler(c *gin.Context) {
	stats := h.service.GetAllStatistics()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(stats),
		"domains": stats,
	})
}

// DomainStatsHandler retorna as estatísticas de um domínio
func (h *Handlers) DomainStatsHandler(c *gin.Context) {
	name := strings.TrimSpace(c.Param("domain"))
	if name == "" {
		validationError(c, "domain parameter is required")
		return
	}

	c.JSON(http.StatusOK, h.service.GetStatistics(name))
}

// ProcessQueueHandler libera as requisições enfileiradas que o bucket comporta
func (h *Handlers) ProcessQueueHandler(c *gin.Context) {
	name := strings.TrimSpace(c.Param("domain"))
	if name == "" {
		validationError(c, "domain parameter is required")
		return
	}

	granted := h.service.ProcessQueue(c.Request.Context(), name)
	if granted == nil {
		granted = []domain.QueueEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"domain":  strings.ToLower(name),
		"granted": granted,
		"count":   len(granted),
	})
}

// AdminConfigHandler retorna a configuração efetiva de um domínio (ou a padrão)
func (h *Handlers) AdminConfigHandler(c *gin.Context) {
	name := strings.TrimSpace(c.Query("domain"))

	c.JSON(http.StatusOK, gin.H{
		"domain": strings.ToLower(name),
		"config": h.service.ResolveConfig(name),
	})
}

// AdminResetRequest representa o corpo da requisição para reset
type AdminResetRequest struct {
	Domain string `json:"domain"`
}

// AdminResetHandler limpa o estado de um domínio; sem domínio limpa todos
func (h *Handlers) AdminResetHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req AdminResetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validationError(c, "Invalid request body: "+err.Error())
			return
		}
	}
	req.Domain = strings.ToLower(strings.TrimSpace(req.Domain))

	log := h.log(c)
	log.Info("Admin reset endpoint accessed", map[string]interface{}{
		"domain": req.Domain,
	})

	var err error
	if req.Domain == "" {
		err = h.service.ResetAll(ctx)
	} else {
		err = h.service.Reset(ctx, req.Domain)
	}
	if err != nil {
		log.Error("Failed to reset rate limiter", err, map[string]interface{}{
			"domain": req.Domain,
		})

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to reset rate limiter",
		})
		return
	}

	scope := req.Domain
	if scope == "" {
		scope = "all"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"message":   "Rate limiter reset successfully",
		"domain":    scope,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// resolveDomain usa o domínio explícito ou extrai da URL; responde 400 quando não houver nenhum
func (h *Handlers) resolveDomain(c *gin.Context, name, rawURL string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" {
		return name, true
	}

	if strings.TrimSpace(rawURL) == "" {
		validationError(c, "domain or url is required")
		return "", false
	}

	name, err := integration.DomainFromURL(rawURL)
	if err != nil {
		validationError(c, err.Error())
		return "", false
	}
	return name, true
}

// log retorna o logger da requisição
func (h *Handlers) log(c *gin.Context) domain.Logger {
	return middleware.GetLogger(c, h.logger)
}

func validationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": message,
	})
}

// formatBytes formata bytes em formato legível
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "B"
}
