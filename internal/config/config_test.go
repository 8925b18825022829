package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domain-limiter/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigLoader_LoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		expectError bool
		check       func(t *testing.T, cfg *domain.LimiterConfig, server *Config)
	}{
		{
			name:    "Should load default values",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *domain.LimiterConfig, server *Config) {
				defaults := domain.DefaultLimiterConfig()
				assert.Equal(t, defaults.RequestsPerSecond, cfg.RequestsPerSecond)
				assert.Equal(t, defaults.BurstSize, cfg.BurstSize)
				assert.Equal(t, defaults.CircuitBreakerTimeout, cfg.CircuitBreakerTimeout)
				assert.True(t, cfg.AdaptiveThrottling)
				assert.False(t, cfg.UseRedis)
				assert.Equal(t, "8080", server.ServerPort)
				assert.Equal(t, "localhost", server.RedisHost)
			},
		},
		{
			name: "Should load custom values",
			envVars: map[string]string{
				"RATE_LIMIT_RPS":            "10.5",
				"RATE_LIMIT_BURST":          "20",
				"ADAPTIVE_THROTTLING":       "false",
				"CIRCUIT_BREAKER_THRESHOLD": "3",
				"CIRCUIT_BREAKER_TIMEOUT":   "30s",
				"INITIAL_BACKOFF":           "500",
				"MAX_BACKOFF":               "10s",
				"JITTER_ENABLED":            "false",
				"USER_AGENT_STRATEGY":       "WEIGHTED_RANDOM",
				"QUEUE_MAX_SIZE":            "7",
				"USE_REDIS":                 "true",
				"REDIS_HOST":                "redis",
				"REDIS_DB":                  "3",
				"SERVER_PORT":               "9090",
			},
			check: func(t *testing.T, cfg *domain.LimiterConfig, server *Config) {
				assert.Equal(t, 10.5, cfg.RequestsPerSecond)
				assert.Equal(t, 20, cfg.BurstSize)
				assert.False(t, cfg.AdaptiveThrottling)
				assert.Equal(t, 3, cfg.CircuitBreakerThreshold)
				assert.Equal(t, 30*time.Second, cfg.CircuitBreakerTimeout)
				assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
				assert.Equal(t, 10*time.Second, cfg.MaxBackoff)
				assert.False(t, cfg.JitterEnabled)
				assert.Equal(t, domain.UserAgentWeightedRandom, cfg.UserAgentStrategy)
				assert.Equal(t, 7, cfg.MaxQueueSize)
				assert.True(t, cfg.UseRedis)
				assert.Equal(t, "redis", server.RedisHost)
				assert.Equal(t, 3, server.RedisDB)
				assert.Equal(t, "9090", server.ServerPort)
			},
		},
		{
			name:        "Should fail on zero rate",
			envVars:     map[string]string{"RATE_LIMIT_RPS": "0"},
			expectError: true,
		},
		{
			name:        "Should fail on malformed integer",
			envVars:     map[string]string{"RATE_LIMIT_BURST": "many"},
			expectError: true,
		},
		{
			name:        "Should fail on malformed duration",
			envVars:     map[string]string{"CIRCUIT_BREAKER_TIMEOUT": "soon"},
			expectError: true,
		},
		{
			name:        "Should fail on malformed boolean",
			envVars:     map[string]string{"USE_REDIS": "maybe"},
			expectError: true,
		},
		{
			name:        "Should fail on invalid Redis database",
			envVars:     map[string]string{"REDIS_DB": "16"},
			expectError: true,
		},
		{
			name:        "Should fail on unknown user agent strategy",
			envVars:     map[string]string{"USER_AGENT_STRATEGY": "sticky"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}
			loader := NewConfigLoader()

			// Act
			cfg, err := loader.LoadConfig()

			// Assert
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			tt.check(t, cfg, loader.GetConfig())
		})
	}
}

func TestConfigLoader_DomainLimitsFile(t *testing.T) {
	jsonContent := `{
		"domains": {
			"API.Example.com": {"requestsPerSecond": 10, "burstSize": 20, "priority": "high"},
			"slow.example.com": {"requestsPerSecond": 0.5}
		},
		"userAgents": [
			{"value": "agent-a", "weight": 3},
			{"value": "agent-b", "weight": 1}
		]
	}`
	yamlContent := `
domains:
  api.example.com:
    requestsPerSecond: 10
    burstSize: 20
    priority: high
  slow.example.com:
    requestsPerSecond: 0.5
userAgents:
  - value: agent-a
    weight: 3
  - value: agent-b
    weight: 1
`

	tests := []struct {
		name     string
		fileName string
		content  string
	}{
		{name: "Should load JSON file", fileName: "limits.json", content: jsonContent},
		{name: "Should load YAML file", fileName: "limits.yaml", content: yamlContent},
		{name: "Should load YML file", fileName: "limits.yml", content: yamlContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			t.Setenv("RATE_LIMIT_BURST", "5")
			t.Setenv("DOMAIN_LIMITS_FILE", writeFile(t, tt.fileName, tt.content))
			loader := NewConfigLoader()

			// Act
			cfg, err := loader.LoadConfig()

			// Assert
			require.NoError(t, err)
			api := cfg.Resolve("api.example.com")
			assert.Equal(t, 10.0, api.RequestsPerSecond)
			assert.Equal(t, 20, api.BurstSize)
			assert.Equal(t, domain.PriorityHigh, api.Priority)

			slow := cfg.Resolve("slow.example.com")
			assert.Equal(t, 0.5, slow.RequestsPerSecond)
			assert.Equal(t, 5, slow.BurstSize)
			assert.Equal(t, domain.PriorityNormal, slow.Priority)

			assert.Equal(t, []string{"agent-a", "agent-b"}, cfg.UserAgents)
			assert.Equal(t, []float64{3, 1}, cfg.UserAgentWeights)
		})
	}
}

func TestConfigLoader_MissingDomainLimitsFile(t *testing.T) {
	t.Setenv("DOMAIN_LIMITS_FILE", filepath.Join(t.TempDir(), "missing.json"))
	loader := NewConfigLoader()

	cfg, err := loader.LoadConfig()

	require.NoError(t, err)
	assert.Empty(t, cfg.DomainLimits)
	assert.NotEmpty(t, loader.Warnings())
}

func TestParseDomainLimits(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		content     string
		expectError bool
	}{
		{
			name:    "Should accept unweighted user agents",
			path:    "limits.json",
			content: `{"domains": {}, "userAgents": [{"value": "agent"}]}`,
		},
		{
			name:        "Should reject unsupported extension",
			path:        "limits.toml",
			content:     `domains = {}`,
			expectError: true,
		},
		{
			name:        "Should reject malformed JSON",
			path:        "limits.json",
			content:     `{"domains":`,
			expectError: true,
		},
		{
			name:        "Should reject non positive rate",
			path:        "limits.json",
			content:     `{"domains": {"a.com": {"requestsPerSecond": 0}}}`,
			expectError: true,
		},
		{
			name:        "Should reject empty user agent",
			path:        "limits.yaml",
			content:     "userAgents:\n  - value: \"\"\n",
			expectError: true,
		},
		{
			name:        "Should reject negative weight",
			path:        "limits.yaml",
			content:     "userAgents:\n  - value: agent\n    weight: -1\n",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := ParseDomainLimits(tt.path, []byte(tt.content))

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, file)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, file)
		})
	}
}

func TestApplyDomainLimits_UnweightedAgents(t *testing.T) {
	limiter := domain.DefaultLimiterConfig()

	applyDomainLimits(&limiter, &domain.DomainLimitsFile{
		UserAgents: []domain.UserAgentEntry{{Value: "a"}, {Value: "b"}},
	})

	assert.Equal(t, []string{"a", "b"}, limiter.UserAgents)
	assert.Nil(t, limiter.UserAgentWeights)
}

func TestConfigLoader_Reload(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "4")
	loader := NewConfigLoader()
	_, err := loader.LoadConfig()
	require.NoError(t, err)

	t.Setenv("RATE_LIMIT_RPS", "8")
	require.NoError(t, loader.Reload())

	assert.Equal(t, 8.0, loader.GetConfig().Limiter.RequestsPerSecond)
}
