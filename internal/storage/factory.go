package storage

import (
	"fmt"
	"strings"
	"time"

	"domain-limiter/internal/domain"
)

// StorageType define os tipos de contabilidade de tokens disponíveis
type StorageType string

const (
	RedisStorageType  StorageType = "redis"
	MemoryStorageType StorageType = "memory"
)

// StorageConfig contém configurações para criação de storage
type StorageConfig struct {
	Type        StorageType
	RedisConfig *RedisConfig
}

// RedisConfig contém configurações específicas do Redis
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
}

// StorageFactory cria o registro de domínios e o backend de tokens
type StorageFactory struct{}

// NewStorageFactory cria uma nova instância da factory
func NewStorageFactory() *StorageFactory {
	return &StorageFactory{}
}

// CreateRegistry cria o registro em memória de estado por domínio
func (f *StorageFactory) CreateRegistry(clock domain.Clock, idleTTL time.Duration, logger domain.Logger) *MemoryStorage {
	return NewMemoryStorage(clock, idleTTL, logger)
}

// CreateTokenStore cria o backend de tokens baseado na configuração.
// Para o tipo memory retorna nil: cada domínio usa o próprio bucket local.
func (f *StorageFactory) CreateTokenStore(config *StorageConfig, logger domain.Logger) (domain.TokenStore, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	switch StorageType(strings.ToLower(string(config.Type))) {
	case RedisStorageType:
		return f.createRedisStorage(config.RedisConfig, logger)
	default:
		if logger != nil {
			logger.Info("Using local token accounting", nil)
		}
		return nil, nil
	}
}

// createRedisStorage cria uma instância de Redis storage
func (f *StorageFactory) createRedisStorage(config *RedisConfig, logger domain.Logger) (domain.TokenStore, error) {
	storage, err := NewRedisStorage(config.Host, config.Port, config.Password, config.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis storage: %w", err)
	}

	if logger != nil {
		logger.Info("Redis storage created successfully", map[string]interface{}{
			"host":     config.Host,
			"port":     config.Port,
			"database": config.Database,
		})
	}

	return storage, nil
}

// GetSupportedTypes retorna os tipos de storage suportados
func (f *StorageFactory) GetSupportedTypes() []StorageType {
	return []StorageType{RedisStorageType, MemoryStorageType}
}

// ValidateConfig valida uma configuração de storage
func (f *StorageFactory) ValidateConfig(config *StorageConfig) error {
	if config == nil {
		return fmt.Errorf("storage config cannot be nil")
	}

	switch StorageType(strings.ToLower(string(config.Type))) {
	case RedisStorageType:
		return f.validateRedisConfig(config.RedisConfig)
	case MemoryStorageType:
		// Contabilidade local não precisa de configurações específicas
		return nil
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// validateRedisConfig valida configuração do Redis
func (f *StorageFactory) validateRedisConfig(config *RedisConfig) error {
	if config == nil {
		return fmt.Errorf("Redis config cannot be nil")
	}

	if config.Host == "" {
		return fmt.Errorf("Redis host cannot be empty")
	}

	if config.Port == "" {
		return fmt.Errorf("Redis port cannot be empty")
	}

	if config.Database < 0 || config.Database > 15 {
		return fmt.Errorf("Redis database must be between 0 and 15, got: %d", config.Database)
	}

	return nil
}

// BuildStorageConfig constrói a configuração de storage a partir da flag useRedis
func BuildStorageConfig(useRedis bool, redisHost, redisPort, redisPassword string, redisDB int) *StorageConfig {
	if !useRedis {
		return &StorageConfig{Type: MemoryStorageType}
	}

	return &StorageConfig{
		Type: RedisStorageType,
		RedisConfig: &RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: redisPassword,
			Database: redisDB,
		},
	}
}
