package storage

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"domain-limiter/internal/domain"
)

// takeScript reabastece e consome um token de forma atômica
// O estado fica em um hash (tokens, ts); o horário vem do chamador
var takeScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'ts')
	local tokens = tonumber(state[1])
	local ts = tonumber(state[2])
	if tokens == nil or ts == nil then
		tokens = capacity
		ts = now
	end

	-- Refill contínuo limitado à capacidade
	local elapsed = math.max(0, now - ts) / 1000
	tokens = math.min(capacity, tokens + elapsed * rate)

	local allowed = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	end

	redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(math.max(now, ts)))
	redis.call('PEXPIRE', key, ttl)

	return {allowed, tostring(tokens)}
`)

// RedisStorage implementa domain.TokenStore usando Redis
// Consistência entre processos é best-effort: cada processo usa o próprio relógio e a própria taxa adaptativa
type RedisStorage struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisStorage cria uma nova instância do RedisStorage
func NewRedisStorage(host, port, password string, db int, logger domain.Logger) (*RedisStorage, error) {
	// Configura cliente Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		// Operações curtas: o limiter não pode travar o caminho da requisição
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolTimeout:  time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	// Testa a conexão
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Info("Redis connection established", map[string]interface{}{
			"host": host,
			"port": port,
			"db":   db,
		})
	}

	return NewRedisStorageWithClient(rdb, logger), nil
}

// NewRedisStorageWithClient cria o storage sobre um cliente já configurado
func NewRedisStorageWithClient(client redis.Cmdable, logger domain.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		logger: logger,
	}
}

// Take reabastece o bucket da chave e tenta consumir um token
func (r *RedisStorage) Take(ctx context.Context, key string, capacity int, ratePerSec float64, now time.Time) (domain.TokenResult, error) {
	start := time.Now()

	if capacity <= 0 || ratePerSec <= 0 {
		err := fmt.Errorf("invalid bucket parameters for key %s", key)
		r.logStorageOperation("TAKE", key, false, time.Since(start).Seconds()*1000, err)
		return domain.TokenResult{}, err
	}

	result, err := takeScript.Run(ctx, r.client, []string{key}, capacity, ratePerSec, now.UnixMilli(), bucketTTL(capacity, ratePerSec).Milliseconds()).Result()
	if err != nil {
		r.logStorageOperation("TAKE", key, false, time.Since(start).Seconds()*1000, err)
		return domain.TokenResult{}, fmt.Errorf("failed to take token for key %s: %w", key, err)
	}

	// Parse do resultado
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		err := fmt.Errorf("invalid take result for key %s", key)
		r.logStorageOperation("TAKE", key, false, time.Since(start).Seconds()*1000, err)
		return domain.TokenResult{}, err
	}

	allowed, err := strconv.Atoi(fmt.Sprint(resultSlice[0]))
	if err != nil {
		r.logStorageOperation("TAKE", key, false, time.Since(start).Seconds()*1000, err)
		return domain.TokenResult{}, fmt.Errorf("invalid allowed flag in result for key %s: %w", key, err)
	}

	tokens, err := strconv.ParseFloat(fmt.Sprint(resultSlice[1]), 64)
	if err != nil {
		r.logStorageOperation("TAKE", key, false, time.Since(start).Seconds()*1000, err)
		return domain.TokenResult{}, fmt.Errorf("invalid tokens in result for key %s: %w", key, err)
	}

	r.logStorageOperation("TAKE", key, true, time.Since(start).Seconds()*1000, nil)
	return domain.TokenResult{Granted: allowed == 1, Tokens: tokens}, nil
}

// Reset limpa os dados de uma chave
func (r *RedisStorage) Reset(ctx context.Context, key string) error {
	start := time.Now()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logStorageOperation("RESET", key, false, time.Since(start).Seconds()*1000, err)
		return fmt.Errorf("failed to reset key %s: %w", key, err)
	}

	r.logStorageOperation("RESET", key, true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Health verifica se o storage está saudável
func (r *RedisStorage) Health(ctx context.Context) error {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logStorageOperation("HEALTH", "ping", false, time.Since(start).Seconds()*1000, err)
		return fmt.Errorf("Redis health check failed: %w", err)
	}

	r.logStorageOperation("HEALTH", "ping", true, time.Since(start).Seconds()*1000, nil)
	return nil
}

// Close fecha a conexão com o storage
func (r *RedisStorage) Close() error {
	if client, ok := r.client.(*redis.Client); ok {
		if err := client.Close(); err != nil {
			if r.logger != nil {
				r.logger.Error("Failed to close Redis connection", err, nil)
			}
			return err
		}
		if r.logger != nil {
			r.logger.Info("Redis connection closed", nil)
		}
	}
	return nil
}

// logStorageOperation registra operações de storage
func (r *RedisStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	if r.logger != nil {
		if success {
			r.logger.Debug("Storage operation completed", map[string]interface{}{
				"operation": operation,
				"key":       key,
				"latency":   latency,
			})
		} else {
			r.logger.Error("Storage operation failed", err, map[string]interface{}{
				"operation": operation,
				"key":       key,
				"latency":   latency,
			})
		}
	}
}

// bucketTTL mantém a chave viva pelo dobro do tempo de refill completo, no mínimo 1s
func bucketTTL(capacity int, ratePerSec float64) time.Duration {
	refill := time.Duration(math.Ceil(float64(capacity)/ratePerSec*1000)) * time.Millisecond
	if ttl := 2 * refill; ttl > time.Second {
		return ttl
	}
	return time.Second
}

// BuildKey constrói chaves padronizadas para Redis
func BuildKey(domainName string) string {
	return fmt.Sprintf("rate_limit:domain:%s", domainName)
}
