package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatbot-rag/pkg/log"
)

const (
	postgresMaxRetries = 10
	postgresRetryDelay = 5 * time.Second
)

// InitPostgres 连接 pgvector 后端使用的 Postgres，启动阶段数据库可能尚未就绪，因此带重试。
func InitPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database.postgres.url is not set")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres url: %w", err)
	}

	var pool *pgxpool.Pool
	for i := 0; i < postgresMaxRetries; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Info("Postgres connected successfully")
				return pool, nil
			}
			pool.Close()
		}

		log.Warnf("Failed to connect to postgres (attempt %d/%d): %v", i+1, postgresMaxRetries, err)
		if i < postgresMaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(postgresRetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", postgresMaxRetries, err)
}
