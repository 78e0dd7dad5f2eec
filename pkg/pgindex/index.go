// Package pgindex 是基于 Postgres pgvector 扩展的向量索引实现。
package pgindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"chatbot-rag/pkg/log"
	"chatbot-rag/pkg/vectorindex"
)

// DB 是 Index 依赖的 pgx 方法集，*pgxpool.Pool 满足该接口。
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Index 将记录保存在一张表中：向量列 embedding，其余字段放进 jsonb 列 metadata。
type Index struct {
	db     DB
	table  string
	metric string
}

var (
	_ vectorindex.Client        = (*Index)(nil)
	_ vectorindex.FilterDeleter = (*Index)(nil)
)

// NewIndex 绑定一张表。表在 EnsureIndex 时创建。
func NewIndex(db DB, table string) *Index {
	return &Index{db: db, table: table, metric: "cosine"}
}

func (i *Index) ident() string {
	return pgx.Identifier{i.table}.Sanitize()
}

// opsClass 把距离度量映射到 pgvector 的索引操作符类。
func opsClass(metric string) (string, error) {
	switch metric {
	case "", "cosine":
		return "vector_cosine_ops", nil
	case "l2", "euclidean":
		return "vector_l2_ops", nil
	case "dot_product", "inner_product":
		return "vector_ip_ops", nil
	default:
		return "", fmt.Errorf("unsupported metric %q", metric)
	}
}

// distanceExpr 返回与索引操作符类一致的距离表达式，以及把距离换算成“越大越相似”分数的表达式。
// $1 是查询向量。
func distanceExpr(metric string) (distance, score string, err error) {
	switch metric {
	case "", "cosine":
		return "embedding <=> $1", "1 - (embedding <=> $1)", nil
	case "l2", "euclidean":
		return "embedding <-> $1", "1 / (1 + (embedding <-> $1))", nil
	case "dot_product", "inner_product":
		// <#> 返回负内积
		return "embedding <#> $1", "(embedding <#> $1) * -1", nil
	default:
		return "", "", fmt.Errorf("unsupported metric %q", metric)
	}
}

// schemaStatements 返回建表与建索引语句，全部幂等。
func schemaStatements(table string, spec vectorindex.IndexSpec) ([]string, error) {
	ops, err := opsClass(spec.Metric)
	if err != nil {
		return nil, err
	}
	if spec.Dimensions <= 0 {
		return nil, errors.New("dimensions must be positive")
	}
	ident := pgx.Identifier{table}.Sanitize()
	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)`, ident, spec.Dimensions),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding %s)",
			pgx.Identifier{table + "_embedding_idx"}.Sanitize(), ident, ops),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING gin (metadata jsonb_path_ops)",
			pgx.Identifier{table + "_metadata_idx"}.Sanitize(), ident),
	}, nil
}

func (i *Index) EnsureIndex(ctx context.Context, spec vectorindex.IndexSpec) error {
	if spec.Name != "" {
		i.table = spec.Name
	}
	stmts, err := schemaStatements(i.table, spec)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := i.db.Exec(ctx, stmt); err != nil {
			log.Errorf("[PGIndex] 初始化表 '%s' 失败: %v", i.table, err)
			return fmt.Errorf("failed to prepare pgvector table: %w", err)
		}
	}
	i.metric = spec.Metric
	log.Infof("[PGIndex] 表 '%s' 已就绪, dims: %d, metric: %s", i.table, spec.Dimensions, spec.Metric)
	return nil
}

func (i *Index) Ready(ctx context.Context) (bool, error) {
	var exists bool
	// 表名以带引号的形式创建，to_regclass 也必须收到同样的写法，否则大小写会被折叠
	if err := i.db.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", i.ident()).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (i *Index) Upsert(ctx context.Context, records []vectorindex.Record) error {
	if len(records) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, embedding, metadata) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`, i.ident())

	batch := &pgx.Batch{}
	for _, r := range records {
		meta, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		batch.Queue(sql, r.ID, pgvector.NewVector(r.Vector), string(meta))
	}

	br := i.db.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert vector: %w", err)
		}
	}
	return nil
}

// filterJSON 把等值过滤条件编码为 jsonb 包含查询的参数。
func filterJSON(filter vectorindex.Filter) (string, error) {
	if filter == nil {
		filter = vectorindex.Filter{}
	}
	b, err := json.Marshal(filter)
	return string(b), err
}

// Query 按建索引时的度量排序，使查询能命中 HNSW 索引。
func (i *Index) Query(ctx context.Context, q vectorindex.Query) ([]vectorindex.Match, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	filter, err := filterJSON(q.Filter)
	if err != nil {
		return nil, err
	}
	distance, score, err := distanceExpr(i.metric)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`SELECT id, %s AS score, metadata FROM %s
		WHERE metadata @> $2::jsonb
		ORDER BY %s
		LIMIT $3`, score, i.ident(), distance)
	rows, err := i.db.Query(ctx, sql, pgvector.NewVector(q.Vector), filter, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector query failed: %w", err)
	}
	defer rows.Close()

	matches := make([]vectorindex.Match, 0, topK)
	for rows.Next() {
		var (
			m    vectorindex.Match
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.Score, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &m.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", m.ID, err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (i *Index) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := i.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", i.ident()), ids)
	return err
}

func (i *Index) DeleteByFilter(ctx context.Context, filter vectorindex.Filter) (int, error) {
	if len(filter) == 0 {
		return 0, errors.New("refusing to delete with an empty filter")
	}
	f, err := filterJSON(filter)
	if err != nil {
		return 0, err
	}
	tag, err := i.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE metadata @> $1::jsonb", i.ident()), f)
	if err != nil {
		return 0, err
	}
	log.Infof("[PGIndex] 按条件删除完成, table: %s, deleted: %d", i.table, tag.RowsAffected())
	return int(tag.RowsAffected()), nil
}
