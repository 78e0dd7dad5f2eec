// Package vectorindex 定义向量索引后端的统一接口。
// Elasticsearch、pgvector 与内存实现都满足 Client。
package vectorindex

import (
	"context"
	"fmt"
)

// IndexSpec 描述需要确保存在的索引。
type IndexSpec struct {
	Name       string
	Dimensions int
	Metric     string
}

// Record 是一条待写入的索引记录。Fields 是扁平的可过滤元数据，包含分块正文。
type Record struct {
	ID     string
	Vector []float32
	Fields map[string]interface{}
}

// Filter 是字段等值条件，多个键之间为 AND 关系。
type Filter map[string]interface{}

// Matches 判断一组字段是否满足过滤条件。值按字符串形式比较，兼容不同后端的数值解码。
func (f Filter) Matches(fields map[string]interface{}) bool {
	for k, want := range f {
		got, ok := fields[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Merge 返回 base 与 override 的并集，键冲突时 override 优先。两者都不会被修改。
func Merge(base, override Filter) Filter {
	out := make(Filter, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Query 是一次相似度查询。
type Query struct {
	Vector []float32
	TopK   int
	Filter Filter
}

// Match 是一次查询返回的记录，Score 越大越相似。
type Match struct {
	ID     string
	Score  float64
	Fields map[string]interface{}
}

// Client 是向量索引厂商接口。
type Client interface {
	// EnsureIndex 在索引不存在时创建它，已存在时直接返回。
	EnsureIndex(ctx context.Context, spec IndexSpec) error
	// Ready 报告索引是否可以接受读写。
	Ready(ctx context.Context) (bool, error)
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, q Query) ([]Match, error)
	DeleteMany(ctx context.Context, ids []string) error
}

// FilterDeleter 由支持按条件删除的后端实现，返回删除的记录数。
type FilterDeleter interface {
	DeleteByFilter(ctx context.Context, filter Filter) (int, error)
}
