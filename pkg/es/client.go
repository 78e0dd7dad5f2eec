// Package es 提供了基于 Elasticsearch dense_vector 的向量索引实现。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"chatbot-rag/internal/config"
	"chatbot-rag/internal/model"
	"chatbot-rag/pkg/log"
	"chatbot-rag/pkg/vectorindex"
)

// vectorField 是索引文档中存放向量的字段名。
const vectorField = "vector"

// maxCandidates 是 kNN 查询 num_candidates 的上限。
const maxCandidates = 10000

// NewClient 根据配置创建 Elasticsearch 客户端。Addresses 支持逗号分隔多个节点。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	var addrs []string
	for _, a := range strings.Split(esCfg.Addresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	cfg := elasticsearch.Config{
		Addresses: addrs,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// Index 是单个 Elasticsearch 索引上的 vectorindex.Client 实现。
type Index struct {
	client *elasticsearch.Client
	name   string
}

var (
	_ vectorindex.Client        = (*Index)(nil)
	_ vectorindex.FilterDeleter = (*Index)(nil)
)

// NewIndex 绑定一个索引名。索引本身在 EnsureIndex 时才创建。
func NewIndex(client *elasticsearch.Client, name string) *Index {
	return &Index{client: client, name: name}
}

// buildMapping 生成分块索引的 mapping，元数据字段与 model.ChunkMetadata 的 JSON 名保持一致。
func buildMapping(spec vectorindex.IndexSpec) map[string]interface{} {
	similarity := spec.Metric
	if similarity == "" {
		similarity = "cosine"
	}
	return map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				model.FieldDocumentID:      map[string]interface{}{"type": "keyword"},
				model.FieldKnowledgeBaseID: map[string]interface{}{"type": "keyword"},
				model.FieldTenantID:        map[string]interface{}{"type": "keyword"},
				model.FieldDocumentType:    map[string]interface{}{"type": "keyword"},
				model.FieldDocumentTitle:   map[string]interface{}{"type": "keyword"},
				model.FieldChunkIndex:      map[string]interface{}{"type": "integer"},
				model.FieldTotalChunks:     map[string]interface{}{"type": "integer"},
				model.FieldCreatedAt:       map[string]interface{}{"type": "date"},
				model.FieldContent:         map[string]interface{}{"type": "text"},
				vectorField: map[string]interface{}{
					"type":       "dense_vector",
					"dims":       spec.Dimensions,
					"index":      true,
					"similarity": similarity,
				},
			},
		},
	}
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它。
func (i *Index) EnsureIndex(ctx context.Context, spec vectorindex.IndexSpec) error {
	if spec.Name != "" {
		i.name = spec.Name
	}
	res, err := i.client.Indices.Exists([]string{i.name}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("[ES] 检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Debugf("[ES] 索引 '%s' 已存在", i.name)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	body, err := json.Marshal(buildMapping(spec))
	if err != nil {
		return err
	}
	res, err = i.client.Indices.Create(
		i.name,
		i.client.Indices.Create.WithContext(ctx),
		i.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		log.Errorf("[ES] 创建索引 '%s' 失败: %v", i.name, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		// 并发创建时另一方已经建好了索引
		if strings.Contains(string(msg), "resource_already_exists_exception") {
			return nil
		}
		log.Errorf("[ES] 创建索引 '%s' 时 Elasticsearch 返回错误: %s", i.name, string(msg))
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.Status())
	}

	log.Infof("[ES] 索引 '%s' 创建成功, dims: %d, similarity: %v", i.name, spec.Dimensions, spec.Metric)
	return nil
}

// Ready 在索引健康状态为 yellow 或 green 时返回 true。
func (i *Index) Ready(ctx context.Context) (bool, error) {
	res, err := i.client.Cluster.Health(
		i.client.Cluster.Health.WithContext(ctx),
		i.client.Cluster.Health.WithIndex(i.name),
	)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, fmt.Errorf("cluster health returned %s", res.Status())
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return false, fmt.Errorf("failed to decode cluster health: %w", err)
	}
	return health.Status == "green" || health.Status == "yellow", nil
}

// Upsert 通过 bulk index 写入记录，同 ID 覆盖。
func (i *Index) Upsert(ctx context.Context, records []vectorindex.Record) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		doc := make(map[string]interface{}, len(r.Fields)+1)
		for k, v := range r.Fields {
			doc[k] = v
		}
		doc[vectorField] = r.Vector
		if err := enc.Encode(map[string]interface{}{"index": map[string]interface{}{"_index": i.name, "_id": r.ID}}); err != nil {
			return err
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	return i.bulk(ctx, &buf, len(records))
}

// DeleteMany 通过 bulk delete 删除记录，不存在的 ID 会被忽略。
func (i *Index) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range ids {
		if err := enc.Encode(map[string]interface{}{"delete": map[string]interface{}{"_index": i.name, "_id": id}}); err != nil {
			return err
		}
	}
	return i.bulk(ctx, &buf, len(ids))
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (i *Index) bulk(ctx context.Context, body io.Reader, n int) error {
	req := esapi.BulkRequest{
		Body:    body,
		Refresh: "wait_for",
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		log.Errorf("[ES] bulk 请求失败, status: %s, body: %s", res.Status(), string(msg))
		return fmt.Errorf("elasticsearch bulk returned %s", res.Status())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !br.Errors {
		log.Debugf("[ES] bulk 完成, index: %s, items: %d", i.name, n)
		return nil
	}
	for _, item := range br.Items {
		for action, result := range item {
			// 删除不存在的文档返回 404，视为成功
			if result.Error == nil || (action == "delete" && result.Status == http.StatusNotFound) {
				continue
			}
			return fmt.Errorf("bulk %s %s failed: %s: %s", action, result.ID, result.Error.Type, result.Error.Reason)
		}
	}
	return nil
}

func termFilters(filter vectorindex.Filter) []map[string]interface{} {
	terms := make([]map[string]interface{}, 0, len(filter))
	for k, v := range filter {
		terms = append(terms, map[string]interface{}{"term": map[string]interface{}{k: v}})
	}
	return terms
}

// Query 执行带过滤条件的 kNN 检索，结果按 _score 降序返回。
func (i *Index) Query(ctx context.Context, q vectorindex.Query) ([]vectorindex.Match, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	candidates := topK * 10
	if candidates < 100 {
		candidates = 100
	}
	if candidates > maxCandidates {
		candidates = maxCandidates
	}
	if topK > candidates {
		topK = candidates
	}

	knn := map[string]interface{}{
		"field":          vectorField,
		"query_vector":   q.Vector,
		"k":              topK,
		"num_candidates": candidates,
	}
	if len(q.Filter) > 0 {
		knn["filter"] = map[string]interface{}{"bool": map[string]interface{}{"filter": termFilters(q.Filter)}}
	}
	esQuery := map[string]interface{}{
		"knn":     knn,
		"size":    topK,
		"_source": map[string]interface{}{"excludes": []string{vectorField}},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.name),
		i.client.Search.WithBody(&buf),
	)
	if err != nil {
		log.Errorf("[ES] 向 Elasticsearch 发送搜索请求失败: %v", err)
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		log.Errorf("[ES] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(msg))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				ID     string                 `json:"_id"`
				Score  float64                `json:"_score"`
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	matches := make([]vectorindex.Match, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		matches = append(matches, vectorindex.Match{ID: hit.ID, Score: hit.Score, Fields: hit.Source})
	}
	return matches, nil
}

// DeleteByFilter 通过 delete_by_query 删除所有满足条件的记录。
func (i *Index) DeleteByFilter(ctx context.Context, filter vectorindex.Filter) (int, error) {
	if len(filter) == 0 {
		return 0, errors.New("refusing to delete with an empty filter")
	}
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{"bool": map[string]interface{}{"filter": termFilters(filter)}},
	})
	if err != nil {
		return 0, err
	}

	res, err := i.client.DeleteByQuery(
		[]string{i.name},
		bytes.NewReader(body),
		i.client.DeleteByQuery.WithContext(ctx),
		i.client.DeleteByQuery.WithRefresh(true),
		i.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		log.Errorf("[ES] delete_by_query 失败, status: %s, body: %s", res.Status(), string(msg))
		return 0, fmt.Errorf("elasticsearch delete_by_query returned %s", res.Status())
	}

	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode delete_by_query response: %w", err)
	}
	log.Infof("[ES] delete_by_query 完成, index: %s, deleted: %d", i.name, out.Deleted)
	return out.Deleted, nil
}
