// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// DocumentTask represents one document ingestion job. The raw file is already in
// object storage under ObjectKey when the task is published.
type DocumentTask struct {
	DocumentID      string `json:"document_id"`
	TenantID        string `json:"tenant_id"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	FileName        string `json:"file_name"`
	ContentType     string `json:"content_type"`
	ObjectKey       string `json:"object_key"`
}
