package normalizer

import (
	"mime"
	"path/filepath"
	"strings"

	"chatbot-rag/internal/model"
)

// typeTable 同时收录 MIME 类型与扩展名（扩展名统一带前导点、小写）。
var typeTable = map[string]model.DocumentType{
	"text/plain":                model.DocumentTypeText,
	"text/csv":                  model.DocumentTypeText,
	"text/tab-separated-values": model.DocumentTypeText,
	".txt":                      model.DocumentTypeText,
	".text":                     model.DocumentTypeText,
	".log":                      model.DocumentTypeText,
	".csv":                      model.DocumentTypeText,
	".tsv":                      model.DocumentTypeText,

	"text/html":             model.DocumentTypeHTML,
	"application/xhtml+xml": model.DocumentTypeHTML,
	".html":                 model.DocumentTypeHTML,
	".htm":                  model.DocumentTypeHTML,
	".xhtml":                model.DocumentTypeHTML,

	"text/markdown":   model.DocumentTypeMarkdown,
	"text/x-markdown": model.DocumentTypeMarkdown,
	".md":             model.DocumentTypeMarkdown,
	".markdown":       model.DocumentTypeMarkdown,
	".mdx":            model.DocumentTypeMarkdown,

	"application/json": model.DocumentTypeJSON,
	"text/json":        model.DocumentTypeJSON,
	".json":            model.DocumentTypeJSON,

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": model.DocumentTypeWordDoc,
	"application/msword": model.DocumentTypeWordDoc,
	".docx":              model.DocumentTypeWordDoc,
	".doc":               model.DocumentTypeWordDoc,

	"application/pdf": model.DocumentTypePDF,
	".pdf":            model.DocumentTypePDF,
}

// lookupType 查表；第二个返回值表示是否命中。
func lookupType(mimeOrExt string) (model.DocumentType, bool) {
	key := strings.ToLower(strings.TrimSpace(mimeOrExt))
	if key == "" {
		return "", false
	}
	if strings.Contains(key, "/") {
		if mediaType, _, err := mime.ParseMediaType(key); err == nil {
			key = mediaType
		}
	} else if !strings.HasPrefix(key, ".") {
		key = "." + key
	}
	t, ok := typeTable[key]
	return t, ok
}

// ResolveType 将 MIME 类型或扩展名映射为文档类型。
// 无法识别的输入一律按 TEXT 处理，不会返回错误。
func ResolveType(mimeOrExt string) model.DocumentType {
	if t, ok := lookupType(mimeOrExt); ok {
		return t
	}
	return model.DocumentTypeText
}

// ResolveForFile 优先使用声明的类型，声明缺失或无法识别时退回到文件扩展名。
func ResolveForFile(fileName, declaredType string) model.DocumentType {
	if t, ok := lookupType(declaredType); ok {
		return t
	}
	if t, ok := lookupType(filepath.Ext(fileName)); ok {
		return t
	}
	return model.DocumentTypeText
}

// SupportedTypes 返回查找表的副本，供上传接口展示。
func SupportedTypes() map[string]model.DocumentType {
	out := make(map[string]model.DocumentType, len(typeTable))
	for k, v := range typeTable {
		out[k] = v
	}
	return out
}
