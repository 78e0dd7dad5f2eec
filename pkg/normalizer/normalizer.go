// Package normalizer 将不同格式的上传文件转换为统一的纯文本文档。
package normalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chatbot-rag/internal/model"
	"chatbot-rag/pkg/apperr"
	"chatbot-rag/pkg/log"

	"code.sajari.com/docconv/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

// MaxJSONDepth 限制 JSON 展开的递归深度。
const MaxJSONDepth = 10

// priorityKeys 中的字段在展开 JSON 时优先输出。
var priorityKeys = []string{"text", "content", "description", "title", "name", "body"}

// Normalizer 负责文档类型识别与文本抽取。
type Normalizer struct {
	enablePDF bool
	now       func() time.Time
}

// Option 配置 Normalizer。
type Option func(*Normalizer)

// WithPDF 控制是否启用 PDF 解析能力。
func WithPDF(enabled bool) Option {
	return func(n *Normalizer) {
		n.enablePDF = enabled
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// New 创建一个新的 Normalizer 实例。PDF 默认关闭。
func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Supports 报告该实例是否能处理给定类型。
func (n *Normalizer) Supports(t model.DocumentType) bool {
	switch t {
	case model.DocumentTypeText, model.DocumentTypeHTML, model.DocumentTypeMarkdown,
		model.DocumentTypeJSON, model.DocumentTypeWordDoc:
		return true
	case model.DocumentTypePDF:
		return n.enablePDF
	default:
		return false
	}
}

// Process 解析原始字节，返回去除首尾空白的纯文本及统计信息。
func (n *Normalizer) Process(ctx context.Context, buf []byte, fileName, declaredType string) (*model.NormalizedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docType := ResolveForFile(fileName, declaredType)
	if !n.Supports(docType) {
		return nil, &apperr.UnsupportedFormatError{FileName: fileName, Type: string(docType)}
	}
	log.Debugf("[Normalizer] 开始解析文件, FileName: %s, Type: %s, Size: %d", fileName, docType, len(buf))

	ext, err := n.extract(buf, docType)
	if err != nil {
		return nil, &apperr.DocumentProcessingError{FileName: fileName, Stage: "extract", Cause: err}
	}

	content := strings.TrimSpace(ext.text)
	title := strings.TrimSpace(ext.title)
	if title == "" {
		title = model.TitleFromFileName(fileName)
	}

	doc := &model.NormalizedDocument{
		Content: content,
		Type:    docType,
		Metadata: model.DocumentMetadata{
			Pages:       ext.pages,
			WordCount:   len(strings.Fields(content)),
			CharCount:   utf8.RuneCountInString(content),
			ExtractedAt: n.now(),
			Title:       title,
		},
	}
	log.Infof("[Normalizer] 文件解析完成, FileName: %s, Type: %s, Words: %d, Chars: %d",
		fileName, docType, doc.Metadata.WordCount, doc.Metadata.CharCount)
	return doc, nil
}

type extraction struct {
	text  string
	title string
	pages *int
}

// extract 按类型分派；第三方解析库的 panic 也被转换为错误。
func (n *Normalizer) extract(buf []byte, docType model.DocumentType) (ext extraction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()

	switch docType {
	case model.DocumentTypeHTML:
		text := decodeText(buf)
		return extraction{text: text, title: htmlTitle(text)}, nil
	case model.DocumentTypeMarkdown:
		text := decodeText(buf)
		return extraction{text: text, title: markdownTitle(text)}, nil
	case model.DocumentTypeJSON:
		return extractJSON(buf)
	case model.DocumentTypeWordDoc:
		return extractWord(buf)
	case model.DocumentTypePDF:
		return extractPDF(buf)
	default:
		return extraction{text: decodeText(buf)}, nil
	}
}

// decodeText 按 UTF-8 解码，替换非法字节并去掉 BOM 与控制字符，保证结果中没有二进制残留。
func decodeText(buf []byte) string {
	buf = bytes.TrimPrefix(buf, []byte("\xef\xbb\xbf"))
	s := strings.ToValidUTF8(string(buf), "\uFFFD")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func htmlTitle(text string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func markdownTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

func extractJSON(buf []byte) (extraction, error) {
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return extraction{}, fmt.Errorf("parse json: %w", err)
	}

	var parts []string
	flattenJSON(root, 0, &parts)

	var title string
	if obj, ok := root.(map[string]interface{}); ok {
		if s, ok := obj["title"].(string); ok {
			title = s
		}
	}
	return extraction{text: strings.Join(parts, " "), title: title}, nil
}

// flattenJSON 深度优先收集所有叶子值。对象中优先输出 priorityKeys，其余键按字典序。
func flattenJSON(v interface{}, depth int, out *[]string) {
	if depth > MaxJSONDepth {
		return
	}
	switch x := v.(type) {
	case string:
		if s := strings.TrimSpace(x); s != "" {
			*out = append(*out, s)
		}
	case json.Number:
		*out = append(*out, x.String())
	case bool:
		*out = append(*out, strconv.FormatBool(x))
	case []interface{}:
		for _, item := range x {
			flattenJSON(item, depth+1, out)
		}
	case map[string]interface{}:
		for _, key := range orderedKeys(x) {
			flattenJSON(x[key], depth+1, out)
		}
	}
}

func orderedKeys(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]string, 0, len(keys))
	used := make(map[string]bool, len(keys))
	for _, p := range priorityKeys {
		for _, k := range keys {
			if !used[k] && strings.EqualFold(k, p) {
				ordered = append(ordered, k)
				used[k] = true
			}
		}
	}
	for _, k := range keys {
		if !used[k] {
			ordered = append(ordered, k)
		}
	}
	return ordered
}

// extractWord 读取 word/document.xml 的纯文本，不保留格式。
func extractWord(buf []byte) (extraction, error) {
	text, meta, err := docconv.ConvertDocx(bytes.NewReader(buf))
	if err != nil {
		return extraction{}, fmt.Errorf("convert docx: %w", err)
	}
	title := meta["Title"]
	if title == "" {
		title = meta["title"]
	}
	return extraction{text: decodeText([]byte(text)), title: title}, nil
}

func extractPDF(buf []byte) (extraction, error) {
	reader, err := pdf.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return extraction{}, fmt.Errorf("open pdf: %w", err)
	}

	total := reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return extraction{}, fmt.Errorf("read pdf page %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return extraction{text: decodeText([]byte(sb.String())), pages: &total}, nil
}
