// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"chatbot-rag/internal/config"
	"chatbot-rag/pkg/log"
	"chatbot-rag/pkg/tasks"
)

// DefaultMaxAttempts 是单个任务的最大处理次数，超过后提交 offset 放弃该任务。
const DefaultMaxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.DocumentTask) error
}

func brokerList(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Producer 发布文档处理任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokerList(cfg.Brokers)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishDocumentTask 发送一个文档处理任务到 Kafka，以文档 ID 作为消息键。
func (p *Producer) PublishDocumentTask(ctx context.Context, task tasks.DocumentTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// AttemptCounter 记录任务失败次数，跨进程重启仍然有效。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type redisAttemptCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAttemptCounter 用 Redis 计数失败次数，计数键 24 小时后过期。
func NewRedisAttemptCounter(rdb *redis.Client) AttemptCounter {
	return &redisAttemptCounter{rdb: rdb, ttl: 24 * time.Hour}
}

func (c *redisAttemptCounter) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, c.ttl).Err()
	return n, nil
}

func (c *redisAttemptCounter) Reset(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// messageReader 是 Consumer 用到的 *kafka.Reader 方法集。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费文档处理任务。
type Consumer struct {
	reader      messageReader
	processor   TaskProcessor
	attempts    AttemptCounter
	maxAttempts int
	backoff     time.Duration
}

// NewConsumer 创建一个消费者组成员，offset 仅在任务成功或放弃后手动提交。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts AttemptCounter) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(r, processor, attempts)
}

func newConsumer(r messageReader, processor TaskProcessor, attempts AttemptCounter) *Consumer {
	return &Consumer{
		reader:      r,
		processor:   processor,
		attempts:    attempts,
		maxAttempts: DefaultMaxAttempts,
		backoff:     2 * time.Second,
	}
}

// Run 持续消费直到 ctx 被取消。
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("[Consumer] Kafka 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("[Consumer] 关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}
		log.Infof("[Consumer] 收到 Kafka 消息: partition %d, offset %d", m.Partition, m.Offset)
		c.handle(ctx, m)
	}
}

func attemptsKey(documentID string) string {
	return fmt.Sprintf("kafka:attempts:%s", documentID)
}

// handle 处理一条消息。失败时在 Redis 中累计次数并重试，达到上限后提交 offset 终止重试。
// Redis 不可用时不提交 offset，消息在下次重平衡后重新投递。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var task tasks.DocumentTask
	if err := json.Unmarshal(m.Value, &task); err != nil || task.DocumentID == "" {
		log.Errorf("[Consumer] 无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	key := attemptsKey(task.DocumentID)
	for {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("[Consumer] 文档任务处理成功: DocumentID=%s", task.DocumentID)
			// 清理失败计数
			_ = c.attempts.Reset(ctx, key)
			c.commit(ctx, m)
			return
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}

		log.Errorf("[Consumer] 处理文档任务失败: DocumentID=%s, Error: %v", task.DocumentID, err)
		n, incErr := c.attempts.Incr(ctx, key)
		if incErr != nil {
			log.Errorf("[Consumer] 记录失败次数失败, 不提交 offset: %v", incErr)
			return
		}
		if n >= int64(c.maxAttempts) {
			log.Errorf("[Consumer] 文档任务多次失败(>=%d)，提交 offset 终止重试: DocumentID=%s", c.maxAttempts, task.DocumentID)
			_ = c.attempts.Reset(ctx, key)
			c.commit(ctx, m)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(n)):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("[Consumer] 提交 Kafka 消息 offset 失败: %v", err)
	}
}
