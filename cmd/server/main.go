// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chatbot-rag/internal/config"
	"chatbot-rag/internal/handler"
	"chatbot-rag/internal/middleware"
	"chatbot-rag/internal/pipeline"
	"chatbot-rag/internal/repository"
	"chatbot-rag/internal/service"
	"chatbot-rag/pkg/database"
	"chatbot-rag/pkg/embedding"
	"chatbot-rag/pkg/es"
	"chatbot-rag/pkg/kafka"
	"chatbot-rag/pkg/llm"
	"chatbot-rag/pkg/log"
	"chatbot-rag/pkg/normalizer"
	"chatbot-rag/pkg/pgindex"
	"chatbot-rag/pkg/storage"
	"chatbot-rag/pkg/token"
	"chatbot-rag/pkg/vectorindex"
)

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. 初始化数据库、Redis 与对象存储
	db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		log.Fatalf("MySQL 初始化失败: %v", err)
	}
	rdb, err := database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err != nil {
		log.Fatalf("Redis 初始化失败: %v", err)
	}
	store, err := storage.NewStore(rootCtx, cfg.MinIO)
	if err != nil {
		log.Fatalf("MinIO 初始化失败: %v", err)
	}
	vectorClient, closeVector, err := newVectorClient(rootCtx, cfg)
	if err != nil {
		log.Fatalf("向量索引初始化失败: %v", err)
	}
	defer closeVector()

	// 4. 初始化 Repository
	docRepo := repository.NewDocumentRepository(db)
	chunkRepo := repository.NewDocumentChunkRepository(db)
	conversationRepo := repository.NewConversationRepository(rdb)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	norm := normalizer.New(normalizer.WithPDF(cfg.Normalizer.EnablePDF))
	generator := embedding.NewGenerator(embedding.NewClient(cfg.Embedding), cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	index := service.NewSimilarityIndex(vectorClient, cfg.VectorStore)

	// 6. 初始化文件处理管道 (Processor)
	processor := pipeline.NewProcessor(norm, generator, index, store, docRepo, chunkRepo, cfg.Chunking)

	// 7. 异步模式下启动 Kafka 生产者与后台消费者
	var (
		publisher service.TaskPublisher
		workers   sync.WaitGroup
	)
	if cfg.Ingest.Async {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		publisher = producer

		consumer := kafka.NewConsumer(cfg.Kafka, processor, kafka.NewRedisAttemptCounter(rdb))
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := consumer.Run(rootCtx); err != nil {
				log.Errorf("Kafka 消费者异常退出: %v", err)
			}
		}()
	}

	searchService := service.NewSearchService(generator, index, cfg.Retrieval)
	chatService := service.NewChatService(searchService, llmClient, conversationRepo, cfg.LLM.Prompt, cfg.Retrieval)
	documentService := service.NewDocumentService(docRepo, chunkRepo, index, store, processor, publisher, norm, cfg.Ingest)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "ok", "data": nil})
	})

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.TenantAuth(jwtManager))
	handler.RegisterRoutes(apiV1,
		handler.NewDocumentHandler(documentService),
		handler.NewSearchHandler(searchService),
		handler.NewChatHandler(chatService),
		handler.NewConversationHandler(service.NewConversationService(conversationRepo)),
	)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止 Kafka 消费者并等待当前任务结束
	stop()
	workers.Wait()
	log.Info("服务已优雅关闭")
}

// newVectorClient 按 vector_store.driver 选择向量索引后端。返回的 close 函数释放底层连接。
func newVectorClient(ctx context.Context, cfg config.Config) (vectorindex.Client, func(), error) {
	noop := func() {}
	switch cfg.VectorStore.Driver {
	case "", "elasticsearch":
		client, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			return nil, noop, err
		}
		return es.NewIndex(client, cfg.VectorStore.IndexName), noop, nil
	case "pgvector":
		pool, err := database.InitPostgres(ctx, cfg.Database.Postgres.URL)
		if err != nil {
			return nil, noop, err
		}
		return pgindex.NewIndex(pool, cfg.VectorStore.IndexName), pool.Close, nil
	case "memory":
		log.Warnf("使用内存向量索引，数据不会持久化")
		return vectorindex.NewMemory(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown vector_store.driver %q", cfg.VectorStore.Driver)
	}
}
