// Package server wires every component into one gin engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"orcha/authorization"
	"orcha/cache"
	"orcha/config"
	"orcha/conversation"
	"orcha/database"
	"orcha/document"
	"orcha/knowledge"
	"orcha/llm"
	"orcha/logging"
	"orcha/memory"
	"orcha/metrics"
	"orcha/ocr"
	"orcha/orchestrator"
	"orcha/prompt"
	"orcha/retrieval"
	"orcha/routing"
	"orcha/storage"
	"orcha/usage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	shutdownTimeout = 15 * time.Second
	startupTimeout  = 5 * time.Second
)

// Server 持有进程级资源，Close 负责释放。
type Server struct {
	cfg     *config.Config
	db      *gorm.DB
	redis   *redis.Client
	metrics *metrics.Recorder
	engine  *gin.Engine
}

// New 打开数据库、可选的 Redis 与对象存储，并注册全部路由。
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, db: db, metrics: metrics.New()}
	if err := migrate(ctx, db, cfg); err != nil {
		_ = s.Close()
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		client, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			// 缓存只是加速层，Redis 不可用时直接读库。
			logging.L.Warn("server: redis unavailable, memory cache disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			s.redis = client
		}
	}

	if err := s.routes(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) routes(ctx context.Context) error {
	cfg := s.cfg
	gin.SetMode(cfg.Server.Mode)

	conversations := conversation.NewStore(s.db)
	tracker := usage.NewTracker(s.db, cfg.Usage.Window, cfg.Usage.DailyLimit)
	memories := memory.NewRepository(s.db, memory.NewRecentCache(s.redis, cfg.Memory.CacheTTL))
	model := llm.NewClient(cfg.LLM)

	objects, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		return err
	}
	if objects != nil {
		bucketCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		if err := objects.EnsureBucket(bucketCtx); err != nil {
			logging.L.Warn("server: ensure bucket failed", "bucket", cfg.Storage.Bucket, "error", err)
		}
		cancel()
	}

	retriever, err := buildRetriever(cfg)
	if err != nil {
		return err
	}

	deps := orchestrator.Dependencies{
		Store:     conversations,
		Usage:     tracker,
		Router:    routing.NewRouter(cfg.LLM),
		Model:     model,
		Documents: document.NewPDFExtractor(0),
		Memory:    memories,
		Metrics:   s.metrics,
		Retriever: retriever,
	}
	var uriResolver ocr.URIResolver
	if objects != nil {
		deps.Resolver = objects
		uriResolver = objects
	}
	recognizer := ocr.NewClient(cfg.OCR)
	if recognizer != nil {
		deps.OCR = recognizer
	}
	deps.Context = prompt.NewAssembler(conversations, memories, retriever, cfg.Context, cfg.Retrieval, s.metrics)

	engine := orchestrator.NewEngine(deps, orchestrator.Options{
		DocumentMaxChars: cfg.Context.DocumentMaxChars,
		OCRLanguage:      cfg.OCR.Language,
		AutoCapture:      cfg.Memory.AutoCapture,
	})

	guard := authorization.NewGuard(cfg.Auth)
	limiter := authorization.NewRateLimiter(cfg.Server.RateLimitQPS, cfg.Server.RateLimitBurst)

	r := gin.New()
	r.Use(gin.Recovery(), logging.Trace(), corsMiddleware(cfg.Server.CORSOrigins))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api/v1")
	api.Use(guard.RequireAuthenticated(), limiter.Middleware())

	orchestrator.NewHandler(engine).RegisterRoutes(api)
	routing.NewHandler(cfg.Retrieval.TopK, cfg.Retrieval.Rerank).RegisterRoutes(api)
	ocr.NewHandler(recognizer, uriResolver).RegisterRoutes(api)
	retrieval.NewHandler(retriever, cfg.Retrieval.TopK, cfg.Retrieval.Rerank).RegisterRoutes(api)
	llm.NewHandler(model).RegisterRoutes(api)
	usage.NewHandler(tracker, guard).RegisterRoutes(api)
	conversation.NewHandler(conversations).RegisterRoutes(api)
	memory.NewHandler(memories).RegisterRoutes(api)

	s.engine = r
	return nil
}

// buildRetriever 按 retrieval.backend 选择检索实现，none 或未配置时返回 nil。
func buildRetriever(cfg *config.Config) (retrieval.Retriever, error) {
	switch cfg.Retrieval.Backend {
	case "qdrant":
		service, err := knowledge.NewService(cfg.Knowledge, cfg.Retrieval.Timeout)
		if err != nil {
			return nil, fmt.Errorf("server: knowledge backend: %w", err)
		}
		return service, nil
	case "http":
		if client := retrieval.NewHTTPClient(cfg.Retrieval); client != nil {
			return client, nil
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader},
		ExposeHeaders:    []string{logging.TraceHeader},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}
	allowAll := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	return cors.New(corsCfg)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"status": "ok", "database": "ok"}
	code := http.StatusOK
	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status["status"] = "degraded"
		status["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "unreachable"
		} else {
			status["redis"] = "ok"
		}
	}
	c.JSON(code, status)
}

// Handler 暴露 gin 引擎，便于测试直接调用 ServeHTTP。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 监听端口直到 ctx 结束，然后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.L.Info("server: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logging.L.Info("server: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Close 释放数据库与 Redis 连接。
func (s *Server) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if sqlDB, err := s.db.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}

// Migrate 对所有持久化表执行自动迁移。
func Migrate(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := migrate(ctx, db, cfg); err != nil {
		return err
	}
	logging.L.Info("server: migrations applied")
	return nil
}

func migrate(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	if err := conversation.NewStore(db).AutoMigrate(ctx); err != nil {
		return err
	}
	if err := usage.NewTracker(db, cfg.Usage.Window, cfg.Usage.DailyLimit).AutoMigrate(ctx); err != nil {
		return err
	}
	return memory.NewRepository(db, nil).AutoMigrate(ctx)
}
