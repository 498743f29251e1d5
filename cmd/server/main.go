package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"carrymate/internal/config"
	"carrymate/internal/events"
	"carrymate/internal/handlers"
	"carrymate/internal/middleware"
	"carrymate/internal/models"
	"carrymate/internal/observability"
	"carrymate/internal/realtime"
	"carrymate/internal/services"
	"carrymate/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	// 允许通过 flags/env 覆盖数据库连接（保持与 migrate 一致的接口）
	var (
		flagDSN   string
		dbHost    string
		dbPortStr string
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		dbTZ      string
		srvHost   string
		srvPort   int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB flags")
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.StringVar(&dbPortStr, "db-port", getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", "disable"), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&dbTZ, "db-timezone", getenvDefault("DB_TIMEZONE", "UTC"), "database timezone")
	flagSet.StringVar(&srvHost, "host", getenvDefault("CARRYMATE_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", func() int {
		if p := os.Getenv("CARRYMATE_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		return cfg.Server.Port
	}(), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	// 组装 DSN
	dsn := flagDSN
	if dsn == "" {
		host := firstNonEmpty(dbHost, cfg.Database.Host)
		user := firstNonEmpty(dbUser, cfg.Database.User)
		pass := firstNonEmpty(dbPass, cfg.Database.Password)
		name := firstNonEmpty(dbName, cfg.Database.Name)
		port := dbPortStr
		if port == "" && cfg.Database.Port != 0 {
			port = fmt.Sprintf("%d", cfg.Database.Port)
		}
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s", host, user, pass, name, port, dbSSLMode, dbTZ)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// Redis（在线状态与输入中标记）
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer rdb.Close()

	// 进程内事件总线与 WebSocket Hub
	bus := realtime.NewBus()
	defer bus.Close()

	hub := realtime.NewHub(appLogger)
	go hub.Run()
	hub.AttachBus(bus)

	// 业务服务
	registryService := services.NewRegistryService(db, appLogger, bus, cfg.Chat.MaxConcurrentSessions)
	queueService := services.NewQueueService(db, appLogger, bus, cfg.Chat.WaitPerPosition)
	presenceService := services.NewPresenceService(rdb, appLogger, cfg.Chat.PresenceTTL, cfg.Chat.TypingIdleTimeout)
	messageService := services.NewMessageService(db, appLogger, bus, cfg.Chat.MaxMessageLength, cfg.Chat.MaxAttachmentSize, cfg.Chat.TypingIdleTimeout)
	messageService.SetPresenceService(presenceService)
	messageService.SetRegistryService(registryService)
	hub.SetBridge(messageService)

	walletService := services.NewWalletService(db, appLogger)
	tripService := services.NewTripService(db, appLogger)
	shipmentService := services.NewShipmentService(db, appLogger, walletService)
	statsService := services.NewStatsService(db, appLogger, queueService, cfg.Chat.QueueStaleAfter)
	if cfg.Stats.Enabled {
		if err := statsService.Start(cfg.Stats.Schedule); err != nil {
			appLogger.Warnf("start stats scheduler: %v", err)
		}
		defer statsService.Stop()
	}

	// 附件存储
	objectStore, err := storage.NewDiskStore(cfg.Upload.StoragePath, cfg.Upload.PublicBaseURL)
	if err != nil {
		appLogger.Fatalf("Failed to init object store: %v", err)
	}

	// Kafka 出站事件与支付入站（可选）
	if cfg.Kafka.Enabled {
		producer := events.NewProducer(cfg.Kafka, appLogger)
		defer producer.Close()

		relay := events.NewRelay(bus, producer, appLogger)
		relay.Start()
		defer relay.Stop()

		consumerCtx, cancelConsumer := context.WithCancel(context.Background())
		defer cancelConsumer()
		paymentsConsumer := events.NewPaymentsConsumer(cfg.Kafka, walletService, appLogger)
		paymentsConsumer.Start(consumerCtx)
	}

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddlewareWithConfig(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查与指标
	healthHandler := handlers.NewHealthHandler(db, hub, statsService, appLogger)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, healthHandler.Metrics)
	}

	// API 路由组：全部接口先做鉴权
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))

	chatHandler := handlers.NewChatHandler(registryService, queueService, messageService, hub, appLogger)
	handlers.RegisterChatRoutes(api, chatHandler)

	// 客服控制台仅限 agent 角色
	agentAPI := api.Group("/")
	agentAPI.Use(middleware.RequireRole("agent"))
	handlers.RegisterAgentRoutes(agentAPI, handlers.NewAgentHandler(registryService, queueService, presenceService, appLogger))

	handlers.RegisterTripRoutes(api, handlers.NewTripHandler(tripService, appLogger))
	handlers.RegisterShipmentRoutes(api, handlers.NewShipmentHandler(shipmentService, appLogger))
	handlers.RegisterWalletRoutes(api, handlers.NewWalletHandler(walletService, appLogger))
	if cfg.Upload.Enabled {
		handlers.RegisterUploadRoutes(api, handlers.NewUploadHandler(objectStore, cfg, appLogger))
	}
	api.GET("/stats/daily", healthHandler.DailyStats)

	// 上传的文件按公开路径提供
	if cfg.Upload.Enabled && strings.HasPrefix(cfg.Upload.PublicBaseURL, "/") {
		r.Static(cfg.Upload.PublicBaseURL, cfg.Upload.StoragePath)
	}

	// 启动服务器
	host := firstNonEmpty(srvHost, cfg.Server.Host)
	port := srvPort
	if port == 0 {
		port = cfg.Server.Port
	}
	listenAddr := fmt.Sprintf("%s:%d", host, port)

	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// corsMiddleware CORS 中间件
func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PUT, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization"
	if cfg != nil && cfg.Security.CORS.Enabled {
		if len(cfg.Security.CORS.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
		}
		if len(cfg.Security.CORS.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
		}
		if len(cfg.Security.CORS.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
