package app

import (
	"context"
	"journey_backend/internal/config"
	"journey_backend/internal/controller"
	"journey_backend/internal/repository"
	"journey_backend/internal/service"
	"journey_backend/pkg/configwatcher"
	"journey_backend/pkg/database"
	"journey_backend/pkg/logger"
	"journey_backend/pkg/monitoring"
	"journey_backend/pkg/security"
	"journey_backend/pkg/tracing"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configFile = "configs/config.yaml"

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	tracer          *sdktrace.TracerProvider
	configCallbacks []func(*config.Config)
}

type repositories struct {
	user        *repository.UserRepository
	journey     *repository.JourneyRepository
	attempt     *repository.AttemptRepository
	response    *repository.StepResponseRepository
	promptLog   *repository.PromptLogRepository
	certificate *repository.CertificateRepository
	token       *repository.TokenRepository
}

type services struct {
	ai           *service.AIService
	archive      *service.ArchiveService
	queue        service.TaskQueue
	redisQueue   *service.RedisTaskQueue
	hub          *service.ProgressHub
	ledger       *service.TokenLedger
	replies      *service.ReplyService
	completion   *service.CompletionService
	certificates *service.CertificateService
	progression  *service.ProgressionService
	journeys     *service.JourneyService
}

type controllers struct {
	journey  *controller.JourneyController
	attempt  *controller.AttemptController
	token    *controller.TokenController
	progress *controller.ProgressController
	health   *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:        repository.NewUserRepository(db),
		journey:     repository.NewJourneyRepository(db),
		attempt:     repository.NewAttemptRepository(db),
		response:    repository.NewStepResponseRepository(db),
		promptLog:   repository.NewPromptLogRepository(db),
		certificate: repository.NewCertificateRepository(db),
		token:       repository.NewTokenRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) *services {
	s := &services{}

	s.ai = service.NewAIService(cfg.AI)
	promptLog := &service.PromptLogger{Repo: repos.promptLog, Model: s.ai.Model}

	archive, err := service.NewArchiveService(cfg)
	if err != nil {
		logger.Log.Warn("Archive storage unavailable, artifacts will not be archived", zap.Error(err))
	}
	s.archive = archive

	// debug 模式或没有 Redis 时后台任务同步执行
	if cfg.Engine.DebugSyncTasks || rdb == nil {
		s.queue = service.NewInlineTaskQueue()
	} else {
		s.redisQueue = service.NewRedisTaskQueue(rdb, cfg.Queue)
		s.queue = s.redisQueue
	}

	s.hub = service.NewProgressHub(rdb)
	go s.hub.Run()

	loader := service.NewPromptContextLoader(db)
	rater := service.NewRater(s.ai, cfg.Engine.RatingAttempts)

	s.ledger = service.NewTokenLedger(db, repos.token)
	s.replies = service.NewReplyService(repos.attempt, repos.response, loader, s.ai, promptLog, s.hub)
	s.completion = service.NewCompletionService(db, repos.attempt, repos.journey, repos.response, loader, s.ai, promptLog, s.archive, s.queue, s.hub)
	s.certificates = service.NewCertificateService(db, repos.certificate, repos.journey, repos.attempt, repos.response, repos.user,
		s.ai, promptLog, s.archive, s.queue, s.hub, cfg.Server.PublicURL)
	s.progression = service.NewProgressionService(db, repos.attempt, repos.journey, repos.response, loader, rater, promptLog, s.completion, s.queue, s.hub)
	s.journeys = service.NewJourneyService(db, repos.journey, repos.attempt, repos.response, s.ledger, s.completion, s.queue, s.hub)

	service.RegisterTaskHandlers(s.queue, s.replies, s.completion, s.certificates)
	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		journey:  controller.NewJourneyController(s.journeys),
		attempt:  controller.NewAttemptController(s.journeys, s.progression, s.completion),
		token:    controller.NewTokenController(s.ledger),
		progress: controller.NewProgressController(s.hub, s.journeys),
		health:   controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, window))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func (a *App) registerReloadCallbacks(s *services) {
	a.RegisterConfigCallback(func(cfg *config.Config) {
		logger.SetMode(cfg.Server.Mode)
	})
	a.RegisterConfigCallback(func(cfg *config.Config) {
		s.ai.UpdateConfig(cfg.AI)
	})
}

// watchConfig 配置文件变更时热更新 AI 参数与日志级别
func (a *App) watchConfig(ctx context.Context) {
	err := configwatcher.WatchConfig(ctx, configFile, func(cfg *config.Config) {
		for _, cb := range a.configCallbacks {
			cb(cfg)
		}
	})
	if err != nil {
		logger.Log.Error("Config watcher stopped", zap.Error(err))
	}
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database, cfg.Server.Mode)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}

	if cfg.ForceMigrate || cfg.Server.Mode == "debug" {
		if err := database.Migrate(db); err != nil {
			logger.Log.Fatal("Failed to migrate database", zap.Error(err))
		}
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		if !cfg.Engine.DebugSyncTasks {
			logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		}
		logger.Log.Warn("Redis unavailable, running tasks inline", zap.Error(err))
		rdb = nil
	}
	app.Redis = rdb

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, db, rdb)
	app.services = services
	app.registerReloadCallbacks(services)
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("journey-backend", cfg.Tracing)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	if cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == "local" {
		router.Static("/archive", cfg.Storage.LocalPath)
	}

	return app
}

func (a *App) Run() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go a.watchConfig(ctx)

	workersDone := make(chan struct{})
	if a.services.redisQueue != nil {
		go func() {
			defer close(workersDone)
			if err := a.services.redisQueue.Run(ctx); err != nil {
				logger.Log.Error("Task queue stopped", zap.Error(err))
			}
		}()
	} else {
		close(workersDone)
	}

	var srv *http.Server
	if !a.Config.WorkerOnly {
		srv = &http.Server{
			Addr:    ":" + a.Config.Server.Port,
			Handler: a.Router,
		}

		// 启动服务器
		go func() {
			log.Printf("Server running on port %s", a.Config.Server.Port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("listen: %s\n", err)
			}
		}()
	} else {
		log.Println("Running in worker-only mode")
	}

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Println("Server forced to shutdown:", err)
		}
	}

	// 停止任务消费与 WebSocket 推送
	stop()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Log.Warn("Task workers did not stop in time")
	}
	a.services.hub.Stop()

	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}

	log.Println("Server exiting")
}
