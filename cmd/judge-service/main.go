package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ojudge/internal/common/cache"
	"ojudge/internal/common/db"
	commonmw "ojudge/internal/common/http/middleware"
	"ojudge/internal/common/mq"
	"ojudge/internal/common/storage"
	"ojudge/internal/judge/controller"
	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/language"
	"ojudge/internal/judge/observer"
	"ojudge/internal/judge/orchestrator"
	"ojudge/internal/judge/repository"
	"ojudge/internal/judge/repository/migrations"
	"ojudge/internal/judge/service"
	"ojudge/internal/judge/sqlrunner"
	"ojudge/internal/judge/task"
	"ojudge/internal/judge/workspace"
	"ojudge/pkg/utils/logger"
)

const defaultConfigPath = "configs/judge_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, appCfg); err != nil {
		logger.Error(context.Background(), "judge service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// closers run in reverse order on shutdown.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		_ = c[i]()
	}
}

func run(ctx context.Context, appCfg *AppConfig) error {
	var cleanup closers
	defer cleanup.closeAll()
	checks := make(map[string]controller.HealthCheck)

	redisCache, err := cache.NewRedisCache(appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	cleanup.add(redisCache.Close)
	checks["redis"] = redisCache.Ping

	var database db.Database
	if appCfg.Database.DSN != "" {
		mysqlDB, err := db.NewMySQL(appCfg.Database)
		if err != nil {
			return fmt.Errorf("init database failed: %w", err)
		}
		cleanup.add(mysqlDB.Close)
		if appCfg.Status.Migrate {
			if err := migrations.Up(ctx, mysqlDB.SQLDB()); err != nil {
				return fmt.Errorf("migrate database failed: %w", err)
			}
		}
		database = mysqlDB
		checks["mysql"] = mysqlDB.Ping
	}

	objects, err := buildObjectStorage(ctx, appCfg.Storage, appCfg.Artifacts.Bucket)
	if err != nil {
		return err
	}

	var queue *mq.KafkaQueue
	var publisher repository.StatusEventPublisher
	if appCfg.Kafka.Enabled() {
		queue, err = mq.NewKafkaQueue(appCfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		cleanup.add(queue.Close)
		checks["kafka"] = queue.Ping
		publisher = repository.NewMQStatusEventPublisher(queue, appCfg.Kafka.Topics.Final)
	}

	statusRepo := repository.NewStatusRepository(redisCache, database, publisher, appCfg.Status.TTL)

	registry, err := language.NewRegistry(language.Merge(language.DefaultSpecs(), appCfg.Languages)...)
	if err != nil {
		return fmt.Errorf("init language registry failed: %w", err)
	}

	tasks, err := buildTaskRepository(appCfg.Tasks, objects, redisCache)
	if err != nil {
		return err
	}

	workspaces, err := workspace.NewManager(appCfg.Judge.WorkRoot, workspaceOptions(appCfg.Judge)...)
	if err != nil {
		return fmt.Errorf("init workspace manager failed: %w", err)
	}

	counters := observer.NewCounters()
	backend, err := buildBackend(appCfg.Judge, counters, &cleanup, checks)
	if err != nil {
		return err
	}

	deps := orchestrator.Deps{
		Languages:  registry,
		Tasks:      tasks,
		Workspaces: workspaces,
		Backend:    backend,
		Store:      statusRepo,
		Metrics:    counters,
	}
	if appCfg.Judge.SQL.DSN != "" {
		sqlRunner, err := sqlrunner.New(appCfg.Judge.SQL)
		if err != nil {
			return fmt.Errorf("init sql runner failed: %w", err)
		}
		cleanup.add(sqlRunner.Close)
		deps.SQL = sqlRunner
	}
	if objects != nil {
		deps.Artifacts = repository.NewArtifactStore(objects, appCfg.Artifacts.Bucket, appCfg.Artifacts.Prefix)
	}
	orch, err := orchestrator.New(appCfg.Judge.Orchestrator, deps)
	if err != nil {
		return fmt.Errorf("init orchestrator failed: %w", err)
	}

	svcCfg := service.Config{
		Judge:             orch,
		Status:            statusRepo,
		Languages:         registry,
		Metrics:           counters,
		WorkerPoolSize:    appCfg.Worker.PoolSize,
		MaxPending:        appCfg.Worker.MaxPending,
		AcquireTimeout:    appCfg.Worker.AcquireTimeout,
		WorkerTimeout:     appCfg.Worker.Timeout,
		StatusTimeout:     appCfg.Status.Timeout,
		MaxSourceBytes:    int(appCfg.Source.MaxBytes),
		PoolRetryMax:      appCfg.Kafka.PoolRetryMax,
		PoolRetryBase:     appCfg.Kafka.PoolRetryBase,
		PoolRetryMaxDelay: appCfg.Kafka.PoolRetryMaxD,
	}
	if objects != nil {
		svcCfg.Sources = repository.NewSourceFetcher(objects, appCfg.Source.Bucket, appCfg.Source.MaxBytes)
	}
	if queue != nil {
		svcCfg.Queue = queue
		svcCfg.Topics = appCfg.Kafka.Topics
	}
	judgeSvc, err := service.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("init judge service failed: %w", err)
	}

	if queue != nil {
		if err := subscribe(ctx, queue, appCfg, judgeSvc); err != nil {
			return err
		}
	}

	httpServer := buildHTTPServer(appCfg.Server, controller.NewJudgeController(judgeSvc, registry, checks))
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "judge http server started", zap.String("addr", appCfg.Server.Addr), zap.String("backend", backend.Name()))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
		}
		if queue != nil {
			_ = queue.Stop()
		}
		if err := judgeSvc.Shutdown(shutdownCtx); err != nil {
			logger.Warn(context.Background(), "in-flight judgments cancelled at shutdown", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func subscribe(ctx context.Context, queue *mq.KafkaQueue, appCfg *AppConfig, judgeSvc *service.Service) error {
	weighted, err := appCfg.Kafka.weightedTopics()
	if err != nil {
		return err
	}
	// Fetched messages may outnumber worker slots; the surplus waits for a slot or is requeued.
	limiter := mq.NewTokenLimiter(appCfg.Worker.PoolSize * 2)
	opts := appCfg.Kafka.subscribeOptions(appCfg.Kafka.ConsumerGroup, false)
	if err := queue.SubscribeWeighted(ctx, weighted, judgeSvc.HandleMessage, opts, limiter); err != nil {
		return fmt.Errorf("subscribe judge topics failed: %w", err)
	}
	if appCfg.Kafka.Topics.Cancel != "" {
		// Every instance must see every cancellation, so each gets its own group.
		group := appCfg.Kafka.ConsumerGroup + "-cancel-" + appCfg.Kafka.InstanceID
		if err := queue.SubscribeWithOptions(ctx, appCfg.Kafka.Topics.Cancel, judgeSvc.HandleCancelMessage, appCfg.Kafka.subscribeOptions(group, true)); err != nil {
			return fmt.Errorf("subscribe cancel topic failed: %w", err)
		}
	}
	if err := queue.Start(); err != nil {
		return fmt.Errorf("start kafka consumer failed: %w", err)
	}
	return nil
}

// buildObjectStorage returns nil when neither MinIO nor a local root is configured.
func buildObjectStorage(ctx context.Context, cfg ObjectStorageConfig, writableBuckets ...string) (storage.ObjectStorage, error) {
	switch {
	case cfg.MinIO.Endpoint != "":
		objects, err := storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init minio failed: %w", err)
		}
		for _, bucket := range writableBuckets {
			if err := objects.EnsureBucket(ctx, bucket); err != nil {
				return nil, fmt.Errorf("ensure bucket %s failed: %w", bucket, err)
			}
		}
		return objects, nil
	case cfg.LocalRoot != "":
		objects, err := storage.NewLocalStorage(cfg.LocalRoot)
		if err != nil {
			return nil, fmt.Errorf("init local storage failed: %w", err)
		}
		return objects, nil
	default:
		return nil, nil
	}
}

func buildTaskRepository(cfg TaskConfig, objects storage.ObjectStorage, lock cache.LockOps) (task.Repository, error) {
	if cfg.Pack.Bucket == "" {
		return task.NewFileRepository(cfg.Root), nil
	}
	if objects == nil {
		return nil, fmt.Errorf("tasks pack bucket requires object storage")
	}
	packs, err := task.NewPackRepository(cfg.Pack, objects, lock)
	if err != nil {
		return nil, fmt.Errorf("init task pack repository failed: %w", err)
	}
	return packs, nil
}

func workspaceOptions(cfg JudgeConfig) []workspace.Option {
	if cfg.Backend != backendContainer {
		return nil
	}
	return []workspace.Option{workspace.WithDirMode(cfg.Container.WorkspaceDirMode())}
}

func buildBackend(cfg JudgeConfig, metrics observer.MetricsRecorder, cleanup *closers, checks map[string]controller.HealthCheck) (executor.Backend, error) {
	if cfg.Backend == backendContainer {
		backend, err := executor.NewContainerBackend(cfg.Container, metrics)
		if err != nil {
			return nil, fmt.Errorf("init container backend failed: %w", err)
		}
		cleanup.add(backend.Close)
		checks["docker"] = backend.Ping
		return backend, nil
	}
	return executor.NewHostBackend(cfg.Host, metrics), nil
}

func buildHTTPServer(cfg ServerConfig, judgeController *controller.JudgeController) *http.Server {
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.Recovery())
	router.Use(commonmw.RequestLogger())
	judgeController.Register(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
