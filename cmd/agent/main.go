package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hexabase/pgconductor/internal/cloudstack"
	"github.com/hexabase/pgconductor/internal/cluster"
	"github.com/hexabase/pgconductor/internal/config"
	"github.com/hexabase/pgconductor/internal/logging"
	"github.com/hexabase/pgconductor/internal/metrics"
	"github.com/hexabase/pgconductor/internal/queue"
	"github.com/hexabase/pgconductor/internal/reconciler"
	pgredis "github.com/hexabase/pgconductor/internal/redis"
	"github.com/hexabase/pgconductor/internal/supervisor"
	"github.com/hexabase/pgconductor/internal/tombstone"
	"github.com/hexabase/pgconductor/internal/tracked"
	"github.com/hexabase/pgconductor/internal/workers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const statusReporterPollInterval = 30 * time.Second

func main() {
	logger, err := logging.New(os.Getenv("GIN_MODE") == "debug")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("configuration validation failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := queue.Open(cfg.Queue.ConnectionString)
	if err != nil {
		logger.Fatal("failed to open queue connection pool", zap.Error(err))
	}
	defer db.Close()

	queueClient := queue.New(db)
	for _, q := range []string{cfg.Queue.ControlPlaneQueue, cfg.Queue.DataPlaneQueue, cfg.Queue.MetricsQueue} {
		if err := queueClient.Init(ctx, q); err != nil {
			logger.Fatal("failed to initialize queue", zap.String("queue", q), zap.Error(err))
		}
	}

	tombstones := tombstone.New(db)
	if err := tombstones.Init(ctx); err != nil {
		logger.Fatal("failed to initialize tombstone store", zap.Error(err))
	}

	tracker := tracked.New(db)
	if err := tracker.Init(ctx); err != nil {
		logger.Fatal("failed to initialize tracked namespaces store", zap.Error(err))
	}

	k8sConfig, err := buildKubeConfig()
	if err != nil {
		logger.Fatal("failed to build Kubernetes client configuration", zap.Error(err))
	}

	k8sClient, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		logger.Fatal("failed to create Kubernetes clientset", zap.Error(err))
	}

	dynamicClient, err := dynamic.NewForConfig(k8sConfig)
	if err != nil {
		logger.Fatal("failed to create dynamic Kubernetes client", zap.Error(err))
	}

	clusterAdapter := cluster.New(k8sClient, dynamicClient, cfg.Cluster.BaseDomain)

	var cloudAdapter *cloudstack.Adapter
	if cfg.CloudStack.Enabled {
		cfClient, err := cloudstack.NewClient(ctx, cfg.CloudStack.Region)
		if err != nil {
			logger.Fatal("failed to build CloudFormation client", zap.Error(err))
		}
		cloudAdapter = cloudstack.New(cfClient, cfg.CloudStack.TemplateBucket, cfg.CloudStack.Region, cfg.CloudStack.BackupArchiveBucket, cfg.CloudStack.StorageArchiveBucket)
	}

	var statusCache workers.StatusCache
	if cfg.Redis.Addr != "" {
		redisClient, err := pgredis.NewClient(pgredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		statusCache = redisClient
	}

	m := metrics.New()

	reconcilerCfg := reconciler.Config{
		ControlPlaneQueue:       cfg.Queue.ControlPlaneQueue,
		DataPlaneQueue:          cfg.Queue.DataPlaneQueue,
		MaxReadCt:               cfg.Queue.MaxReadCt,
		StorageClassName:        cfg.Cluster.StorageClassName,
		CloudStackEnabled:       cfg.CloudStack.Enabled,
		BackupArchiveBucket:     cfg.CloudStack.BackupArchiveBucket,
		StorageArchiveBucket:    cfg.CloudStack.StorageArchiveBucket,
		LoadBalancerPublic:      cfg.CloudStack.LoadBalancerPublic,
		CustomS3Enabled:         cfg.CustomS3.Enabled,
		CustomS3Bucket:          cfg.CustomS3.Bucket,
		CustomS3Endpoint:        cfg.CustomS3.Endpoint,
		CustomS3AccessKeyID:     cfg.CustomS3.AccessKeyID,
		CustomS3SecretAccessKey: cfg.CustomS3.SecretAccessKey,
	}

	rec := reconciler.New(queueClient, queueClient, clusterAdapter, cloudAdapter, tombstones, tracker, m, logger, reconcilerCfg)

	statusReporter := workers.NewStatusReporter(clusterAdapter, tracker, queueClient, statusCache, cfg.Queue.DataPlaneQueue, statusReporterPollInterval, logger)
	metricsReporter := workers.NewMetricsReporter(queueClient, cfg.Queue.MetricsQueue, m, logger)

	sup := supervisor.New(logger, m)

	if cfg.Features.ConductorEnabled {
		sup.Launch(ctx, "reconciler", rec.Run)
	}
	if cfg.Features.WatcherEnabled {
		sup.Launch(ctx, "status-reporter", statusReporter.Run)
	}
	if cfg.Features.MetricsReporterEnabled {
		sup.Launch(ctx, "metrics-reporter", metricsReporter.Run)
	}

	handles := sup.Handles()

	if cfg.Server.Port != "" && os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		if !supervisor.AllAlive(handles) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("starting HTTP server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

func buildKubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	kubeconfigPath := os.Getenv("KUBECONFIG")
	if kubeconfigPath == "" {
		kubeconfigPath = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}
