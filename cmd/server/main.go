package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finledger/internal/config"
	"finledger/internal/handler"
	"finledger/internal/infrastructure/cache"
	"finledger/internal/infrastructure/database"
	"finledger/internal/infrastructure/mq"
	"finledger/internal/job"
	"finledger/pkg/idgen"
	"finledger/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "雪花算法机器ID")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.Init(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	// 初始化 ID 生成器
	if err := idgen.Init(*workerID); err != nil {
		log.Fatal("初始化ID生成器失败", zap.Error(err))
	}

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatal("初始化数据库失败", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis 只用于账户锁，可以关闭
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.InitRedis(ctx, &cfg.Redis)
		if err != nil {
			log.Fatal("初始化 Redis 失败", zap.Error(err))
		}
		defer redisClient.Close()
	}

	// 启动后台任务
	if cfg.Kafka.Enabled {
		publisher, err := mq.NewKafkaPublisher(&cfg.Kafka)
		if err != nil {
			log.Fatal("初始化 Kafka 失败", zap.Error(err))
		}
		defer publisher.Close()

		outboxSender := job.NewOutboxSender(db, publisher, cfg.Business.MaxRetryCount)
		go outboxSender.Start(ctx)
	}

	reconcileJob := job.NewReconcileJob(db, cfg.Business.ReconcileInterval())
	go reconcileJob.Start(ctx)

	router := handler.SetupRouter(db, redisClient, cfg)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port), zap.String("db", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
}
