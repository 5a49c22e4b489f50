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

	"mbwayap/internal/config"
	"mbwayap/internal/events"
	"mbwayap/internal/gateway"
	"mbwayap/internal/handler"
	"mbwayap/internal/infrastructure/cache"
	"mbwayap/internal/infrastructure/database"
	"mbwayap/internal/infrastructure/lock"
	"mbwayap/internal/infrastructure/mq"
	"mbwayap/internal/job"
	"mbwayap/internal/service"
	"mbwayap/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// SIBS 网关客户端
	gatewayClient := gateway.NewClient(&cfg.Sibs)

	// 领域事件经发件箱投递
	sink := events.NewOutboxSink(db, cfg.Kafka.Topic)

	// 分布式锁工厂
	locks := lock.NewRedisFactory(redisClient)

	// 核心服务
	authService := service.NewAuthorizationService(db, gatewayClient, sink, cfg.Business)
	chargeService := service.NewChargeService(db, gatewayClient, sink, locks, cfg.Business)
	reconcileService := service.NewReconcileService(db, authService, chargeService, locks, cfg.Sibs.WebhookSecret)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg.Business)
	go outboxSender.Start(ctx)

	expirySweeper := job.NewExpirySweeper(db, authService, cfg.Business)
	go expirySweeper.Start(ctx)

	retrySweeper := job.NewRetrySweeper(db, chargeService, cfg.Business)
	go retrySweeper.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(authService, chargeService, reconcileService)
	handler.RegisterSweepRoutes(router, expirySweeper, retrySweeper)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
