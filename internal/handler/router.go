package handler

import (
	"mbwayap/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(authSvc *service.AuthorizationService, chargeSvc *service.ChargeService, reconcileSvc *service.ReconcileService) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(authSvc, chargeSvc, reconcileSvc)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 授权相关
		authorization := api.Group("/authorization")
		{
			authorization.POST("/create", h.CreateAuthorization)
			authorization.GET("/detail", h.GetAuthorization)
			authorization.GET("/list", h.ListAuthorizations)
			authorization.GET("/expiring", h.ListExpiringAuthorizations)
			authorization.POST("/cancel", h.CancelAuthorization)
			authorization.GET("/status", h.CheckAuthorizationStatus)
		}

		// 扣款相关
		charge := api.Group("/charge")
		{
			charge.POST("/execute", h.ExecuteCharge)
			charge.GET("/detail", h.GetCharge)
			charge.GET("/list", h.ListCharges)
			charge.GET("/status", h.CheckChargeStatus)
		}

		// 退款相关
		refund := api.Group("/refund")
		{
			refund.POST("/execute", h.ExecuteRefund)
		}
	}

	// SIBS 回调：签名校验基于原始报文，在路由级挂中间件
	r.POST("/webhooks/sibs", WebhookSignatureMiddleware(reconcileSvc), h.HandleWebhook)

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
