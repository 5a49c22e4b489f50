package handler

import (
	"bytes"
	"io"
	"log"
	"time"

	"mbwayap/internal/service"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// 处理请求
		c.Next()

		// 记录日志
		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			status,
			latency,
			c.ClientIP(),
			c.Request.Method,
			path,
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

const rawBodyKey = "rawBody"

// WebhookSignatureMiddleware 回调签名校验
//
// 签名必须基于原始报文计算，这里先读出 body 缓存到上下文，
// 校验失败直接 403 终止，后续处理器用缓存的 body 解析
func WebhookSignatureMiddleware(reconcileSvc *service.ReconcileService) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(400, gin.H{"code": 400, "message": "读取请求体失败"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(rawBodyKey, body)

		signature := c.GetHeader("X-SIBS-Signature")
		if !reconcileSvc.VerifySignature(signature, body) {
			log.Printf("[Webhook] 签名校验失败: ip=%s", c.ClientIP())
			c.AbortWithStatusJSON(403, gin.H{"code": 403, "message": "签名校验失败"})
			return
		}

		c.Next()
	}
}
