package handler

import (
	"mbwayap/internal/job"
	"mbwayap/pkg/response"

	"github.com/gin-gonic/gin"
)

// RegisterSweepRoutes 注册运维用的手动触发接口（定时任务之外的兜底入口）
func RegisterSweepRoutes(r *gin.Engine, expirySweeper *job.ExpirySweeper, retrySweeper *job.RetrySweeper) {
	admin := r.Group("/api/v1/admin")
	{
		admin.POST("/sweep/expiry", func(c *gin.Context) {
			count := expirySweeper.SweepExpired(c.Request.Context())
			response.Success(c, gin.H{"expired_count": count})
		})

		admin.POST("/sweep/retry", func(c *gin.Context) {
			charges := retrySweeper.SweepRetries(c.Request.Context())
			ids := make([]int64, 0, len(charges))
			for _, ch := range charges {
				ids = append(ids, ch.ID)
			}
			response.Success(c, gin.H{"retried_count": len(ids), "charge_ids": ids})
		})
	}
}
