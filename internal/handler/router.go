package handler

import (
	"net/http"

	"finledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(db, rdb, cfg)

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.POST("/register", h.Register)
			account.GET("/balance", h.GetBalance)
			account.POST("/deposit", h.Deposit)
			account.POST("/withdraw", h.Withdraw)
		}

		purchase := api.Group("/purchase")
		{
			purchase.POST("/execute", h.Purchase)
		}

		transfer := api.Group("/transfer")
		{
			transfer.POST("/execute", h.Transfer)
		}

		history := api.Group("/history")
		{
			history.GET("/recent", h.RecentHistory)
			history.GET("/purchases", h.PurchaseHistory)
			history.GET("/monthly", h.MonthlySummary)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
