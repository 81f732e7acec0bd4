package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/daveri-app/assistant/internal/ai"
	"github.com/daveri-app/assistant/internal/common"
	"github.com/daveri-app/assistant/internal/config"
	"github.com/daveri-app/assistant/internal/httpapi/handlers"
	"github.com/daveri-app/assistant/internal/httpapi/middleware"
)

func NewRouter(db *gorm.DB, cfg config.Config, provider ai.Provider, events handlers.UsagePublisher, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	// CORS and request id run before auth and body parsing so preflight
	// and correlation work even on rejected requests.
	r.Use(middleware.CORS(cfg.CORSOrigin))
	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, provider, events, log)

	r.GET("/ping", func(c *gin.Context) { common.OK(c, gin.H{"pong": true}) })

	// users + auth
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	// edge answer endpoint; does its own bearer check after payload
	// validation, per the dock contract.
	r.POST("/v1/ask", h.Ask)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// credit RPCs (JWT required)
	authGroup.GET("/rpc/credit-status", h.CreditStatus)
	authGroup.POST("/rpc/consume-credit", h.ConsumeCredit)
	authGroup.GET("/rpc/usage-history", h.UsageHistory)

	// bots (JWT required)
	authGroup.POST("/bots", h.CreateBot)
	authGroup.GET("/bots", h.ListBots)
	authGroup.GET("/bots/:bot_id", h.GetBot)
	authGroup.DELETE("/bots/:bot_id", h.DeleteBot)
	authGroup.POST("/bots/:bot_id/activate", h.ActivateBot)

	// conversations (JWT required)
	authGroup.GET("/conversations/:conversation_id/messages", h.ListConversationMessages)

	return r
}
