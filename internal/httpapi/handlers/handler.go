package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/daveri-app/assistant/internal/ai"
	"github.com/daveri-app/assistant/internal/chat"
	"github.com/daveri-app/assistant/internal/config"
	"github.com/daveri-app/assistant/internal/httpapi/middleware"
	"github.com/daveri-app/assistant/internal/usage"
)

// UsagePublisher pushes usage events to the rollup stream. Publishing is
// best-effort; the ledger row is the source of truth.
type UsagePublisher interface {
	PublishUsage(ctx context.Context, ev usage.Event) error
}

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Ledger   *usage.Ledger
	Repo     *chat.Repo
	Provider ai.Provider
	Events   UsagePublisher
	Log      *zap.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, provider ai.Provider, events UsagePublisher, log *zap.Logger) *Handler {
	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Ledger:   usage.NewLedger(db),
		Repo:     chat.NewRepo(db),
		Provider: provider,
		Events:   events,
		Log:      log,
	}
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
