package main

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/daveri-app/assistant/internal/ai"
	"github.com/daveri-app/assistant/internal/config"
	"github.com/daveri-app/assistant/internal/db"
	"github.com/daveri-app/assistant/internal/httpapi"
	"github.com/daveri-app/assistant/internal/httpapi/handlers"
	"github.com/daveri-app/assistant/internal/logger"
	"github.com/daveri-app/assistant/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	log := logger.New()
	defer func() { _ = log.Sync() }()

	gdb := db.Connect(cfg.DBDSN)

	// Provider registry (route by configured provider name)
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	provider, err := reg.Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatal("ai provider", zap.String("provider", cfg.AIProvider), zap.Error(err))
	}

	var events handlers.UsagePublisher
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		// Usage events are best-effort; the server still runs without
		// the rollup stream.
		log.Warn("rabbit connect failed, usage events disabled", zap.Error(err))
	} else {
		defer pub.Close()
		events = pub
	}

	r := httpapi.NewRouter(gdb, cfg, provider, events, log)

	log.Info("server listening", zap.String("addr", ":8080"))
	if err := r.Run(":8080"); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}
