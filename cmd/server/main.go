package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"llmchat/internal/config"
	"llmchat/internal/db"
	"llmchat/internal/inference"
	clog "llmchat/internal/log"
	"llmchat/internal/mw"
	"llmchat/internal/server"
	"llmchat/internal/service"
	"llmchat/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与推理后端并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	window := time.Duration(cfg.ChatRateWindowSeconds) * time.Second
	var chatLimit mw.WindowLimiter
	if cfg.RedisAddr != "" {
		rdb, err := db.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		chatLimit = mw.NewRedisWindow(rdb, "llmchat:chat:", cfg.ChatRateLimit, window)
		log.Info().Str("addr", cfg.RedisAddr).Msg("chat rate limit backed by redis")
	} else {
		mem := mw.NewMemoryWindow(cfg.ChatRateLimit, window)
		defer mem.Stop()
		chatLimit = mem
	}
	ipLimit := mw.RateLimit(rate.Every(time.Second/20), 40)
	defer ipLimit.Stop()

	backend := inference.NewClient(cfg.OllamaBaseURL, cfg.SystemPrompt, time.Duration(cfg.InferenceTimeoutSeconds)*time.Second)
	if backend.Ping(context.Background()) {
		log.Info().Str("url", cfg.OllamaBaseURL).Msg("inference backend reachable")
	}

	hub := ws.NewHub()
	users := service.NewUserService(gdb, cfg)
	sessions := service.NewSessionService(gdb, cfg)
	convs := service.NewConversationStore(gdb)
	chat := service.NewChatService(convs, backend, hub, cfg)

	h := server.NewHandler(cfg, users, sessions, convs, chat, backend)
	r := server.SetupRouter(cfg, h, hub, ipLimit, chatLimit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("db", cfg.DatabaseDriver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
