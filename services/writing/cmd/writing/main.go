package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"writingbuddy/internal/ratelimit"
	"writingbuddy/internal/sessionlock"
	"writingbuddy/internal/usertoken"
	"writingbuddy/internal/util"
	"writingbuddy/pkg/ai"
	"writingbuddy/pkg/events"
	"writingbuddy/services/writing/internal/app"
	"writingbuddy/services/writing/internal/config"
	"writingbuddy/services/writing/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "writing")

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	provider, err := ai.New(ai.Config{
		Provider:    cfg.AIProvider,
		BaseURL:     cfg.AIBaseURL,
		APIKey:      cfg.AIAPIKey,
		Model:       cfg.AIModel,
		Temperature: cfg.AITemperature,
		Timeout:     cfg.ProviderTimeout,
	})
	if err != nil {
		util.Fatal("failed to init ai provider", "err", err)
	}

	prompts := app.PromptsFor(cfg.Locale)
	systemPrompt, err := config.LoadSystemPrompt(cfg.SystemPromptFile)
	if err != nil {
		util.Fatal("failed to load system prompt", "err", err)
	}
	if systemPrompt != "" {
		prompts.System = systemPrompt
	}

	appCfg := app.Config{
		DatabaseURL:     cfg.DatabaseURL,
		Provider:        provider,
		Prompts:         prompts,
		TurnMaxTokens:   cfg.TurnMaxTokens,
		FinishMaxTokens: cfg.FinishMaxTokens,
	}
	tokenCfg := usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.JWTLeeway,
	}
	var limiter server.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
		}
		locker, err := sessionlock.NewRedis(rdb, sessionlock.RedisConfig{Prefix: "writingbuddy:lock:session", TTL: cfg.SessionLockTTL})
		if err != nil {
			util.Fatal("failed to init session lock", "err", err)
		}
		appCfg.Locker = locker
		revocations, err := usertoken.NewRedisRevocations(rdb, "writingbuddy:revoked", 0)
		if err != nil {
			util.Fatal("failed to init token revocations", "err", err)
		}
		tokenCfg.Revocations = revocations
		stream, err := events.NewRedisStream(rdb, events.RedisStreamConfig{Stream: cfg.EventsStream})
		if err != nil {
			util.Fatal("failed to init event stream", "err", err)
		}
		appCfg.Events = stream
		if cfg.TurnRateLimitPerMinute > 0 {
			fw, err := ratelimit.NewFixedWindowLimiter(rdb, "writingbuddy:ratelimit:turn", cfg.TurnRateLimitPerMinute, time.Minute)
			if err != nil {
				util.Fatal("failed to init rate limiter", "err", err)
			}
			limiter = fw
		}
	} else {
		logger.Warn("redis not configured, using in-process session locks without events or rate limits")
	}
	tokenVerifier, err := usertoken.NewVerifier(tokenCfg)
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer appCore.Close()

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		Limiter:        limiter,
		Locale:         cfg.Locale,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// a turn may wait on the session lock and then on the provider
		WriteTimeout: cfg.SessionLockTTL + cfg.ProviderTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("writing server listening", "addr", addr, "provider", cfg.AIProvider, "locale", cfg.Locale)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	logger.Info("writing server stopped")
}
