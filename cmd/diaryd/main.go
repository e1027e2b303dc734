package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"diaryai/internal/app"
	"diaryai/internal/config"
	"diaryai/internal/ratelimit"
	"diaryai/internal/server"
	"diaryai/internal/usertoken"
	"diaryai/internal/util"
	"diaryai/pkg/ai"
	"diaryai/pkg/diary"
	"diaryai/pkg/retryqueue"
	"diaryai/pkg/storage"
	"diaryai/pkg/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	localDB, err := store.OpenLocalDB(cfg.LocalDBPath)
	if err != nil {
		fatal(logger, "failed to open local database", err)
	}
	chatStore, err := store.NewGormStore(localDB)
	if err != nil {
		fatal(logger, "failed to init chat store", err)
	}
	queue, err := retryqueue.New(localDB)
	if err != nil {
		fatal(logger, "failed to init retry queue", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		fatal(logger, "failed to init object store", err)
	}

	geminiClient, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
	if err != nil {
		fatal(logger, "failed to init gemini client", err)
	}
	generator := ai.NewGeminiGenerator(geminiClient, cfg.GenerationModel, ai.DefaultGenerationConfig())

	diaryDocs := diary.NewGormDocumentStore(cfg.DiaryDBURL)
	diaryAdapter := diary.NewAdapter(diaryDocs)
	defer diaryAdapter.Close()

	stallTimeout, err := config.ParseStreamStallTimeout(cfg.StreamStallTimeout)
	if err != nil {
		fatal(logger, "failed to parse stream stall timeout", err)
	}
	appCore, err := app.New(app.Config{
		Store:            chatStore,
		Generator:        generator,
		Diary:            diaryAdapter,
		Queue:            queue,
		Objects:          objects,
		AIModel:          cfg.GenerationModel,
		Persona:          cfg.Persona,
		HistoryTurns:     cfg.HistoryTurns,
		StallTimeout:     stallTimeout,
		SweepConcurrency: cfg.SweepConcurrency,
	})
	if err != nil {
		fatal(logger, "failed to init app", err)
	}

	// Replay any image transfers left over from the previous run.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := appCore.RecoverPendingTransfers(ctx); err != nil {
			logger.Warn("startup transfer recovery incomplete", "err", err)
		}
	}()

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		fatal(logger, "failed to parse jwt leeway", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		fatal(logger, "failed to init token verifier", err)
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		limiter, err = ratelimit.NewFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.RateLimitPerMin, time.Minute)
		if err != nil {
			fatal(logger, "failed to init rate limiter", err)
		}
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		Limiter:       limiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Write timeout stays generous so SSE streams are not cut off.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("diaryd listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
