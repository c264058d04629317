package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"pactroom/internal/adapter/api"
	"pactroom/internal/adapter/api/handler"
	"pactroom/internal/adapter/api/router"
	"pactroom/internal/adapter/repository"
	"pactroom/internal/domain/service"
	"pactroom/internal/infrastructure/firebase"
	"pactroom/internal/infrastructure/ratelimit"
	"pactroom/internal/infrastructure/storage"
	"pactroom/internal/infrastructure/websocket"
	"pactroom/internal/usecase"
	"pactroom/pkg/config"
	"pactroom/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	vocabulary, err := config.LoadVocabulary(cfg.TriggerVocabularyPath)
	if err != nil {
		logger.Warn("Using default trigger vocabulary: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	documentRepo := repository.NewMemoryDocumentRepository()
	if cfg.FirebaseProject != "" {
		firestoreClient, err := firebase.NewFirestoreClient(ctx, cfg.FirebaseProject, cfg.CredentialsPath)
		if err != nil {
			log.Fatalf("Failed to initialize Firestore: %v", err)
		}
		defer firestoreClient.Close()
		documentRepo = repository.NewFirestoreDocumentRepository(firestoreClient)
		logger.Info("Agreements are stored in Firestore project %s", cfg.FirebaseProject)
	}

	var archive service.DocumentArchive
	if cfg.StorageBucket != "" {
		storageClient, err := storage.NewCloudStorageClient(ctx, cfg.StorageBucket, cfg.CredentialsPath)
		if err != nil {
			log.Fatalf("Failed to initialize Cloud Storage: %v", err)
		}
		defer storageClient.Close()
		archive = storageClient
	}

	var model service.LanguageModel
	if cfg.LLM.APIKey != "" {
		model = service.NewAnthropicService(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	} else {
		logger.Warn("LLM_API_KEY is not set; agents and the smart trigger are disabled")
	}

	payments := service.NewSimplifiedPaymentService(cfg.StartingBalance, cfg.DefaultCurrency)
	documentUseCase := usecase.NewDocumentUseCase(documentRepo, archive)

	messageLimiter := ratelimit.NewRateLimiter(cfg.ClientRatePerSecond)
	httpLimiter := ratelimit.NewRateLimiter(cfg.ClientRatePerSecond * 4)
	stopCleanup := make(chan struct{})
	messageLimiter.StartCleanupRoutine(stopCleanup)
	httpLimiter.StartCleanupRoutine(stopCleanup)

	wsManager := websocket.NewManager(nil, messageLimiter)
	roomManager := usecase.NewRoomManagerUseCase(usecase.RoomManagerDeps{
		Config:     cfg,
		Vocabulary: vocabulary,
		Model:      model,
		Payments:   payments,
		Balances:   payments,
		Documents:  documentUseCase,
		Notifier:   wsManager,
	})
	wsManager.SetDispatcher(roomManager)
	wsManager.Start(ctx)

	handler.Setup(roomManager, documentUseCase, wsManager)

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.Validator = api.NewValidator()

	router.Setup(e, httpLimiter)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server on port %s...", cfg.ServerPort)
		if err := e.Start(":" + cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		close(stopCleanup)
		roomManager.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
