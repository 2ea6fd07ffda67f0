package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"studybuddy/internal/ai"
	"studybuddy/internal/db"
	"studybuddy/internal/directory"
	"studybuddy/internal/email"
	"studybuddy/internal/feed"
	"studybuddy/internal/groupsync"
	"studybuddy/internal/grpcserver"
	"studybuddy/internal/handlers"
	"studybuddy/internal/identity"
	"studybuddy/internal/middleware"
	"studybuddy/internal/observability"
	"studybuddy/internal/rabbitmq"
	"studybuddy/internal/repositories"
	"studybuddy/internal/telemetry"
	"studybuddy/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func runServe(parent context.Context, configPath string) error {
	cfg, log, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTel.Endpoint, serviceName, cfg.Server.Environment, log)
	if err != nil {
		log.Error("failed to init tracing", zap.Error(err))
		return err
	}

	database, err := db.Connect(ctx, cfg.DB.DSN, true, log)
	if err != nil {
		log.Error("failed to connect to db", zap.Error(err))
		return err
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	audit := telemetry.NewAuditEmitter(publisher, "audit."+serviceName, serviceName, cfg.Server.Environment, log)

	userRepo := repositories.NewUserRepo(database)
	tokenRepo := repositories.NewTokenRepo(database)
	confirmRepo := repositories.NewConfirmationRepo(database)
	groupRepo := repositories.NewGroupRepo(database)
	groupMessageRepo := repositories.NewGroupMessageRepo(database)

	broker := feed.NewBroker()
	bridge := feed.NewPGBridge(cfg.DB.DSN, db.MessageInsertChannel, groupMessageRepo, broker, log)

	sender := email.NewSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, log)
	confirmer := email.NewConfirmer(confirmRepo, sender, cfg.Server.BaseURL, cfg.Auth.ConfirmationTTL, log)
	purger := email.NewPurger(confirmRepo, tokenRepo, log)

	idp := identity.NewService(userRepo, tokenRepo,
		identity.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		confirmer,
		identity.Options{
			RequireConfirmation: cfg.Auth.RequireConfirmation,
			MinPasswordEntropy:  cfg.Auth.MinPasswordEntropy,
		},
		log,
	)

	gen, err := ai.NewGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, log)
	if err != nil {
		log.Error("failed to init generator", zap.Error(err))
		return err
	}
	tutor := ai.NewTutor(gen, log)
	flashcards := ai.NewFlashcards(gen, log)
	assistant := ai.NewAssistant(tutor, groupMessageRepo, log)

	groups := directory.NewService(groupRepo, log)
	hub := ws.NewHub()
	store := groupsync.RepoStore{GroupRepository: groupRepo, GroupMessageRepository: groupMessageRepo}

	authHandler := handlers.NewAuthHandler(idp, confirmer, audit, log)
	groupHandler := handlers.NewGroupHandler(groups, groupMessageRepo, userRepo, assistant, hub, audit, log)
	aiHandler := handlers.NewAIHandler(tutor, flashcards, audit, log)
	groupWS := ws.NewGroupWebSocketHandler(hub, idp, groups, store, userRepo, broker, assistant, audit, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authMiddleware := middleware.AuthMiddleware(idp)
	rateLimit := middleware.RateLimitMiddleware(middleware.NewLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst))

	router.POST("/auth/signup", rateLimit, authHandler.SignUp)
	router.POST("/auth/login", rateLimit, authHandler.Login)
	router.GET("/auth/confirm-email", rateLimit, authHandler.ConfirmEmail)
	router.POST("/auth/logout", authMiddleware, authHandler.Logout)
	router.GET("/auth/me", authMiddleware, authHandler.Me)

	router.POST("/groups", authMiddleware, rateLimit, groupHandler.CreateGroup)
	router.POST("/groups/join", authMiddleware, rateLimit, groupHandler.JoinGroup)
	router.GET("/groups", authMiddleware, groupHandler.ListGroups)
	router.GET("/groups/:group_id", authMiddleware, groupHandler.GetGroup)
	router.DELETE("/groups/:group_id/members/me", authMiddleware, groupHandler.LeaveGroup)
	router.GET("/groups/:group_id/messages", authMiddleware, groupHandler.GetGroupMessages)
	router.POST("/groups/:group_id/messages", authMiddleware, rateLimit, groupHandler.PostGroupMessage)
	router.GET("/groups/:group_id/online", authMiddleware, groupHandler.OnlineMembers)

	router.POST("/ai/chat", authMiddleware, rateLimit, aiHandler.Chat)
	router.POST("/functions/v1/chat-with-gemini", authMiddleware, rateLimit, aiHandler.Chat)
	router.POST("/ai/flashcards", authMiddleware, rateLimit, aiHandler.Flashcards)

	router.GET("/ws/groups/:group_id", groupWS.Handle)

	handlers.RegisterDebugRoutes(router, audit, broker, cfg.Debug || cfg.IsDevelopment())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpcserver.New(log)
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		log.Error("failed to listen for grpc", zap.Error(err))
		return err
	}

	stopPurge, err := purger.StartScheduler(ctx, cfg.Purge.Cron)
	if err != nil {
		log.Error("failed to start purge scheduler", zap.Error(err))
		return err
	}
	defer stopPurge()

	errCh := make(chan error, 3)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			errCh <- fmt.Errorf("change feed: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	grpcSrv.SetServing(true)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("server error", zap.Error(runErr))
	}

	grpcSrv.SetServing(false)
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	// hijacked websocket connections are not tracked by http.Server
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Warn("websocket shutdown", zap.Error(err))
	}
	grpcSrv.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	return runErr
}
