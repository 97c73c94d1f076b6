package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/codec"
	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	grpcserver "chat-realtime/internal/grpc"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/ids"
	"chat-realtime/internal/logger"
	"chat-realtime/internal/markers"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/pipeline"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/upload"
	"chat-realtime/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run returns on shutdown or on a startup failure; deferred cleanups run in
// both cases.
func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, cfg.Telemetry.Environment)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	database, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer database.Close()

	var presenceStore presence.Store = presence.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer rdb.Close()
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		presenceStore = presence.NewRedisStore(rdb)
	} else {
		log.Info("redis not configured, presence is process-local")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", cfg.Telemetry.ServiceName, cfg.Telemetry.Environment)
	log.Info("event publisher ready", zap.String("mode", rabbitmq.PublisherMode(publisher)))

	messageCodec, err := codec.New([]byte(cfg.Crypto.MessageSecret))
	if err != nil {
		return fmt.Errorf("message codec: %w", err)
	}

	hub := ws.NewHub()
	directory := repositories.NewDirectoryRepo(database)

	messages := pipeline.NewService(pipeline.Deps{
		Messages:      repositories.NewMessageRepo(database),
		Conversations: repositories.NewConversationRepo(database),
		Channels:      directory,
		Members:       directory,
		Codec:         messageCodec,
		IDs:           ids.NewGenerator(cfg.NodeID),
		Fanout:        hub,
	})
	readMarkers := markers.NewService(repositories.NewReadMarkerRepo(database), messages, hub)
	broadcaster := presence.NewBroadcaster(presenceStore, directory, hub)

	uploads, err := upload.NewStore(upload.Options{
		ScratchDir:    cfg.Upload.ScratchDir,
		AssetDir:      cfg.Upload.AssetDir,
		PublicBaseURL: cfg.Upload.PublicBaseURL,
		MaxAssetBytes: cfg.Upload.MaxAssetBytes,
		MaxChunkBytes: cfg.Upload.MaxChunkBytes,
	})
	if err != nil {
		return fmt.Errorf("upload dirs: %w", err)
	}

	verifier := auth.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	gateway := ws.NewGateway(hub, verifier, directory, messages, readMarkers, broadcaster, ws.Options{
		SendQueue:        cfg.Realtime.SendQueue,
		ComposePerSecond: cfg.Realtime.ComposePerSecond,
		ComposeBurst:     cfg.Realtime.ComposeBurst,
		PongWait:         cfg.Realtime.PongWait,
		WriteWait:        cfg.Realtime.WriteWait,
	})

	messageHandler := handlers.NewMessageHandler(messages, readMarkers, cfg.Realtime.DefaultPageSize, cfg.Realtime.MaxPageSize)
	uploadHandler := handlers.NewUploadHandler(uploads)
	presenceHandler := handlers.NewPresenceHandler(broadcaster)

	if cfg.Telemetry.Environment != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestID())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gateway.Handle)
	router.Static("/assets", uploads.AssetDir())

	authMiddleware := middleware.AuthMiddleware(verifier)
	api := router.Group("/", authMiddleware)
	api.GET("/channels/:channel_id/messages", messageHandler.ChannelMessages)
	api.GET("/channels/:channel_id/read-marker", messageHandler.ChannelMarker)
	api.PUT("/channels/:channel_id/read-marker", messageHandler.PutChannelMarker)
	api.GET("/conversations/:user_id/messages", messageHandler.ConversationMessages)
	api.GET("/conversations/:user_id/read-marker", messageHandler.ConversationMarker)
	api.PUT("/conversations/:user_id/read-marker", messageHandler.PutConversationMarker)
	api.PUT("/uploads/:upload_id/chunks/:index", uploadHandler.PutChunk)
	api.POST("/uploads/:upload_id/merge", uploadHandler.Merge)
	api.GET("/friends/presence", presenceHandler.FriendsPresence)

	handlers.RegisterDebugRoutes(api, audit, hub, cfg.Telemetry.Environment == "dev")

	health := grpcserver.NewHealthServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc on %s: %w", cfg.GRPCAddr, err)
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Error("grpc health server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	health.SetServing(true)

	<-ctx.Done()
	log.Info("shutting down")
	health.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	health.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	return nil
}
