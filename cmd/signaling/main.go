package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"

	"github.com/studyhub/peercall/config"
	"github.com/studyhub/peercall/internal/bus"
	"github.com/studyhub/peercall/internal/handlers"
	"github.com/studyhub/peercall/internal/redis"
	"github.com/studyhub/peercall/internal/storage"
)

var log = logging.Logger("server")

func main() {
	cfg := config.Load()
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		log.Fatal(err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		if cfg.JWTSecret == "change-me-in-production" {
			log.Fatal("JWT_SECRET must be set in production")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer rdb.Close()

	rooms := redis.NewRooms(rdb)
	stream := bus.NewRedis(rdb)
	hub := handlers.NewHub(stream, handlers.NewAppender(db, db, stream), rooms)
	defer hub.Close()

	router := handlers.NewRouter(handlers.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		TokenTTL:       cfg.TokenTTL,
		HistoryLimit:   cfg.HistoryLimit,
		Users:          db,
		Records:        db,
		Notifications:  db,
		Rooms:          rooms,
		Hub:            hub,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("starting signaling relay on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
}
