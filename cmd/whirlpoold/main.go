package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whirlpool-im/whirlpool/internal/chat"
	"github.com/whirlpool-im/whirlpool/internal/common"
	"github.com/whirlpool-im/whirlpool/internal/config"
	"github.com/whirlpool-im/whirlpool/internal/dedup"
	"github.com/whirlpool-im/whirlpool/internal/server"
	"github.com/whirlpool-im/whirlpool/internal/store"
	"github.com/whirlpool-im/whirlpool/internal/store/rabbitmq"
)

// queueArchiver defers persistence to the archiver worker.
type queueArchiver struct {
	pub *rabbitmq.Publisher
}

func (a *queueArchiver) Archive(ctx context.Context, w chat.WireMessage) error {
	return a.pub.PublishMessage(ctx, w)
}

func main() {
	cfg := config.Load()
	common.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	db, err := store.Connect(cfg.DBDSN)
	if err != nil {
		logrus.Fatalf("db connect: %v", err)
	}
	repo := store.NewRepo(db)

	var deduper dedup.Deduper
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logrus.WithError(err).Warn("redis unreachable, using in-process dedup")
		deduper = dedup.NewMemory(cfg.DedupTTL)
	} else {
		deduper = dedup.NewRedis(rdb, cfg.DedupTTL)
	}
	cancel()

	var archiver server.Archiver = &server.RepoArchiver{Repo: repo}
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logrus.Fatalf("rabbit connect: %v", err)
		}
		defer pub.Close()
		archiver = &queueArchiver{pub: pub}
		logrus.Infof("archiving via queue %s", cfg.RabbitQueue)
	}

	hub := server.NewHub(deduper, archiver)
	h := server.NewHandler(repo, cfg, hub)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewRouter(h),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logrus.Infof("whirlpoold listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("shutdown: %v", err)
	}
}
