package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/whirlpool-im/whirlpool/internal/chat"
	"github.com/whirlpool-im/whirlpool/internal/common"
	"github.com/whirlpool-im/whirlpool/internal/config"
	"github.com/whirlpool-im/whirlpool/internal/store"
	"github.com/whirlpool-im/whirlpool/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WHIRLPOOL_ARCHIVER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	common.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	if cfg.RabbitURL == "" {
		logrus.Fatal("WHIRLPOOL_RABBIT_URL is required for the archiver")
	}

	db, err := store.Connect(cfg.DBDSN)
	if err != nil {
		logrus.Fatalf("db connect: %v", err)
	}
	repo := store.NewRepo(db)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logrus.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logrus.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		logrus.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		logrus.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logrus.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.Infof("archiver started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var w chat.WireMessage
				if err := json.Unmarshal(d.Body, &w); err != nil || w.MessageID == "" {
					logrus.Warnf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				err := repo.InsertMessage(ctx, store.RecordFromWire(w))
				if err == store.ErrDuplicateMessage {
					// Redelivery after a crash between insert and ack.
					logrus.Infof("worker=%d message %s already archived", workerID, w.MessageID)
					err = nil
				}
				if err != nil {
					logrus.Warnf("worker=%d archive %s failed cost=%s err=%v", workerID, w.MessageID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					logrus.Warnf("worker=%d ack failed message=%s err=%v", workerID, w.MessageID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logrus.Info("archiver shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logrus.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}
