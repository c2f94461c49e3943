package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hey-memory/LR4HCAR/internal/db"
	"github.com/hey-memory/LR4HCAR/internal/queue"
	"github.com/hey-memory/LR4HCAR/internal/storage"
	"github.com/hey-memory/LR4HCAR/internal/util"
	"github.com/hey-memory/LR4HCAR/pkg/leaselock"
	"github.com/hey-memory/LR4HCAR/pkg/logger"
	"github.com/hey-memory/LR4HCAR/pkg/logger/console"
	"github.com/hey-memory/LR4HCAR/pkg/store"
	pgstore "github.com/hey-memory/LR4HCAR/pkg/store/pgx"
)

const maxRetries = 10

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		JSON:   util.GetEnvBool("LOG_JSON", false),
		Prefix: "worker",
	})
	logger.Init(consoleLogger)

	useCUDA := util.GetEnvBool("BETAE_USE_CUDA", false)

	// Init s3 client
	client, err := storage.NewS3Client(ctx)
	if err != nil {
		logger.Fatal("Failed to create S3 client", "err", err)
	}

	// Init pgx client
	databaseURL := util.GetEnv("DATABASE_URL")
	if err := db.Migrate(databaseURL); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}
	pgConn, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()
	runStore := pgstore.NewRunDBStorageWithConnection(pgConn)
	locks := leaselock.New(pgConn)

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.TrainQueue}); err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	if err := queue.RecoverStaleRuns(ctx, ch, runStore, locks); err != nil {
		logger.Error("Failed to recover stale runs", "err", err)
	}

	workerID := util.GetEnv("WORKER_ID")
	if workerID == "" {
		workerID, _ = gonanoid.New()
	}
	deps := queue.TrainDeps{
		Objects: client,
		Store:   runStore,
		Locks:   locks,
		Channel: ch,
		Worker:  workerID,
		UseCUDA: useCUDA,
	}

	// Training is CPU bound, so only one message is processed at a time
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.TrainQueue,
		queue.TrainQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.TrainQueue, "err", err)
	}

	logger.Info("Listening for messages", "worker", workerID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("Message channel closed", "queue", queue.TrainQueue)
				return
			}
			handleMessage(ctx, deps, runStore, consumerCh, msg)
		}
	}
}

func handleMessage(ctx context.Context, deps queue.TrainDeps, st store.RunStorage, ch *amqp.Channel, msg amqp.Delivery) {
	startTime := time.Now()
	logger.Info("Received message", "queue", queue.TrainQueue)

	processingErr := queue.ProcessTrainMessage(ctx, deps, string(msg.Body))

	switch {
	case processingErr == nil:
		if err := msg.Ack(false); err != nil {
			logger.Error("Failed to ack message", "err", err)
		}
		logger.Info("Message processed successfully", "queue", queue.TrainQueue)
	case ctx.Err() != nil && errors.Is(processingErr, context.Canceled):
		// Shutting down: hand the message back untouched
		logger.Info("Requeueing message on shutdown", "queue", queue.TrainQueue)
		_ = msg.Nack(false, true)
	default:
		logger.Error("Error processing message", "queue", queue.TrainQueue, "err", processingErr)
		handleProcessingError(ctx, ch, st, msg, queue.TrainQueue, queue.IsPermanent(processingErr))
	}

	processingDuration := time.Since(startTime)
	hours := int(processingDuration.Hours())
	minutes := int(processingDuration.Minutes()) % 60
	seconds := int(processingDuration.Seconds()) % 60
	logger.Info(
		"Processing time",
		"duration", fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds),
	)
	logger.Info("Waiting for next message")
}

func handleProcessingError(ctx context.Context, ch *amqp.Channel, st store.RunStorage, msg amqp.Delivery, queueName string, permanent bool) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	// Permanent failures and exhausted retries go to the dead-letter queue
	if permanent || retries >= maxRetries {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName, "retries", retries, "permanent", permanent)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	queue.ResetRunStatusForRetry(ctx, st, queueName, msg.Body)

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
