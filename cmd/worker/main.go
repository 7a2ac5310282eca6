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

	"github.com/lawgraph/ingest/internal/config"
	"github.com/lawgraph/ingest/internal/queue"
	"github.com/lawgraph/ingest/internal/runner"
	"github.com/lawgraph/ingest/internal/util"
	"github.com/lawgraph/ingest/pkg/leaselock"
	"github.com/lawgraph/ingest/pkg/logger"
	"github.com/lawgraph/ingest/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{Level: cfg.Level()}))
	if !cfg.RabbitConfigured() {
		logger.Fatal("RABBITMQ_HOST is required for the worker")
	}
	logger.Info("Starting worker", cfg.Redacted()...)

	// Init rabbitmq
	conn, err := queue.Dial(cfg.RabbitURL())
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.IngestQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	// Init run leases
	var leases queue.Leaser
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Unable to connect to database", "err", err)
		}
		defer pool.Close()
		host, _ := os.Hostname()
		leases = leaselock.New(pool, leaselock.Options{Owner: host})
	} else {
		logger.Warn("DATABASE_URL not set, runs are not guarded by input leases")
	}

	r, err := runner.New(ctx, runner.NewRunnerParams{
		Config:    cfg,
		Publisher: queue.NewMissingPublisher(ch),
	})
	if err != nil {
		logger.Fatal("Failed to start runner", "err", err)
	}
	defer r.Close(context.WithoutCancel(ctx))

	handler := queue.NewHandler(queue.NewHandlerParams{
		Run: func(ctx context.Context, msg queue.IngestMessage) error {
			_, err := r.Run(ctx, runner.RunParams{Input: msg.Input, Workers: msg.Workers})
			return err
		},
		Leases: leases,
	})

	// One delivery at a time: a run already fans out over its own workers.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, false); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.IngestQueue,
		queue.IngestQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.IngestQueue, "err", err)
	}

	logger.Info("Listening for messages", "queue", queue.IngestQueue)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Error("Message channel closed", "queue", queue.IngestQueue)
				return
			}
			startTime := time.Now()
			logger.Info("Received message", "queue", queue.IngestQueue, "retries", queue.Retries(msg.Headers))

			processingErr := handler.Handle(ctx, msg.Body)
			switch {
			case processingErr == nil:
				if err := msg.Ack(false); err != nil {
					logger.Error("Failed to ack message", "err", err)
				}
				logger.Info("Message processed successfully", "queue", queue.IngestQueue)
			case ctx.Err() != nil:
				// Interrupted runs are redelivered as they are.
				if err := msg.Nack(false, true); err != nil {
					logger.Error("Failed to nack message", "err", err)
				}
			default:
				if errors.Is(processingErr, leaselock.ErrBusy) {
					logger.Warn("Input is being ingested elsewhere", "queue", queue.IngestQueue)
				} else {
					logger.Error("Error processing message", "queue", queue.IngestQueue, "err", processingErr)
				}
				queue.HandleProcessingError(ctx, consumerCh, msg, queue.IngestQueue, processingErr)
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
	}
}
