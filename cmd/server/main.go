// Command server is the Vision Batch Dispatch entrypoint. It behaves as
// the coordinator/API process by default, or as a Distributed Queue
// worker when WORKER_MODE=true (or the "worker" subcommand is used), the
// way the teacher's own main.go constructs one binary's dependencies in
// order and hands off to a signal-driven shutdown sequence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhunismp/vision-batch-dispatch/internal/config"
	"github.com/zhunismp/vision-batch-dispatch/internal/describer"
	"github.com/zhunismp/vision-batch-dispatch/internal/dispatcher"
	"github.com/zhunismp/vision-batch-dispatch/internal/logging"
	"github.com/zhunismp/vision-batch-dispatch/internal/middleware"
	"github.com/zhunismp/vision-batch-dispatch/internal/models"
	"github.com/zhunismp/vision-batch-dispatch/internal/objectstore"
	"github.com/zhunismp/vision-batch-dispatch/internal/partition"
	"github.com/zhunismp/vision-batch-dispatch/internal/queue"
	"github.com/zhunismp/vision-batch-dispatch/internal/shardstore"
	"github.com/zhunismp/vision-batch-dispatch/internal/telemetry"
	"github.com/zhunismp/vision-batch-dispatch/internal/workerpool"
)

const (
	partitionCount = 8
	replicaCount   = 2
	poolWorkers    = 4
)

func main() {
	root := &cobra.Command{
		Use:   "server",
		Short: "Vision Batch Dispatch coordinator and worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(false)
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Force worker mode regardless of WORKER_MODE",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(true)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(forceWorker bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadCfg(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if forceWorker {
		cfg.WorkerCfg.Mode = true
	}

	log := logging.New(os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))

	pt, err := partition.New(partitionCount, replicaCount)
	if err != nil {
		return fmt.Errorf("construct partitioner: %w", err)
	}
	store := shardstore.New(pt)
	describeClient := describer.New(cfg.DescriberCfg.OllamaURL, log)

	objStore, err := objectstore.New(objectstore.Config{
		Endpoint:  fmt.Sprintf("%s:%s", cfg.ObjectStoreCfg.Endpoint, cfg.ObjectStoreCfg.Port),
		UseSSL:    cfg.ObjectStoreCfg.UseSSL,
		AccessKey: cfg.ObjectStoreCfg.AccessKey,
		SecretKey: cfg.ObjectStoreCfg.SecretKey,
	})
	if err != nil {
		log.Warn().Err(err).Msg("object store unavailable, continuing without it")
		objStore = nil
	}

	var mirror *queue.RedisMirror
	mirror, err = queue.NewRedisMirror(cfg.QueueCfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis mirror unavailable, distributed queue will run memory-only")
		mirror = nil
	}

	if err := queue.PrepareWakeupTopic(ctx, cfg.QueueCfg.Env, cfg.QueueCfg.KafkaBrokers, cfg.QueueCfg.KafkaWakeupTopic, partitionCount); err != nil {
		log.Warn().Err(err).Msg("failed to prepare kafka wakeup topic")
	}

	var notifier *queue.KafkaNotifier
	notifier, err = queue.NewKafkaNotifier(cfg.QueueCfg.KafkaBrokers, cfg.QueueCfg.KafkaWakeupTopic, log)
	if err != nil {
		log.Warn().Err(err).Msg("kafka notifier unavailable, workers will rely on lease polling only")
		notifier = nil
	}

	var q *queue.Queue
	switch {
	case notifier != nil && mirror != nil:
		q = queue.New(notifier, mirror, log)
	case mirror != nil:
		q = queue.New(nil, mirror, log)
	case notifier != nil:
		q = queue.New(notifier, nil, log)
	default:
		q = queue.New(nil, nil, log)
	}

	deps := dispatcher.Deps{
		Partitioner: pt,
		Store:       store,
		Describer:   describeClient,
		ObjectStore: objStore,
		Queue:       q,
		WorkerMode:  cfg.WorkerCfg.Mode,
		WorkerID:    cfg.WorkerCfg.ID,
		Partitions:  cfg.WorkerCfg.Partitions,
		Log:         log,
		RateLimiter: middleware.NewIPRateLimiter(5, 10).Middleware(),
		Metrics:     telemetry.NewRecorder(),
	}

	var runner *queue.Runner
	var pool *workerpool.Pool
	var wakeupConsumer *queue.KafkaConsumer

	if cfg.WorkerCfg.Mode {
		runner = queue.NewRunner(q, cfg.WorkerCfg.ID, cfg.WorkerCfg.Partitions, func(ctx context.Context, payload []byte) (string, error) {
			return describeClient.Describe(ctx, payload)
		}, log)

		wakeupConsumer, err = queue.NewKafkaConsumer(cfg.QueueCfg.KafkaBrokers, cfg.QueueCfg.KafkaWakeupTopic, "vision-batch-workers", log)
		if err != nil {
			log.Warn().Err(err).Msg("kafka wakeup consumer unavailable, worker will rely on lease polling only")
			wakeupConsumer = nil
		} else {
			runner.SetWakeups(wakeupConsumer.Partitions(ctx))
		}

		runner.Start(ctx)
		deps.Runner = runner
		log.Info().Str("workerId", cfg.WorkerCfg.ID).Ints("partitions", cfg.WorkerCfg.Partitions).Msg("started in worker mode")
	} else {
		pool, err = workerpool.New(poolWorkers, func(ctx context.Context, task models.Task) (string, error) {
			return describeClient.Describe(ctx, task.Payload)
		})
		if err != nil {
			return fmt.Errorf("construct worker pool: %w", err)
		}
		deps.Pool = pool
	}

	if objStore != nil {
		if err := objectstore.EnsureBuckets(ctx, objStore, "us-east-1", "bigdata-images", "bigdata-results"); err != nil {
			log.Warn().Err(err).Msg("failed to ensure buckets exist")
		}
	}

	srv := dispatcher.NewServer(deps)
	srv.Start(cfg.ServerCfg.Hostname, cfg.ServerCfg.Port)
	log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.ServerCfg.Hostname, cfg.ServerCfg.Port)).Msg("listening")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during http shutdown")
	}
	if pool != nil {
		pool.Stop(5 * time.Second)
	}
	if runner != nil {
		runner.Stop()
	}
	if wakeupConsumer != nil {
		wakeupConsumer.Close()
	}
	if mirror != nil {
		mirror.Close()
	}
	if notifier != nil {
		notifier.Shutdown()
	}

	return nil
}
