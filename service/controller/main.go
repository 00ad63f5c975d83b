/*
SPDX-FileCopyrightText: Copyright (c) 2026 Meek Vision Project. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// The controller is the control plane of the video analysis fleet: it
// accepts analysis tasks over HTTP, fans them out into subtasks, dispatches
// them to worker nodes over the message bus and tracks node health, stream
// reachability and task state.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meek-vision/meek/internal/api"
	"github.com/meek-vision/meek/internal/bus"
	"github.com/meek-vision/meek/internal/dispatch"
	"github.com/meek-vision/meek/internal/events"
	"github.com/meek-vision/meek/internal/health"
	"github.com/meek-vision/meek/internal/ingest"
	"github.com/meek-vision/meek/internal/marketsync"
	"github.com/meek-vision/meek/internal/monitor"
	"github.com/meek-vision/meek/internal/registry"
	"github.com/meek-vision/meek/internal/state"
	"github.com/meek-vision/meek/internal/store"
	"github.com/meek-vision/meek/utils"
	"github.com/meek-vision/meek/utils/logging"
	"github.com/meek-vision/meek/utils/metrics"
	"github.com/meek-vision/meek/utils/postgres"
	"github.com/meek-vision/meek/utils/progress_check"
	"github.com/meek-vision/meek/utils/redis"
)

const serviceName = "meek-controller"

func main() {
	logFlags := logging.RegisterFlags()
	pgFlags := postgres.RegisterPostgresFlags()
	redisFlags := redis.RegisterRedisFlags()
	busFlags := bus.RegisterFlags()
	marketFlags := marketsync.RegisterFlags()
	apiFlags := api.RegisterFlags()
	metricsFlags := metrics.RegisterFlags(serviceName)
	progressFile := flag.String("progress-file",
		utils.GetEnv("MEEK_PROGRESS_FILE", ""),
		"Liveness progress file touched by the periodic jobs")
	queueCapacity := flag.Int("queue-capacity",
		utils.GetEnvInt("MEEK_QUEUE_CAPACITY", 1024),
		"Inbound message queue capacity")
	routerWorkers := flag.Int("router-workers",
		utils.GetEnvInt("MEEK_ROUTER_WORKERS", 8),
		"Message router worker count")
	healthInterval := flag.Duration("health-interval",
		utils.GetEnvDuration("MEEK_HEALTH_INTERVAL", health.DefaultInterval),
		"Node health check interval")
	flag.Parse()

	logger := logging.InitLogger(serviceName, logFlags.ToConfig())

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if metricsConfig := metricsFlags.ToConfig(); metricsConfig.Enabled {
		if err := metrics.Init(metricsConfig); err != nil {
			logger.Warn("metrics disabled", slog.Any("error", err))
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				if err := metrics.Get().Shutdown(flushCtx); err != nil {
					logger.Warn("metrics flush incomplete", slog.Any("error", err))
				}
			}()
		}
	}

	// Storage.
	pgConfig := pgFlags.ToPostgresConfig()
	pgClient, err := postgres.NewPostgresClient(ctx, pgConfig, logger)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pgClient.Close()

	st, err := store.New(ctx, pgClient.Pool(), pgConfig.URL(), logger)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}

	redisClient, err := redis.NewRedisClient(ctx, redisFlags.ToRedisConfig(), logger)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	// Message bus.
	busClient := bus.NewClient(busFlags.ToConfig(), logger)
	topics := busClient.Topics()
	queue := bus.NewPriorityQueue(*queueCapacity, bus.DefaultTopicPriorities(topics))
	router := bus.NewRouter(queue, *routerWorkers, logger)

	// Components.
	hub := events.NewHub(logger)
	defer hub.Close()

	stateMgr := state.NewManager(redisClient.Client(), st, hub,
		state.DefaultFlushInterval, logger)
	reg := registry.New(st, topics, registry.DefaultCacheTTL, logger)
	retryQueue := dispatch.NewRetryQueue(redisClient.Client(),
		dispatch.DefaultRetryBase, dispatch.DefaultRetryFactor, logger)
	dispatcher := dispatch.New(dispatch.DefaultConfig(), st, reg, stateMgr,
		busClient, topics, retryQueue, logger)
	ingester := ingest.New(st, reg, stateMgr, dispatcher, topics, logger)
	tracker := health.New(st, reg, dispatcher, stateMgr, *healthInterval, logger)
	streamMonitor := monitor.New(st, nil, monitor.DefaultWorkers,
		monitor.DefaultProbeTimeout, logger)
	syncer := marketsync.New(marketFlags.ToConfig(), st, logger)

	reg.Register(router)
	dispatcher.Register(router)
	ingester.Register(router)

	if err := retryQueue.Load(ctx); err != nil {
		logger.Warn("retry queue restore failed", slog.Any("error", err))
	}

	// Broker connection. Inbound traffic flows through the router's dedup
	// and priority queue; subscriptions survive reconnects.
	for _, pattern := range []string{
		topics.Connection(),
		topics.StatusPattern(),
		topics.ConfigReply(),
		topics.ResultPattern(),
	} {
		if err := busClient.Subscribe(pattern, 1, router.Inbound); err != nil {
			log.Fatalf("failed to subscribe to %s: %v", pattern, err)
		}
	}
	busClient.SetOnReconnectExhausted(func() {
		logger.Error("broker unreachable, continuing with database-only operation")
	})
	if err := busClient.Connect(); err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer busClient.Disconnect()

	// Background loops.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		router.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		stateMgr.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		retryQueue.Run(ctx, dispatcher.Retry)
	}()

	// Periodic jobs.
	var progress *progress_check.ProgressWriter
	if *progressFile != "" {
		progress, err = progress_check.NewProgressWriter(*progressFile)
		if err != nil {
			logger.Warn("progress file unavailable", slog.Any("error", err))
		}
	}
	reportProgress := func() {
		if progress != nil {
			if err := progress.ReportProgress(); err != nil {
				logger.Warn("progress report failed", slog.Any("error", err))
			}
		}
	}

	var lastDropped int64
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(*healthInterval), cron.FuncJob(func() {
		tracker.Check(ctx)
		reportProgress()

		rec := metrics.Get()
		rec.RecordHistogram(ctx, "meek.queue.depth", float64(queue.Len()),
			"{message}", "Inbound message queue depth", nil)
		rec.RecordHistogram(ctx, "meek.retry.depth", float64(retryQueue.Len()),
			"{subtask}", "Dispatch retry queue depth", nil)
		if dropped := queue.Dropped(); dropped > lastDropped {
			rec.RecordCounter(ctx, "meek.queue.dropped", dropped-lastDropped,
				"{message}", "Messages dropped by the inbound queue", nil)
			lastDropped = dropped
		}
	}))
	scheduler.Schedule(cron.Every(time.Minute), cron.FuncJob(func() {
		streamMonitor.Check(ctx)
	}))
	scheduler.Schedule(cron.Every(30*time.Second), cron.FuncJob(func() {
		if err := retryQueue.Persist(ctx); err != nil {
			logger.Warn("retry queue persist failed", slog.Any("error", err))
		}
	}))
	if syncer.Enabled() {
		scheduler.Schedule(cron.Every(time.Hour), cron.FuncJob(func() {
			if _, err := syncer.Sync(ctx); err != nil {
				logger.Warn("model catalog sync failed", slog.Any("error", err))
			}
		}))
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP surface.
	server := api.NewServer(st, stateMgr, dispatcher, ingester, syncer, hub, logger)
	httpServer := &http.Server{
		Addr:              apiFlags.ListenAddr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.Any("error", err))
	}

	wg.Wait()
	logger.Info("controller stopped gracefully")
}
