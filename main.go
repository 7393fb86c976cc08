// minder: coordination core of a personal background assistant.
//
// It owns when agent runs happen (one at a time per lane) and everything
// durable around them: the status board, the scheduled-task state machine,
// the append-only message log, and the pg_notify event bus that fans live
// run progress out to SSE subscribers. The LLM harness, the chat client and
// the viewer are separate processes talking to this one.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("db ping: %v", err)
	}
	log.Printf("connected to postgres")

	if err := ensureSchema(ctx, pool); err != nil {
		log.Fatalf("schema: %v", err)
	}

	logger := NewLogger()
	store := NewStore(pool)

	board := NewStatusBoard(store)
	if err := board.Load(ctx); err != nil {
		log.Fatalf("status board: %v", err)
	}

	tasks := NewTaskStore(pool, cfg.TaskMaxAttempts)
	bus := NewBus(pool, logger)
	registry := NewRegistry(logger)
	listener := NewListener(cfg.DatabaseURL, registry, logger)

	harness := NewGatewayClient(cfg.GatewayURL)
	runner := NewRunner(store, bus, harness, board, cfg.Model, logger)

	conversationQueue := NewSignalQueue()
	heartbeatQueue := NewSignalQueue()

	conversation := NewDispatcher(LaneConversation, "responding to user",
		conversationQueue, board, runner.ConversationRun, logger)
	heartbeat := NewDispatcher(LaneHeartbeat, "reflecting on recent activity",
		heartbeatQueue, board, runner.HeartbeatRun, logger)

	scheduler := NewScheduler(tasks, store, runner.TaskRun, cfg.SchedulerInterval, logger)

	server := NewServer(store, tasks, registry, conversationQueue, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(ctx) })
	g.Go(func() error { return conversation.Run(ctx) })
	g.Go(func() error { return heartbeat.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return startHeartbeatProducer(ctx, cfg, heartbeatQueue) })
	g.Go(func() error {
		log.Printf("http listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Printf("minder is running")
	if err := g.Wait(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
	log.Printf("shutdown complete")
}
