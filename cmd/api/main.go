package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"servicehub/assignment"
	"servicehub/audit"
	"servicehub/auth"
	"servicehub/db"
	"servicehub/event"
	"servicehub/provider"
	"servicehub/qualification"
	"servicehub/request"
)

// logDispatcher is the default outbox sink: it logs each message instead of
// calling a real notification system.
type logDispatcher struct{}

func (logDispatcher) Dispatch(_ context.Context, topic string, payload []byte) error {
	log.Printf("dispatch %s: %s", topic, payload)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	writer := event.NewWriter()
	requestRepo := request.NewRepository(pool)
	requestSvc := request.NewService(pool, requestRepo, writer, writer)
	quals := qualification.NewRepository(pool)
	resolver := assignment.NewResolver(pool, requestRepo, assignment.NewLedger(), quals).
		WithTimelineAndOutbox(writer, writer)

	server := &Server{
		authService:     auth.NewService(auth.NewRepository(pool), jwtSecret),
		requestService:  requestSvc,
		resolver:        resolver,
		auditService:    audit.NewService(audit.NewRepository(pool)),
		providerService: provider.NewService(provider.NewRepository(pool)),
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	relay := event.NewRelay(pool, logDispatcher{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := relay.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}
