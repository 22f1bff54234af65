package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/formsuite/proctoring/internal/ingest"
	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/internal/metrics"
)

var (
	// Command-line flags
	httpAddr      = flag.String("http", ":8082", "HTTP server address")
	pprofAddr     = flag.String("pprof", "", "pprof server address (disabled when empty)")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor      = flag.Bool("log-color", true, "Enable colored log output")
	corsOrigin    = flag.String("cors-origin", "*", "Access-Control-Allow-Origin for browser clients (empty disables CORS)")
	clickhouseDSN = flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse DSN for the violation archive (defaults to $CLICKHOUSE_DSN)")
)

// Server is the violation ingestion server
type Server struct {
	metrics    *metrics.Metrics
	store      *ingest.Store
	archive    ingest.Archiver
	httpServer *http.Server
}

func main() {
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)
	defer logger.Sync()

	logger.Info("Main", "Ingestion server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer()
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	errCh := srv.Start()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		logger.Error("Main", "HTTP server failed: %v", err)
	}

	logger.Info("Main", "Shutting down...")
	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}

// NewServer creates the ingestion server from flags
func NewServer() (*Server, error) {
	m := metrics.New()
	store := ingest.NewStore()

	var archive ingest.Archiver
	if *clickhouseDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w, err := ingest.NewClickHouseWriter(ctx, *clickhouseDSN, logger.Zap(), m)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		archive = w
		logger.Info("Main", "Archiving violations to ClickHouse")
	} else {
		archive = ingest.NewLogWriter(logger.Zap())
		logger.Info("Main", "No ClickHouse DSN, archiving violations to the log")
	}

	handler := ingest.NewHandler(ingest.Options{
		Store:      store,
		Archive:    archive,
		Metrics:    m,
		Logger:     logger.Zap(),
		CORSOrigin: *corsOrigin,
	})

	return &Server{
		metrics: m,
		store:   store,
		archive: archive,
		httpServer: &http.Server{
			Addr:              *httpAddr,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves HTTP in the background. The returned channel receives a
// listener failure.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)

	go func() {
		logger.Info("HTTP", "Listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if *pprofAddr != "" {
		go func() {
			logger.Info("pprof", "Listening on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("pprof", "Server error: %v", err)
			}
		}()
	}

	return errCh
}

// Shutdown ends live feeds, stops accepting requests and drains the archive.
// Feeds are closed first because http.Server.Shutdown waits for active
// handlers without cancelling their contexts.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.store.Close()
	err := s.httpServer.Shutdown(ctx)

	s.archive.Close()
	return err
}
