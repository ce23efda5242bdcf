package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/concord-chat/concord/pkg/gateway"
	"github.com/concord-chat/concord/pkg/rest"
	"github.com/concord-chat/concord/pkg/store"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.concord/config.toml", "Path to config file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Concord Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := gateway.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.HTTPPort = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}

	finalDBPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	tokenSecret := config.Auth.TokenSecret
	if tokenSecret == "" {
		// Tokens minted against a generated secret stop verifying after
		// a restart; set auth.token_secret in the config for production.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			log.Fatalf("Failed to generate token secret: %v", err)
		}
		tokenSecret = hex.EncodeToString(buf)
		log.Printf("Warning: no auth.token_secret configured, using an ephemeral one")
	}

	tokenTTL := time.Duration(config.Auth.TokenTTLHours) * time.Hour
	st, err := store.Open(finalDBPath, tokenSecret, tokenTTL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gw := gateway.NewServer(config.ToGatewayConfig(), st, registry)
	if *debug {
		gw.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}
	gw.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", gw.HandleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	rest.NewHandler(st, gw, config.Auth.AdminToken).Register(mux)

	addr := fmt.Sprintf(":%d", config.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No write timeout: gateway connections are long-lived.
	}

	go func() {
		log.Printf("Concord server %s listening on %s", Version, addr)
		log.Printf("Gateway: ws://%s:%d/gateway", config.Server.PublicHostname, config.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// pprof for profiling
	go func() {
		log.Println("Starting pprof server on http://localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			log.Printf("pprof server error: %v", err)
		}
	}()

	log.Printf("Database: %s", finalDBPath)
	if config.Auth.AdminToken == "" {
		log.Printf("Admin routes disabled (no auth.admin_token configured)")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	httpServer.Close()
	gw.Stop()
	log.Println("Server stopped")
}
