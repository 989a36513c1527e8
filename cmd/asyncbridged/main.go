package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/nexusmq/asyncbridge/cmd/asyncbridged/tlsgen"
	"github.com/nexusmq/asyncbridge/pkg/async"
	"github.com/nexusmq/asyncbridge/pkg/bridge"
	"github.com/nexusmq/asyncbridge/pkg/config"
	"github.com/nexusmq/asyncbridge/pkg/logging"
	"github.com/nexusmq/asyncbridge/pkg/messaging"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	format := logging.TextFormat
	if strings.EqualFold(cfg.Logging.Format, "json") {
		format = logging.JSONFormat
	}
	logging.InitGlobalLogger(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     os.Stdout,
		ShowCaller: cfg.Logging.ShowCaller,

		EnableSanitizing: true,
	})
	logger := logging.GetGlobalLogger().WithComponent("asyncbridged")

	executor := async.NewExecutor(cfg.Async)

	dialer := &messaging.TLSDialer{TLSConfig: &tls.Config{InsecureSkipVerify: cfg.Messaging.InsecureSkipTLS}}
	client, err := messaging.NewClient(cfg.Messaging, dialer)
	if err != nil {
		log.Fatalf("failed to construct messaging client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		logger.Warnf("initial broker connect failed, will keep retrying: %v", err)
	}

	b := bridge.New(cfg.Bridge, executor, client)

	server := &http.Server{
		Addr:         cfg.Bridge.ListenAddr,
		Handler:      b,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	scheme := "http"
	if cfg.Bridge.TLSEnabled {
		scheme = "https"
		certFile, keyFile := cfg.Bridge.TLSCertFile, cfg.Bridge.TLSKeyFile
		if cfg.Bridge.TLSAutoGen {
			certDir, err := tlsgen.DefaultCertDir()
			if err != nil {
				log.Fatalf("failed to resolve certificate directory: %v", err)
			}
			certFile, keyFile, err = tlsgen.NewGenerator(certDir).LoadOrGenerate([]string{"localhost"})
			if err != nil {
				log.Fatalf("failed to generate TLS certificate: %v", err)
			}
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			log.Fatalf("failed to load TLS certificate: %v", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	printBanner(scheme, cfg.Bridge.ListenAddr, cfg.Messaging.Endpoint)

	errCh := make(chan error, 1)
	go func() {
		if cfg.Bridge.TLSEnabled {
			errCh <- server.ListenAndServeTLS("", "")
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
		}
	case sig := <-sigCh:
		logger.Infof("received signal %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	b.Dispose()
	client.Dispose()
	executor.Dispose()
}

func printBanner(scheme, listenAddr, brokerEndpoint string) {
	fmt.Printf("asyncbridged listening on %s://%s\n", scheme, listenAddr)
	fmt.Printf("broker endpoint: %s\n", brokerEndpoint)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("(interactive terminal detected; press Ctrl+C to stop)")
	}
}
