// Command clusterd runs a single member of the replicated cluster core
// described by this module: it loads static TOML configuration, starts the
// peer transport and election loop, exposes prometheus metrics over HTTP,
// and shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andryyy/thatcat-sub000/internal/config"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/metrics"
	"github.com/andryyy/thatcat-sub000/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/clusterd/clusterd.toml", "Path to the cluster TOML configuration file")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9360", "Address to serve /metrics on")
	debug := flag.Bool("debug", false, "Enable debug-level logging")
	flag.Parse()

	log := logging.NewLogrusLogger("clusterd")
	log.ToggleDebug(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("clusterd: loading config: %v", err)
	}

	tlsConfig, err := loadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("clusterd: loading TLS material: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)

	started := float64(time.Now().UnixNano()) / float64(time.Second)
	cluster, err := server.NewCluster(cfg, started, tlsConfig, log, m)
	if err != nil {
		log.Fatalf("clusterd: building cluster: %v", err)
	}

	cluster.OnLeaderChange(func(leader string) {
		log.Infof("clusterd: leader is now %q", leader)
	})
	cluster.OnClusterComplete(func(complete bool) {
		log.Infof("clusterd: cluster_complete=%v", complete)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("clusterd: metrics server stopped: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cluster.Start(ctx); err != nil {
		log.Fatalf("clusterd: starting cluster: %v", err)
	}
	log.Infof("clusterd: %s started, listening on %s", cfg.Self.Name, cfg.Server.BindAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("clusterd: shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := cluster.Shutdown(shutdownCtx); err != nil {
		log.Warnf("clusterd: shutdown: %v", err)
	}
	_ = metricsSrv.Close()
}

// loadTLSConfig builds the TLS material the peer transport dials and
// listens with. All three fields are required: this cluster has no
// plaintext mode (spec.md §4.2).
func loadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" || cfg.CAFile == "" {
		return nil, fmt.Errorf("config: [tls] requires cert_file, key_file and ca_file")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: loading peer certificate: %w", err)
	}

	caBytes, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("config: reading ca_file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("config: ca_file %s contains no usable certificates", cfg.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
