package main

import (
	"crypto/tls"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgesock/edgesock/internal/server"
	"github.com/sirupsen/logrus"
)

type rootConfig struct {
	host           string
	port           int
	backlog        int
	workers        int
	workerQueue    int
	readinessBatch int
	tlsCertFile    string
	tlsKeyFile     string
	logLevel       string
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}
	return buildRootCmd(cfg)
}

func buildRootCmd(cfg *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "edgesockd",
		Short:         "Edge-triggered TCP server with a bounded worker pool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfg.host, "host", "H", "0.0.0.0", "listen address")
	f.IntVarP(&cfg.port, "port", "P", 9000, "listen port")
	f.IntVar(&cfg.backlog, "backlog", 1024, "listen socket backlog")
	f.IntVarP(&cfg.workers, "workers", "w", 4, "worker pool size")
	f.IntVar(&cfg.workerQueue, "worker-queue", 64, "per-worker task queue depth")
	f.IntVar(&cfg.readinessBatch, "readiness-batch", 100, "epoll_wait event buffer size")
	f.StringVar(&cfg.tlsCertFile, "tls-cert", "", "path to a PEM certificate; enables TLS when set with --tls-key")
	f.StringVar(&cfg.tlsKeyFile, "tls-key", "", "path to a PEM private key")
	f.StringVar(&cfg.logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")

	return cmd
}

func runServe(cmd *cobra.Command, cfg *rootConfig) error {
	log := logrus.StandardLogger()
	level, err := logrus.ParseLevel(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("edgesockd: %w", err)
	}
	log.SetLevel(level)

	tlsConfig, err := cfg.loadTLS()
	if err != nil {
		return fmt.Errorf("edgesockd: %w", err)
	}

	srv, err := server.New(server.Config{
		ListenAddr:     cfg.host,
		ListenPort:     cfg.port,
		Backlog:        cfg.backlog,
		Workers:        cfg.workers,
		WorkerQueue:    cfg.workerQueue,
		ReadinessBatch: cfg.readinessBatch,
		TLSConfig:      tlsConfig,
		Handler:        newEchoHandler(log),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("edgesockd: %w", err)
	}

	port, err := srv.Port()
	if err != nil {
		return fmt.Errorf("edgesockd: %w", err)
	}
	log.WithFields(logrus.Fields{
		"host":    cfg.host,
		"port":    port,
		"workers": cfg.workers,
		"tls":     tlsConfig != nil,
	}).Info("edgesockd: listening")

	return srv.Run(cmd.Context())
}

// loadTLS builds a *tls.Config from the configured cert/key pair, or
// returns nil if TLS wasn't requested. Cipher and certificate
// configuration beyond loading the one key pair are an external
// collaborator's concern (spec.md §1 out-of-scope list).
func (c *rootConfig) loadTLS() (*tls.Config, error) {
	if c.tlsCertFile == "" && c.tlsKeyFile == "" {
		return nil, nil
	}
	if c.tlsCertFile == "" || c.tlsKeyFile == "" {
		return nil, fmt.Errorf("both --tls-cert and --tls-key must be set to enable TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.tlsCertFile, c.tlsKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
