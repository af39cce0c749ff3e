// Command ipmibmcd runs the IPMI 2.0 RMCP+ session server. Entry point
// follows the teacher's main.go shutdown discipline (signal-driven
// context cancellation, wait for goroutines to drain) but replaces its
// bare flag.String config loader and hand-rolled ipmi.Server loop with
// koanf configuration and session.Server.Run.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/virtualbmc/ipmiserver/internal/authstore"
	"github.com/virtualbmc/ipmiserver/internal/backend"
	"github.com/virtualbmc/ipmiserver/internal/config"
	"github.com/virtualbmc/ipmiserver/internal/metrics"
	"github.com/virtualbmc/ipmiserver/internal/netio"
	"github.com/virtualbmc/ipmiserver/internal/session"
	"github.com/virtualbmc/ipmiserver/vsphere"
)

var configFile string
var metricsAddr string

func main() {
	root := &cobra.Command{
		Use:   "ipmibmcd",
		Short: "IPMI 2.0 RMCP+ BMC session server",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to YAML configuration file")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9623", "HTTP listen address for the Prometheus /metrics endpoint")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.New()
	level, lerr := logrus.ParseLevel(cfg.Logging.Level)
	if lerr != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	bmcUUID, err := resolveUUID(cfg.Server.BMCUUID)
	if err != nil {
		return fmt.Errorf("resolve bmc uuid: %w", err)
	}
	entry.WithField("uuid", bmcUUID).Info("starting ipmibmcd")

	transport, err := netio.Listen(cfg.Server.Address, cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("bind udp listener: %w", err)
	}
	defer transport.Close()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	be, err := buildBackend(cfg, entry)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}

	var kg []byte
	if cfg.Server.KG != "" {
		kg = []byte(cfg.Server.KG)
	}

	srv := session.New(session.Config{
		Auth:              authstore.NewStatic(cfg.Users),
		KG:                kg,
		UUID:              bmcUUID,
		Backend:           be,
		Source:            transport,
		Sink:              transport,
		InactivityTimeout: cfg.Server.InactivityTimeout,
		Log:               entry,
		Metrics:           collector,
		OnEvent: func(ev session.ProtocolEvent) {
			entry.WithFields(logrus.Fields{"kind": ev.Kind.String(), "peer": ev.Peer}).Debug(ev.Detail)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("metrics server failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runReturned := false
	select {
	case <-sigCh:
		entry.Info("shutting down")
	case err := <-errCh:
		runReturned = true
		if err != nil {
			entry.WithError(err).Error("session server stopped")
		}
	}

	cancel()
	_ = transport.Close()
	_ = metricsServer.Close()
	if !runReturned {
		<-errCh
	}
	entry.Info("shutdown complete")
	return nil
}

func resolveUUID(configured string) ([16]byte, error) {
	var out [16]byte
	if configured == "" {
		id := uuid.New()
		copy(out[:], id[:])
		return out, nil
	}
	id, err := uuid.Parse(configured)
	if err != nil {
		return out, fmt.Errorf("parse server.bmc_uuid: %w", err)
	}
	copy(out[:], id[:])
	return out, nil
}

func buildBackend(cfg *config.Config, log *logrus.Entry) (backend.BmcBackend, error) {
	if cfg.VSphere.URL == "" {
		return backend.Default{}, nil
	}
	return vsphere.NewBackend(context.Background(), vsphere.BackendConfig{
		URL:        cfg.VSphere.URL,
		User:       cfg.VSphere.User,
		Password:   cfg.VSphere.Password,
		Datacenter: cfg.VSphere.Datacenter,
		VMName:     cfg.VSphere.VMName,
		Folder:     cfg.VSphere.Folder,
		Insecure:   cfg.VSphere.Insecure,
		Log:        log,
	})
}
