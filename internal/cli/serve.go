package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-msh/internal/backend/filedrop"
	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/server"
	"github.com/sirosfoundation/go-msh/pkg/compression"
	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
	"github.com/sirosfoundation/go-msh/pkg/transport"

	// storage providers
	_ "github.com/sirosfoundation/go-msh/internal/storage/mongodb"
	_ "github.com/sirosfoundation/go-msh/internal/storage/sqlite"
	_ "github.com/sirosfoundation/go-msh/pkg/storage/memory"
)

// NewServeCommand creates the serve subcommand.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the message service handler",
		Long: `Run the message service handler: the ebMS endpoint, the push sender, the
retransmission scheduler and, when server.adminAddress is set, the
administration server.

The process stops on SIGINT or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, rootOpts.logger(cfg))
		},
	}
}

// node is a fully wired MSH with its listeners
type node struct {
	msh       *msh.MSH
	store     *storage.Coordinator
	registry  *prometheus.Registry
	transport *transport.Server
	admin     *server.Server
}

func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	provider, err := storage.Open(ctx, cfg.Storage.Provider, cfg.Storage.Settings)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	store := storage.NewCoordinator(provider, storage.WithLogger(logger), storage.WithMetrics(m))

	list, err := cfg.LoadPModes()
	if err != nil {
		_ = store.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to load P-Modes", err)
	}
	pmodes := pmode.NewManager(list...)
	if pmodes.Len() == 0 {
		logger.Warn("no P-Modes configured, every message will be rejected")
	}

	deliverer, err := newDeliverer(cfg, logger)
	if err != nil {
		_ = store.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to set up the backend", err)
	}

	tlsCfg, err := httpsConfig(cfg)
	if err != nil {
		_ = store.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to load TLS material", err)
	}

	dispatcher := events.NewDispatcher(logger, m)
	dispatcher.Subscribe(logEvents(logger),
		events.MissingConfiguration, events.MessageTransferFailure,
		events.ErrorReceived, events.ValidationFailure)

	engine, err := msh.NewMSH(msh.Config{
		Store:         store,
		PModes:        pmodes,
		Events:        dispatcher,
		Deliverer:     deliverer,
		Transport:     transport.NewClient(tlsCfg, pmodes, logger),
		RetryInterval: cfg.Reliability.RetryInterval,
		SendInterval:  cfg.Reliability.SendInterval,
		SendBatchSize: cfg.Reliability.SendBatchSize,
		PullInterval:  cfg.Reliability.PullInterval,
		ShutdownGrace: cfg.Reliability.ShutdownGrace,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "failed to create the MSH", err)
	}

	n := &node{
		msh:       engine,
		store:     store,
		registry:  registry,
		transport: transport.NewServer(cfg.Server.Address, tlsCfg, engine, logger),
	}
	if cfg.Server.AdminAddress != "" {
		n.admin = server.New(cfg, engine, registry, logger)
	}
	return n, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	n, err := buildNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.store.Close(context.Background()); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	if err := n.msh.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start the MSH", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listen(n.transport.Start())
	})
	if n.admin != nil {
		g.Go(func() error {
			return listen(n.admin.Start(cfg.Server.AdminAddress))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Reliability.ShutdownGrace)
		defer cancel()

		errs := []error{n.transport.Shutdown(shutdownCtx)}
		if n.admin != nil {
			errs = append(errs, n.admin.Shutdown(shutdownCtx))
		}
		errs = append(errs, n.msh.Stop())
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("stopped")
	return nil
}

func listen(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newDeliverer returns the file drop backend, or a deliverer that only logs
// when no directory is configured
func newDeliverer(cfg *config.Config, logger *slog.Logger) (msh.Deliverer, error) {
	if cfg.Backend.Directory != "" {
		var opts []filedrop.Option
		if cfg.Backend.Compress {
			opts = append(opts, filedrop.WithCompression(compression.NewCompressor()))
		}
		return filedrop.New(cfg.Backend.Directory, logger, opts...)
	}
	logger.Warn("no backend directory configured, delivered messages are only logged")
	return msh.DelivererFunc(func(_ context.Context, unit *message.MessageUnit) error {
		logger.Info("delivered",
			"kind", unit.Kind,
			"message_id", unit.MessageID,
			"ref_to_message_id", unit.RefToMessageID,
			"pmode", unit.PModeID)
		return nil
	}), nil
}

func httpsConfig(cfg *config.Config) (*transport.HTTPSConfig, error) {
	c := transport.DefaultHTTPSConfig()
	c.Path = cfg.Server.Path
	c.Timeout = cfg.Server.ClientTimeout

	t := cfg.Server.TLS
	if !t.Enabled {
		return c, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, err
	}
	c.Certificates = []tls.Certificate{cert}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		c.RootCAs = pool
		c.ClientCAs = pool
		c.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return c, nil
}

func logEvents(logger *slog.Logger) events.Handler {
	return events.HandlerFunc(func(_ context.Context, e events.Event) error {
		attrs := []any{"event", e.Type, "pmode", e.PModeID(), "description", e.Description}
		if e.Subject != nil {
			attrs = append(attrs, "message_id", e.Subject.MessageID, "core_id", e.Subject.CoreID)
		}
		logger.Warn("processing event", attrs...)
		return nil
	})
}
