package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/app"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "indexer",
		Short:        "PEPPOL directory indexer",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "configs/development.yaml", "path to config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		logger.Setup(cfg.LogLevel(), cfg.LogFormat())
		return cfg, nil
	}

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newQueueCmd(load))
	cmd.AddCommand(newParticipantsCmd(load))
	cmd.AddCommand(newReindexCmd())
	return cmd
}

type loader func() (*config.Config, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the intake, query and ops servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting directory indexer", "port", cfg.Server.Port, "data_path", cfg.DataPath)
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	a.Start(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.PublicHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Server.TLSEnabled() {
		// Chains are checked against the trust store by the intake
		// middleware, so the handshake only asks for a certificate.
		server.TLSConfig = &tls.Config{
			ClientAuth: tls.RequestClientCert,
			MinVersion: tls.VersionTLS12,
		}
	}

	var shutdownOps func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownOps = metrics.StartServer(cfg.Metrics.Port, a.Metrics, a.OpsMux())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("directory indexer listening", "addr", server.Addr, "tls", cfg.Server.TLSEnabled())
		var err error
		if cfg.Server.TLSEnabled() {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down directory indexer")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if shutdownOps != nil {
			if err := shutdownOps(shutdownCtx); err != nil {
				slog.Error("ops server shutdown error", "error", err)
			}
		}
		return nil
	})
	runErr := g.Wait()
	if runErr != nil {
		slog.Error("server error", "error", runErr)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		slog.Error("indexer shutdown error", "error", err)
		return errors.Join(runErr, err)
	}
	return runErr
}

func newQueueCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print the work items persisted at the last shutdown",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			path := indexer.Config{DataPath: cfg.DataPath}.QueueFile()
			items, skipped, err := indexer.ReadQueueFile(path)
			if err != nil {
				return err
			}
			return printQueue(cmd.OutOrStdout(), items, skipped)
		},
	}
}

func printQueue(out io.Writer, items []*indexer.WorkItem, skipped []error) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKIND\tPARTICIPANT\tOWNER\tHOST")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			it.CreatedAt.Format(time.RFC3339), it.Kind, it.ParticipantID.URIEncoded(), it.OwnerID, it.RequestingHost)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, err := range skipped {
		fmt.Fprintf(out, "skipped: %v\n", err)
	}
	return nil
}

func newParticipantsCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "participants",
		Short: "List the participants in the index (the server must be stopped)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := storage.OpenStore(cfg.DataPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := storage.NewManager(store).GetAllContainedParticipantIDs(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id.URIEncoded())
			}
			return nil
		},
	}
}

func newReindexCmd() *cobra.Command {
	var opsURL string
	cmd := &cobra.Command{
		Use:   "reindex <participant-id>",
		Short: "Queue a CREATE_UPDATE for one participant on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := opsURL + "/admin/reindex/" + url.PathEscape(args[0])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("calling %s: %w", target, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("reindex rejected: %s: %s", resp.Status, body)
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVar(&opsURL, "ops-url", "http://localhost:9090", "base URL of the ops server")
	return cmd
}
