package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fcpqueue/discovery"
	"fcpqueue/fcp"
	"fcpqueue/models"
	"fcpqueue/queue"
	"fcpqueue/storage"
)

const finishedTransferRetention = 7 * 24 * time.Hour

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the transfer queue against the node",
	Long: `Run keeps the local transfer queue in sync with the node's global queue
until interrupted. Transfers added with "fcpqueue queue add-get|add-put" from
another shell are picked up on the next admission pass.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return current.run(cmd.Context())
	},
}

func (a *app) run(ctx context.Context) error {
	logger := a.logger

	store, dbPath, err := storage.Open(a.dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("database close error")
		}
	}()
	logger.Info().Str("path", dbPath).Msg("database opened")

	cutoff := time.Now().Add(-finishedTransferRetention).UnixMilli()
	if pruned, err := store.PruneFinishedTransfers(cutoff); err != nil {
		logger.Warn().Err(err).Msg("prune finished transfers failed")
	} else if pruned > 0 {
		logger.Info().Int64("count", pruned).Msg("pruned finished transfers")
	}

	address := ""
	if a.cfg.DiscoverNode && nodeOverride == "" {
		address = a.discoverNodeAddress(ctx)
	}

	sequence := newSequence()
	client := a.newClient(address, sequence)
	hello, err := client.Handshake(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("address", client.Address()).Msg("node not reachable yet")
	} else {
		logger.Info().
			Str("address", client.Address()).
			Str("node", hello.Node).
			Str("version", hello.Version).
			Msg("connected to node")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	reconciler, err := queue.New(queue.Options{
		Node:                    client,
		Store:                   store,
		Sequence:                sequence,
		MaxActiveDownloads:      a.cfg.MaxActiveDownloads,
		MaxActiveUploads:        a.cfg.MaxActiveUploads,
		DefaultDownloadPriority: models.PriorityFromClass(a.cfg.DefaultDownloadPriority),
		DefaultUploadPriority:   models.PriorityFromClass(a.cfg.DefaultUploadPriority),
		EnforceLocalPriority:    a.cfg.EnforceLocalPriority,
		ShowExternal:            a.cfg.ShowExternalItems,
		DDA:                     a.cfg.DDAEnabled,
		Interval:                a.cfg.QueueInterval(),
		CancelTimeout:           a.cfg.CancelTimeout(),
		RetryInterval:           a.cfg.RetryInterval(),
		Metrics:                 queue.NewMetrics(registry),
		Logger:                  logger,
	})
	if err != nil {
		return err
	}
	watcher := fcp.NewWatcher(client, reconciler, fcp.WatcherOptions{Logger: logger})

	group, groupCtx := errgroup.WithContext(ctx)

	reconciler.Start(groupCtx)
	group.Go(func() error {
		<-groupCtx.Done()
		reconciler.Stop()
		return nil
	})
	group.Go(func() error {
		recordHistory(store, reconciler.Events(), logger)
		return nil
	})
	group.Go(func() error {
		return watcher.Run(groupCtx)
	})

	if a.cfg.MetricsAddress != "" {
		server := &http.Server{
			Addr:              a.cfg.MetricsAddress,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info().Str("address", server.Addr).Msg("serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info().Msg("queue running (press Ctrl+C to stop)")
	err = group.Wait()
	logger.Info().Msg("queue stopped")
	return err
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// discoverNodeAddress returns the first node found on the LAN, or "" so the
// configured node is used.
func (a *app) discoverNodeAddress(ctx context.Context) string {
	nodes, err := discovery.Discover(ctx, discovery.Config{})
	if err != nil {
		a.logger.Warn().Err(err).Msg("node discovery failed")
		return ""
	}
	if len(nodes) == 0 {
		a.logger.Info().Str("address", a.cfg.NodeAddress()).Msg("no node discovered, using configured node")
		return ""
	}
	a.logger.Info().Str("instance", nodes[0].Instance).Str("address", nodes[0].Address()).Msg("node discovered")
	return nodes[0].Address()
}

type historyDetails struct {
	Key            string `json:"key,omitempty"`
	Priority       int    `json:"priority"`
	DoneBlocks     int    `json:"done_blocks"`
	RequiredBlocks int    `json:"required_blocks"`
	Error          string `json:"error,omitempty"`
	Digest         string `json:"digest,omitempty"`
}

// recordHistory writes queue events of local transfers into the history table
// until the channel closes. Progress updates are not recorded.
func recordHistory(store *storage.Store, events <-chan queue.Event, logger zerolog.Logger) {
	for event := range events {
		base := event.Transfer.Base()
		if base.IsExternal || event.Type == queue.EventUpdated {
			continue
		}
		details, err := json.Marshal(historyDetails{
			Key:            base.Key,
			Priority:       base.Priority.Class(),
			DoneBlocks:     base.Progress.DoneBlocks,
			RequiredBlocks: base.Progress.RequiredBlocks,
			Error:          base.ErrorDescription,
			Digest:         base.Digest,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("encode history details failed")
			continue
		}
		if err := store.LogTransferEvent(storage.TransferEvent{
			GlobalID:  base.GlobalID,
			EventType: string(event.Type),
			State:     string(base.State),
			Details:   string(details),
		}); err != nil {
			logger.Warn().Err(err).Str("global_id", base.GlobalID).Msg("record transfer history failed")
		}
	}
}
