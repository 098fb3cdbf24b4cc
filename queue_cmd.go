package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fcpqueue/crypto"
	"fcpqueue/fcp"
	"fcpqueue/models"
	"fcpqueue/storage"
)

var (
	queueAddPriority  int
	queueAddMaxSize   int64
	queueAddKey       string
	queueAddAddrOnly  bool
	queueAddPreShared bool
	queueHistoryLimit int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the persistent transfer queue",
	Long: `Queue edits the local transfer records used by "fcpqueue run". A running
queue picks up additions and cancellations on its next admission pass.`,
}

var queueAddGetCmd = &cobra.Command{
	Use:   "add-get <key> [target]",
	Short: "Queue a download",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runQueueAddGet,
}

var queueAddPutCmd = &cobra.Command{
	Use:   "add-put <file>",
	Short: "Queue an upload",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueAddPut,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			if _, err := store.GetTransfer(args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no queued transfer %q", args[0])
				}
				return err
			}
			if err := store.DeleteTransfer(args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued transfers",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withStore(func(store *storage.Store) error {
			transfers, err := store.ListTransfers()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIRECTION\tSTATE\tPRIORITY\tPROGRESS\tKEY\tDIGEST")
			for _, t := range transfers {
				base := t.Base()
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					base.GlobalID,
					t.Direction(),
					base.State,
					base.Priority,
					base.Progress.DoneBlocks,
					base.Progress.RequiredBlocks,
					base.Key,
					crypto.ShortDigest(base.Digest),
				)
			}
			return w.Flush()
		})
	},
}

var queueHistoryCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show recorded transfer events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		filter := storage.TransferEventFilter{Limit: queueHistoryLimit}
		if len(args) == 1 {
			filter.GlobalID = args[0]
		}
		return withStore(func(store *storage.Store) error {
			events, err := store.GetTransferEvents(filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tID\tEVENT\tSTATE\tDETAILS")
			for _, event := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					time.UnixMilli(event.Timestamp).Format(time.RFC3339),
					event.GlobalID,
					event.EventType,
					event.State,
					event.Details,
				)
			}
			return w.Flush()
		})
	},
}

func init() {
	queueAddGetCmd.Flags().IntVar(&queueAddPriority, "priority", -1, "priority class 0-6 (default from config)")
	queueAddGetCmd.Flags().Int64Var(&queueAddMaxSize, "max-size", 0, "refuse data larger than this many bytes (0 = unlimited)")

	queueAddPutCmd.Flags().IntVar(&queueAddPriority, "priority", -1, "priority class 0-6 (default from config)")
	queueAddPutCmd.Flags().StringVar(&queueAddKey, "key", "CHK@", "target key")
	queueAddPutCmd.Flags().BoolVar(&queueAddAddrOnly, "address-only", false, "compute the content address without inserting")
	queueAddPutCmd.Flags().BoolVar(&queueAddPreShared, "pre-shared", false, "do not attach a target file name")

	queueHistoryCmd.Flags().IntVar(&queueHistoryLimit, "limit", 50, "maximum number of events")

	queueCmd.AddCommand(queueAddGetCmd)
	queueCmd.AddCommand(queueAddPutCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueHistoryCmd)
}

func runQueueAddGet(_ *cobra.Command, args []string) error {
	key := args[0]
	if fcp.IsPlaceholderKey(key) {
		return fcp.ErrEmptyKey
	}
	target := filepath.Join(current.cfg.DownloadDirectory, fileNameFromKey(key))
	if len(args) > 1 {
		target = args[1]
	}
	target, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve target path: %w", err)
	}
	priority, err := parsePriority(queueAddPriority, current.cfg.DefaultDownloadPriority)
	if err != nil {
		return err
	}

	download := &models.Download{
		Item:       newQueuedItem("get", key, priority),
		TargetPath: target,
		MaxSize:    queueAddMaxSize,
	}
	return saveQueued(download)
}

func runQueueAddPut(_ *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return errors.New("source path must be a file")
	}
	priority, err := parsePriority(queueAddPriority, current.cfg.DefaultUploadPriority)
	if err != nil {
		return err
	}

	upload := &models.Upload{
		Item:           newQueuedItem("put", queueAddKey, priority),
		SourcePath:     source,
		FileSize:       info.Size(),
		GetAddressOnly: queueAddAddrOnly,
		PreShared:      queueAddPreShared,
	}
	return saveQueued(upload)
}

func newQueuedItem(prefix, key string, priority models.Priority) models.Item {
	now := time.Now()
	return models.Item{
		GlobalID:    newSequence().Next(prefix),
		Key:         key,
		Priority:    priority,
		State:       models.StateWaiting,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

func saveQueued(t models.Transfer) error {
	return withStore(func(store *storage.Store) error {
		if err := store.SaveTransfer(t); err != nil {
			return err
		}
		fmt.Printf("Queued %s\n", t.Base().GlobalID)
		return nil
	})
}

func withStore(fn func(store *storage.Store) error) error {
	store, _, err := storage.Open(current.dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			current.logger.Warn().Err(err).Msg("database close error")
		}
	}()
	return fn(store)
}
