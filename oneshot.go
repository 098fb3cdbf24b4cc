package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"fcpqueue/crypto"
	"fcpqueue/fcp"
	"fcpqueue/models"
)

var (
	getMaxSize     int64
	getPriority    int
	getForceDirect bool

	putKey         string
	putPriority    int
	putAddressOnly bool
	putPreShared   bool
	putForceDirect bool
)

var getCmd = &cobra.Command{
	Use:   "get <key> [target]",
	Short: "Fetch a key into a local file",
	Long: `Get fetches a key once and writes it to target. The data is written to a
temporary file first and renamed when complete. Without a target the file name
is taken from the key and placed in the download directory.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var putCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Insert a local file and print its address",
	Args:  cobra.ExactArgs(1),
	RunE:  runPut,
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a signed-address keypair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client := current.newClient("", nil)
		pair, err := client.GenerateKeypair(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Insert URI:  %s\n", pair.InsertURI)
		fmt.Printf("Request URI: %s\n", pair.RequestURI)
		return nil
	},
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Handshake with the node and print its version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client := current.newClient("", nil)
		hello, err := client.Handshake(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Node:         %s\n", hello.Node)
		fmt.Printf("Version:      %s\n", hello.Version)
		fmt.Printf("Build:        %d\n", hello.Build)
		fmt.Printf("FCP Version:  %s\n", hello.FCPVersion)
		fmt.Printf("Address:      %s\n", client.Address())
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <plugin>",
	Short: "Check whether a node plugin is loaded and talkable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := current.newClient("", nil)
		if !client.IsPluginTalkable(cmd.Context(), args[0]) {
			return fmt.Errorf("plugin %q is not talkable", args[0])
		}
		fmt.Printf("Plugin %s is talkable\n", args[0])
		return nil
	},
}

func init() {
	getCmd.Flags().Int64Var(&getMaxSize, "max-size", 0, "refuse data larger than this many bytes (0 = unlimited)")
	getCmd.Flags().IntVar(&getPriority, "priority", -1, "priority class 0-6 (default from config)")
	getCmd.Flags().BoolVar(&getForceDirect, "direct", false, "always transfer over the socket, skipping disk access")

	putCmd.Flags().StringVar(&putKey, "key", "CHK@", "target key")
	putCmd.Flags().IntVar(&putPriority, "priority", -1, "priority class 0-6 (default from config)")
	putCmd.Flags().BoolVar(&putAddressOnly, "address-only", false, "compute the content address without inserting")
	putCmd.Flags().BoolVar(&putPreShared, "pre-shared", false, "do not attach a target file name")
	putCmd.Flags().BoolVar(&putForceDirect, "direct", false, "always transfer over the socket, skipping disk access")
}

func runGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	target := ""
	if len(args) > 1 {
		target = args[1]
	} else {
		target = filepath.Join(current.cfg.DownloadDirectory, fileNameFromKey(key))
	}
	target, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve target path: %w", err)
	}
	priority, err := parsePriority(getPriority, current.cfg.DefaultDownloadPriority)
	if err != nil {
		return err
	}

	logger := current.logger
	runner := fcp.NewRunner(current.newClient("", nil), fcp.RunnerOptions{Logger: logger})
	result, err := runner.Fetch(cmd.Context(), fcp.FetchRequest{
		Key:         key,
		TargetPath:  target,
		MaxSize:     getMaxSize,
		Priority:    &priority,
		ForceDirect: getForceDirect,
		Progress:    logProgress(key),
	})
	if err != nil {
		if fcp.IsNotFound(err) {
			return fmt.Errorf("key not found: %w", err)
		}
		var renameErr *fcp.RenameError
		if errors.As(err, &renameErr) {
			return fmt.Errorf("data kept at %s: %w", renameErr.TempPath, err)
		}
		return err
	}

	digest, err := crypto.FileDigest(target)
	if err != nil {
		return err
	}
	fmt.Printf("Saved:        %s\n", target)
	fmt.Printf("Size:         %d\n", result.DataLength)
	fmt.Printf("Content Type: %s\n", result.ContentType)
	fmt.Printf("Mode:         %s\n", modeName(result.Direct))
	fmt.Printf("Digest:       %s\n", crypto.FormatDigest(digest))
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}
	priority, err := parsePriority(putPriority, current.cfg.DefaultUploadPriority)
	if err != nil {
		return err
	}

	client := current.newClient("", nil)
	if putAddressOnly {
		uri, err := client.GenerateAddress(cmd.Context(), source)
		if err != nil {
			return err
		}
		fmt.Printf("Address:      %s\n", uri)
		return nil
	}

	result, err := client.Store(cmd.Context(), fcp.StoreRequest{
		Key:              putKey,
		SourcePath:       source,
		ApplyContentType: true,
		PreShared:        putPreShared,
		Priority:         &priority,
		ForceDirect:      putForceDirect,
		Progress:         logProgress(source),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Address:      %s\n", result.URI)
	fmt.Printf("Mode:         %s\n", modeName(result.Direct))
	return nil
}

func logProgress(subject string) fcp.ProgressFunc {
	logger := current.logger
	return func(p models.Progress) {
		logger.Info().
			Str("subject", subject).
			Int("done", p.DoneBlocks).
			Int("required", p.RequiredBlocks).
			Int("total", p.TotalBlocks).
			Bool("finalized", p.Finalized).
			Msg("progress")
	}
}

func modeName(direct bool) string {
	if direct {
		return fcp.ModeDirect.String()
	}
	return fcp.ModeDisk.String()
}

// fileNameFromKey returns the last path segment of a key, or the whole key with
// separators replaced when it has none.
func fileNameFromKey(key string) string {
	name := filepath.Base(filepath.FromSlash(key))
	if name == "" || name == "." || name == string(filepath.Separator) || name == key {
		return sanitizeFileName(key)
	}
	return sanitizeFileName(name)
}

func sanitizeFileName(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch r {
		case '/', '\\', ':', '@', ',', '~':
			out[i] = '_'
		}
	}
	return string(out)
}
