package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fcpqueue/discovery"
)

var (
	discoverTimeout time.Duration
	discoverWatch   bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Look for FCP nodes on the local network",
	Long: `Discover browses mDNS for nodes advertising the FCP service. With --watch
it keeps scanning and logs nodes as they appear and disappear.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", discovery.DefaultScanTimeout, "scan window")
	discoverCmd.Flags().BoolVar(&discoverWatch, "watch", false, "keep scanning until interrupted")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg := discovery.Config{ScanTimeout: discoverTimeout}

	if !discoverWatch {
		nodes, err := discovery.Discover(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			fmt.Println("No nodes found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE\tADDRESS\tVERSION\tADDRESSES")
		for _, node := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", node.Instance, node.Address(), node.Version, strings.Join(node.Addresses, ","))
		}
		return w.Flush()
	}

	scanner, err := discovery.NewNodeScanner(cfg)
	if err != nil {
		return err
	}
	scanner.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logDiscoveryEvents(scanner.Events(), current.logger)
	}()

	<-cmd.Context().Done()
	scanner.Stop()
	<-done
	return nil
}

func logDiscoveryEvents(events <-chan discovery.Event, logger zerolog.Logger) {
	for event := range events {
		switch event.Type {
		case discovery.EventNodeUpserted:
			logger.Info().
				Str("instance", event.Node.Instance).
				Str("address", event.Node.Address()).
				Str("version", event.Node.Version).
				Msg("node available")
		case discovery.EventNodeRemoved:
			logger.Info().Str("instance", event.Node.Instance).Msg("node removed")
		default:
			logger.Debug().Str("event", string(event.Type)).Str("instance", event.Node.Instance).Msg("discovery event")
		}
	}
}
