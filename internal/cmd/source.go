package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rivervm/postcopy/internal/config"
	"github.com/rivervm/postcopy/internal/engine"
)

var sourceDestAddrFlag string

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "source DEST_ADDR",
		Aliases: []string{"migrate-from"},
		Short:   "Run the source outgoing engine (SOE)",
		Long: `Connect to a running destination incoming engine and serve its
page requests from the configured blocks' backing files until the
destination reports end-of-copy.`,
		Args: cobra.ExactArgs(1),
		RunE: runSource,
	}

	return cmd
}

func runSource(cmd *cobra.Command, args []string) error {
	sourceDestAddrFlag = args[0]

	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	blocks, err := cfg.BuildBlocks()
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	if len(blocks) != 1 {
		return fmt.Errorf("source: exactly one block is supported per connection, got %d", len(blocks))
	}

	if cfg.Blocks[0].Path == "" {
		return fmt.Errorf("source: block %s needs a backing file path in --config", blocks[0].ID)
	}

	src := newFilePageSource()
	if err := src.open(blocks[0].ID, cfg.Blocks[0].Path, blocks[0].TargetPageSize); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer src.Close()

	log := logEntry().WithField("side", "source")
	log.WithField("addr", sourceDestAddrFlag).Info("dialing destination")

	conn, err := net.Dial("tcp", sourceDestAddrFlag)
	if err != nil {
		return fmt.Errorf("source: dial %s: %w", sourceDestAddrFlag, err)
	}
	defer conn.Close()

	read, _ := engine.DialRequestChannel(conn)

	srcCfg := engine.SourceConfig{
		Config:        cfg.OutgoingConfig(),
		Precopy:       cfg.Precopy,
		PrecopyConfig: cfg.PrecopyConfig(),
		DirtySource:   newOnceDirtySource(blocks),
		Log:           log,
	}

	soe := engine.NewSource(blocks, read, conn, src, srcCfg)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := soe.Run(ctx); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	log.Info("migration complete")

	return nil
}
