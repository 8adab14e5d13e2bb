package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/config"
	"github.com/rivervm/postcopy/internal/control"
	"github.com/rivervm/postcopy/internal/engine"
)

var (
	destListenFlag  string
	destControlFlag string
)

func newDestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dest",
		Aliases: []string{"migrate-to"},
		Short:   "Run the destination incoming engine (DIE)",
		Long: `Accept a connection from the source outgoing engine and serve
guest faults until every block is fully received.`,
		Args: cobra.NoArgs,
		RunE: runDest,
	}

	flags := cmd.Flags()
	flags.StringVar(&destListenFlag, "listen", ":7890", "address to accept the source's connection on")
	flags.StringVar(&destControlFlag, "control", "", "optional Unix control socket path for QUIT/ERROR signalling")

	return cmd
}

func runDest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return fmt.Errorf("dest: %w", err)
	}

	blocks, err := cfg.BuildBlocks()
	if err != nil {
		return fmt.Errorf("dest: %w", err)
	}

	if len(blocks) == 0 {
		return fmt.Errorf("dest: no blocks configured; set [[blocks]] in --config")
	}

	l, err := net.Listen("tcp", destListenFlag)
	if err != nil {
		return fmt.Errorf("dest: listen %s: %w", destListenFlag, err)
	}
	defer l.Close()

	log := logEntry().WithField("side", "dest")
	log.WithField("addr", destListenFlag).Info("waiting for source connection")

	conn, err := l.Accept()
	if err != nil {
		return fmt.Errorf("dest: accept: %w", err)
	}
	defer conn.Close()

	log.WithField("peer", conn.RemoteAddr()).Info("source connected")

	blockIOs, closeStores, err := buildDestBlockIOs(blocks, cfg, conn)
	if err != nil {
		return err
	}
	defer closeStores()

	_, sender := engine.DialRequestChannel(conn)

	destCfg := engine.DestinationConfig{Log: log}

	if destControlFlag != "" {
		ch, err := control.Dial(destControlFlag)
		if err != nil {
			return fmt.Errorf("dest: control dial: %w", err)
		}
		defer ch.Close()

		destCfg.Control = ch
	}

	dst, err := engine.NewDestination(blockIOs, sender, destCfg)
	if err != nil {
		return fmt.Errorf("dest: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dst.Run(ctx); err != nil {
		return fmt.Errorf("dest: %w", err)
	}

	log.Info("migration complete")

	return nil
}

// buildDestBlockIOs wires one BlockIO per configured block: a backing
// store (real userfaultfd-backed or simulated, see newBlockStore) and
// the connection's page stream. A single connection carries one
// interleaved page stream (spec's byte-level RAM codec is out of
// scope), so a config with more than one block isn't supported here
// yet; multi-block deployments need per-block transport framing this
// CLI doesn't implement.
func buildDestBlockIOs(blocks []*block.Block, cfg config.Config, conn net.Conn) ([]engine.BlockIO, func(), error) {
	if len(blocks) != 1 {
		return nil, nil, fmt.Errorf("dest: exactly one block is supported per connection, got %d", len(blocks))
	}

	store, err := newBlockStore(cfg.Blocks[0])
	if err != nil {
		return nil, nil, fmt.Errorf("dest: block %s: %w", blocks[0].ID, err)
	}

	ios := []engine.BlockIO{{Def: blocks[0], Store: store, PageStream: conn}}
	closeAll := func() { _ = store.Close() }

	return ios, closeAll, nil
}
