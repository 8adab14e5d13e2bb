package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rivervm/postcopy/internal/config"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the resolved configuration and exit",
		Args:  cobra.NoArgs,
		RunE:  runInspect,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "listen_addr       = %q\n", cfg.ListenAddr)
	fmt.Fprintf(out, "peer_addr         = %q\n", cfg.PeerAddr)
	fmt.Fprintf(out, "control_socket    = %q\n", cfg.ControlSocket)
	fmt.Fprintf(out, "prefault_forward  = %d\n", cfg.PrefaultForward)
	fmt.Fprintf(out, "prefault_backward = %d\n", cfg.PrefaultBackward)
	fmt.Fprintf(out, "max_requests      = %d\n", cfg.MaxRequests)
	fmt.Fprintf(out, "precopy           = %v (rounds=%d threshold=%.4f)\n", cfg.Precopy, cfg.PrecopyRounds, cfg.PrecopyThreshold)
	fmt.Fprintf(out, "background        = %v (bytes/sec=%.0f burst=%.0f)\n",
		cfg.Background.Enabled, cfg.Background.BytesPerSecond, cfg.Background.BurstBytes)

	for _, b := range cfg.Blocks {
		fmt.Fprintf(out, "block %-8s base=0x%x length=%d target_page=%d host_page=%d path=%q\n",
			b.ID, b.Base, b.Length, b.TargetPageSize, b.HostPageSize, b.Path)
	}

	return nil
}
