// Package cmd implements C11, the postcopyd CLI: source and dest
// subcommands plus an inspect command for dumping resolved config,
// mirroring the teacher's subcommand style (flag.Parse's boot/probe
// split) but Cobra-based and file-config-backed like the dh-cli teacher
// in the retrieval pack.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags, mirroring the
// dh-cli teacher's Version var.
var Version = "dev"

var (
	configPathFlag string
	verboseFlag    bool
	log            = logrus.New()
)

// NewRootCmd assembles the full command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "postcopyd",
		Short:         "Post-copy live migration engine",
		Long:          "postcopyd drives either side of a post-copy live migration: the source outgoing engine or the destination incoming engine.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag {
				log.SetLevel(logrus.DebugLevel)
			}

			return nil
		},
	}

	pflags := root.PersistentFlags()
	pflags.StringVar(&configPathFlag, "config", "", "path to a TOML config file (defaults used when omitted)")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newSourceCmd())
	root.AddCommand(newDestCmd())
	root.AddCommand(newInspectCmd())

	return root
}

// Execute runs the root command, the single entry point main.go calls.
func Execute() error {
	return NewRootCmd().Execute()
}

func logEntry() *logrus.Entry { return logrus.NewEntry(log) }

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
