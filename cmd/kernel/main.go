// Command kernel is the host-side entrypoint for the kernel core: it
// drives Boot/Shutdown and a handful of diagnostic subcommands through a
// cobra command tree, the same shape caddy's cmd/ package uses, rather
// than the flat flag.Parse() the teacher's original agent used.
package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raeenos/kernel/pkg/config"
)

// log is the process-wide structured logger, wired up in ppre once
// cobra has parsed the global flags. Every subcommand logs through this,
// the same way the teacher's cmd/main.go held a package-level setupLog.
var log logr.Logger

func ppre(cmd *cobra.Command, _ []string) error {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}
	var zl *zap.Logger
	if verbose {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	log = zapr.NewLogger(zl).WithName("kernel")
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kernel",
		Short: "RaeenOS kernel core diagnostic and boot driver",
		Long: `kernel drives the monolithic kernel core (pkg/kernel) through its
documented boot sequence — PMM, IDT, process table, scheduler, IPC, device
discovery, VFS, and the network stack — outside of the actual hardware boot
path, for local testing and diagnostics.`,
		SilenceUsage:      true,
		PersistentPreRunE: ppre,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to a kernel.conf INI file (defaults built in if omitted)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable development-mode (human-readable) logging")

	root.AddCommand(newBootCmd())
	root.AddCommand(newFsckCmd())
	root.AddCommand(newNetcheckCmd())
	root.AddCommand(newDiagCmd())
	root.AddCommand(newServeMetricsCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
