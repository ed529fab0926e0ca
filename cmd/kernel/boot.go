package main

import (
	"github.com/spf13/cobra"

	"github.com/raeenos/kernel/pkg/config"
	"github.com/raeenos/kernel/pkg/kernel"
	"github.com/raeenos/kernel/pkg/pmm"
)

// defaultMemoryMap stands in for the boot-loader-provided memory map (spec
// §6) when none is supplied; 64MiB is comfortably more than the test PMM
// needs for a cmd-line diagnostic run.
func defaultMemoryMap() []pmm.MemoryMapEntry {
	return []pmm.MemoryMapEntry{
		{Address: 0, Length: 64 << 20, Type: pmm.TypeAvailable},
	}
}

// bootKernel brings up a Kernel from a loaded config, for subcommands that
// need a live instance (fsck, netcheck, diag).
func bootKernel(cfg *config.Config) (*kernel.Kernel, error) {
	k := kernel.New()
	err := k.Boot(kernel.Config{
		MemoryMap:  defaultMemoryMap(),
		MaxSockets: cfg.Kernel.Max_Sockets,
		NUMANodes:  cfg.Kernel.Numa_Nodes,
		LocalIP:    cfg.LocalIP(),
		LocalMAC:   cfg.LocalMAC(),
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "bring up every kernel subsystem once and report status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			k, err := bootKernel(cfg)
			if err != nil {
				return err
			}
			defer k.Shutdown()

			stats := k.PMM.Stats()
			log.Info("boot complete",
				"freeFrames", stats.FreeFrames,
				"totalFrames", stats.TotalFrames,
				"localIP", cfg.Kernel.Local_Ip,
				"localMAC", cfg.Kernel.Local_Mac,
			)
			return nil
		},
	}
}
