package main

import (
	"fmt"

	"github.com/cwbudde/gsplatforge/internal/gpu/clctx"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List OpenCL platforms and devices visible to this process",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	platforms, err := clctx.EnumeratePlatforms()
	if err != nil {
		return fmt.Errorf("enumerate platforms: %w", err)
	}
	if len(platforms) == 0 {
		fmt.Println("No OpenCL platforms found.")
		return nil
	}
	for _, p := range platforms {
		fmt.Printf("Platform: %s (%s)\n", p.Name, p.Vendor)
		for i, d := range p.Devices {
			fmt.Printf("  [%d] %s (%s) - %d compute units\n", i, d.Name, d.Type, d.MaxComputeUnits)
		}
	}
	return nil
}
