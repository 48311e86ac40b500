// Command pt-analyzer turns per-thread trace files into a per-probe
// latency table.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pktlat-platform/pktlat/common/go/logging"
	"github.com/pktlat-platform/pktlat/internal/analyzer"
	"github.com/pktlat-platform/pktlat/internal/clock"
	"github.com/pktlat-platform/pktlat/internal/sender"
)

var dumpCmd struct {
	Output string
	Meta   string
	CPUHz  uint64
}

var rootCmd = &cobra.Command{
	Use:   "pt-analyzer",
	Short: "Offline analyzer for latency trace files",
}

var dump = &cobra.Command{
	Use:   "dump [-o OUTPUT] INPUT...",
	Short: "Merge trace files into a per-probe latency table",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDump(args)
	},
}

func init() {
	dump.Flags().StringVarP(&dumpCmd.Output, "output", "o", analyzer.DefaultOutput, "Output file path")
	dump.Flags().StringVar(&dumpCmd.Meta, "meta", "", "Run metadata file written by the sender")
	dump.Flags().Uint64Var(&dumpCmd.CPUHz, "cpu-hz", 0, "Cycle counter frequency when no metadata file is given")
	rootCmd.AddCommand(dump)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func runDump(args []string) error {
	log, _, err := logging.Init(&logging.Config{Level: zapcore.InfoLevel})
	if err != nil {
		return err
	}
	defer log.Sync()

	inputs, err := analyzer.ExpandInputs(args)
	if err != nil {
		return err
	}

	conv := clock.Converter{CPUHz: dumpCmd.CPUHz}
	if dumpCmd.Meta != "" {
		meta, err := sender.ReadMeta(dumpCmd.Meta)
		if err != nil {
			return err
		}
		conv.CPUHz = meta.CPUHz
	}

	a, err := analyzer.New(conv, log)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range inputs {
		if err := a.AddFile(path); err != nil {
			return err
		}
	}

	out, err := os.Create(dumpCmd.Output)
	if err != nil {
		return fmt.Errorf("failed to open output file %s: %w", dumpCmd.Output, err)
	}
	defer out.Close()

	count, err := a.WriteTable(out)
	if err != nil {
		return err
	}

	log.Info("dumped traces",
		zap.Int("traces", count),
		zap.Int("dropped_records", a.Dropped()),
		zap.String("output", dumpCmd.Output))
	return nil
}
