package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/carthing-tools/flashthing/pkg/flasherr"
)

var (
	flagStock   bool
	flagUnbrick bool
	flagSetup   bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "flashthing-cli [OPTIONS] [PATH]",
	Short: "flashthing-cli flashes firmware onto an Amlogic S905 Car Thing over USB",
	Long: `flashthing-cli drives the Amlogic S905 mask-ROM/BL2/U-Boot USB burning
protocol to install firmware onto a Car Thing held in bootloader recovery
mode.

PATH is a directory or .zip archive containing a meta.json flashing program,
or (with --stock/--unbrick) a raw partition dump.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		} else {
			slog.SetLogLoggerLevel(slog.LevelInfo)
		}
	},
	RunE: runFlash,
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().BoolVarP(&flagStock, "stock", "s", false, "Treat PATH as a raw partition dump and synthesize a stock-flash program")
	rootCmd.Flags().BoolVar(&flagUnbrick, "unbrick", false, "Force-erase the bootloader and re-flash PATH as a raw partition dump")
	rootCmd.Flags().BoolVar(&flagSetup, "setup", false, "Install host-side udev rules granting access to the device (Linux only), then exit")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose debug logging")
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	slog.Error(err.Error())
	os.Exit(flasherr.ExitCode(err))
}
