package main

import (
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/carthing-tools/flashthing/pkg/executor"
)

func runFlash(cmd *cobra.Command, args []string) error {
	if flagSetup {
		return installUdevRules()
	}

	if flagStock && flagUnbrick {
		return errors.New("--stock and --unbrick are mutually exclusive")
	}

	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	e, err := openExecutor()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	mode := executor.ModeManifest
	switch {
	case flagUnbrick:
		mode = executor.ModeUnbrick
	case flagStock:
		mode = executor.ModeStock
	}

	if err := e.OpenArchive(path, mode); err != nil {
		return err
	}

	return e.Flash(ctx)
}
