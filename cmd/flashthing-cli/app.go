package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"github.com/carthing-tools/flashthing/pkg/devices"
	"github.com/carthing-tools/flashthing/pkg/executor"
	"github.com/carthing-tools/flashthing/pkg/executor/events"
	"github.com/carthing-tools/flashthing/pkg/transport"
)

const udevRulesPath = "/etc/udev/rules.d/51-flashthing.rules"

// openExecutor opens the USB transport and wraps it in an Executor that
// logs every event through slog.
func openExecutor() (*executor.Executor, error) {
	t, err := transport.Open()
	if err != nil {
		return nil, err
	}
	return executor.New(t, logSink), nil
}

func logSink(ev events.Event) {
	switch e := ev.(type) {
	case events.Started:
		slog.Info("flash starting", "steps", e.TotalSteps)
	case events.StepStarted:
		slog.Info("step starting", "index", e.Index, "total", e.Total, "kind", e.Kind)
	case events.BlockProgress:
		slog.Debug("block progress", "step", e.StepIndex, "sent", e.Sent, "total", e.Total)
	case events.LogEmitted:
		slog.Info(e.Message)
	case events.StepCompleted:
		slog.Debug("step completed", "index", e.Index)
	case events.StepFailed:
		slog.Error("step failed", "index", e.Index, "err", e.Err)
	case events.Cancelled:
		slog.Warn("flash cancelled", "step", e.StepIndex)
	case events.Finished:
		slog.Info("flash finished")
	}
}

// installUdevRules writes a udev rules file granting plugdev access to both
// known (vid, pid) pairs and asks udevadm to pick it up. Linux only.
func installUdevRules() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("--setup is only supported on Linux")
	}

	var rules string
	for _, d := range devices.Descriptions {
		rules += fmt.Sprintf(
			"SUBSYSTEM==\"usb\", ATTR{idVendor}==\"%04x\", ATTR{idProduct}==\"%04x\", MODE=\"0666\", GROUP=\"plugdev\"\n",
			uint16(d.VID), uint16(d.PID))
	}

	if err := os.WriteFile(udevRulesPath, []byte(rules), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", udevRulesPath, err)
	}

	if err := exec.Command("udevadm", "control", "--reload").Run(); err != nil {
		return fmt.Errorf("udevadm control --reload: %w", err)
	}
	if err := exec.Command("udevadm", "trigger").Run(); err != nil {
		return fmt.Errorf("udevadm trigger: %w", err)
	}
	return nil
}
