package program

import (
	"path/filepath"
	"strings"

	"github.com/carthing-tools/flashthing/pkg/archive"
	"github.com/carthing-tools/flashthing/pkg/flasherr"
)

// stockFiles is the fixed partition-file list stock/unbrick synthesis scans
// for, in the fixed order spec.md §4.D requires the synthesized steps to
// follow.
var stockFiles = []string{
	"bootloader.img",
	"boot_a.img",
	"boot_b.img",
	"env.txt",
	"system_a.img",
	"system_b.img",
	"data.img",
	"fastboot.img",
	"recovery.img",
	"misc.img",
	"settings.img",
}

const envFileName = "env.txt"

func partitionNameFor(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}

// Stock synthesizes a program from a raw partition dump: one restorePartition
// per present fixed-list file (skipping env.txt), followed by a final
// writeEnv if env.txt is present. Files absent from the archive are silently
// skipped; an archive with none of the fixed files present is an
// ArchiveError.
func Stock(a archive.Archive) (*Program, error) {
	var steps []Step
	haveEnv := false
	found := false

	for _, f := range stockFiles {
		if !a.Has(f) {
			continue
		}
		found = true
		if f == envFileName {
			haveEnv = true
			continue
		}
		steps = append(steps, Step{
			Kind: KindRestorePartition,
			RestorePartition: RestorePartitionValue{
				Name: partitionNameFor(f),
				Data: DataOrFile{FilePath: f},
			},
		})
	}
	if haveEnv {
		steps = append(steps, Step{
			Kind:     KindWriteEnv,
			WriteEnv: StringOrFile{FilePath: envFileName},
		})
	}
	if !found {
		return nil, flasherr.ArchiveError("no partition files found")
	}

	return &Program{
		Name:            "stock",
		Description:     "synthesized from a raw partition dump",
		MetadataVersion: SupportedMetaVersion,
		Variables:       Variables{},
		Steps:           steps,
	}, nil
}

// Unbrick synthesizes the stock program with a bulkcmd "erase_bootloader"
// and a bulkcmd "reset" prepended, so the device is forced back to MaskRom
// (and hence through a fresh bl2Boot handoff) even if it was reachable in
// U-Boot mode to begin with. Unbrick is set so the executor knows to reopen
// the transport after the reset step rather than trusting the stage it
// detected at open_archive time.
func Unbrick(a archive.Archive) (*Program, error) {
	stock, err := Stock(a)
	if err != nil {
		return nil, err
	}

	prefix := []Step{
		{Kind: KindBulkCmd, BulkCmd: "erase_bootloader"},
		{Kind: KindBulkCmd, BulkCmd: "reset"},
	}
	stock.Steps = append(prefix, stock.Steps...)
	stock.Name = "unbrick"
	stock.Description = "erases the bootloader and re-flashes from a raw partition dump"
	stock.Unbrick = true
	return stock, nil
}
