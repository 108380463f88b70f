package program

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	"github.com/carthing-tools/flashthing/pkg/archive"
	"github.com/carthing-tools/flashthing/pkg/flasherr"
)

const (
	defaultBL2Name        = "bl2.bin"
	defaultBootloaderName = "bootloader.bin"
)

// overrideDir is where a user can drop newer bl2/bootloader dumps without
// rebuilding, the same role xdg.DataHome plays for wInd3x's payload cache.
func overrideDir() string {
	return filepath.Join(xdg.DataHome, "flashthing")
}

// DefaultBl2Bootloader resolves the BL2 and bootloader blobs used to
// synthesize a bl2Boot step when the program doesn't carry its own. It
// checks, in order: the archive root (bl2.bin / bootloader.bin alongside
// meta.json), then a user override directory under xdg.DataHome. There is
// no blob baked into the binary - a bundle or override must supply one.
func DefaultBl2Bootloader(a archive.Archive) (bl2, bootloader []byte, err error) {
	if a.Has(defaultBL2Name) && a.Has(defaultBootloaderName) {
		bl2, err = a.ReadFile(defaultBL2Name)
		if err != nil {
			return nil, nil, err
		}
		bootloader, err = a.ReadFile(defaultBootloaderName)
		if err != nil {
			return nil, nil, err
		}
		return bl2, bootloader, nil
	}

	dir := overrideDir()
	bl2Path := filepath.Join(dir, defaultBL2Name)
	bootloaderPath := filepath.Join(dir, defaultBootloaderName)
	if bl2, err = os.ReadFile(bl2Path); err == nil {
		if bootloader, err = os.ReadFile(bootloaderPath); err == nil {
			return bl2, bootloader, nil
		}
	}

	return nil, nil, flasherr.ArchiveError(
		"no bl2/bootloader available: bundle must include bl2.bin and bootloader.bin, " +
			"or place them under " + dir)
}
