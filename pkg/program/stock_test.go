package program

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/carthing-tools/flashthing/pkg/archive"
)

// Property 3: a directory containing only bootloader.img and env.txt
// produces exactly [restorePartition("bootloader", bootloader.img),
// writeEnv(env.txt)].
func TestStockSynthesisDeterminism(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "bootloader.img", []byte{0xde, 0xad})
	write(t, dir, "env.txt", []byte("baudrate=115200\n"))

	a, err := archive.Open(dir)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	defer a.Close()

	p, err := Stock(a)
	if err != nil {
		t.Fatalf("Stock: %v", err)
	}

	if len(p.Steps) != 2 {
		t.Fatalf("got %d steps, want 2: %+v", len(p.Steps), p.Steps)
	}
	if p.Steps[0].Kind != KindRestorePartition || p.Steps[0].RestorePartition.Name != "bootloader" {
		t.Fatalf("step 0 = %+v, want restorePartition(bootloader)", p.Steps[0])
	}
	if p.Steps[0].RestorePartition.Data.FilePath != "bootloader.img" {
		t.Fatalf("step 0 data path = %q, want bootloader.img", p.Steps[0].RestorePartition.Data.FilePath)
	}
	if p.Steps[1].Kind != KindWriteEnv {
		t.Fatalf("step 1 = %+v, want writeEnv", p.Steps[1])
	}
	if p.Steps[1].WriteEnv.FilePath != "env.txt" {
		t.Fatalf("step 1 data path = %q, want env.txt", p.Steps[1].WriteEnv.FilePath)
	}
}

// Property/S6: a stock-mode directory missing entirely fails ArchiveError at
// open_archive (here: at Stock, which OpenArchive calls directly).
func TestStockSynthesisEmptyDirectoryFails(t *testing.T) {
	dir := t.TempDir()
	a, err := archive.Open(dir)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	defer a.Close()

	_, err = Stock(a)
	if err == nil {
		t.Fatal("expected ArchiveError for an empty directory")
	}
}

func TestUnbrickPrependsEraseAndReset(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "bootloader.img", []byte{0xde, 0xad})

	a, err := archive.Open(dir)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	defer a.Close()

	p, err := Unbrick(a)
	if err != nil {
		t.Fatalf("Unbrick: %v", err)
	}
	if !p.Unbrick {
		t.Fatal("Unbrick program must set Unbrick = true")
	}
	if len(p.Steps) != 3 {
		t.Fatalf("got %d steps, want 3 (erase, reset, restorePartition)", len(p.Steps))
	}
	if p.Steps[0].Kind != KindBulkCmd || p.Steps[0].BulkCmd != "erase_bootloader" {
		t.Fatalf("step 0 = %+v, want bulkcmd(erase_bootloader)", p.Steps[0])
	}
	if p.Steps[1].Kind != KindBulkCmd || p.Steps[1].BulkCmd != "reset" {
		t.Fatalf("step 1 = %+v, want bulkcmd(reset)", p.Steps[1])
	}
}

func write(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
