package program

// PartitionInfo describes a named Superbird eMMC partition, extracted from
// the output of `bulkcmd "amlmmc part 1"` against a reference device.
type PartitionInfo struct {
	// OffsetSectors is the partition's start offset in 512-byte sectors.
	OffsetSectors int
	// SizeSectors is the partition's size in 512-byte sectors.
	SizeSectors int
	// AltSizeSectors is a second observed size for partitions whose size
	// varies across device revisions (data only). Zero if not applicable.
	AltSizeSectors int
}

// Partitions is the known Superbird partition table. restorePartition steps
// parsed from a manifest must name an entry here; stock/unbrick synthesis
// builds its own restorePartition steps directly and is not bound by this
// table, since the fixed file list it draws from (spec.md §4.D) includes
// "fastboot" and "recovery" partitions this table doesn't carry sizes for.
var Partitions = map[string]PartitionInfo{
	"bootloader": {OffsetSectors: 0, SizeSectors: 4096},
	"reserved":   {OffsetSectors: 73728, SizeSectors: 131072},
	"cache":      {OffsetSectors: 221184, SizeSectors: 0},
	"env":        {OffsetSectors: 237568, SizeSectors: 16384},
	"fip_a":      {OffsetSectors: 270336, SizeSectors: 8192},
	"fip_b":      {OffsetSectors: 294912, SizeSectors: 8192},
	"logo":       {OffsetSectors: 319488, SizeSectors: 16384},
	"dtbo_a":     {OffsetSectors: 352256, SizeSectors: 8192},
	"dtbo_b":     {OffsetSectors: 376832, SizeSectors: 8192},
	"vbmeta_a":   {OffsetSectors: 401408, SizeSectors: 2048},
	"vbmeta_b":   {OffsetSectors: 419840, SizeSectors: 2048},
	"boot_a":     {OffsetSectors: 438272, SizeSectors: 32768},
	"boot_b":     {OffsetSectors: 487424, SizeSectors: 32768},
	"system_a":   {OffsetSectors: 536576, SizeSectors: 1056856},
	"system_b":   {OffsetSectors: 1609816, SizeSectors: 1056856},
	"misc":       {OffsetSectors: 2683056, SizeSectors: 16384},
	"settings":   {OffsetSectors: 2715824, SizeSectors: 524288},
	"data":       {OffsetSectors: 3256496, SizeSectors: 4476752, AltSizeSectors: 4378448},
}
