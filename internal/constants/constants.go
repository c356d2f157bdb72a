package constants

import (
	"errors"
	"time"
)

// Build step names for the orchestrator DAG.
const (
	OpCreateSubvolume = "create-subvolume"
	OpPopulate        = "populate"
	OpApplyDiff       = "apply-diff"
	OpConfigure       = "configure"
	OpConfigureUsers  = "configure-users"
	OpWriteMarker     = "write-marker"
	OpBootMenu        = "boot-menu"
	OpPrune           = "prune"
	OpLiveSwitch      = "live-switch"
)

// On-disk layout of the target volume.
const (
	GenerationPrefix = "gen-"
	ImagesSubvolume  = "@images"
	VarSubvolume     = "@var"
	HomeSubvolume    = "@home"

	// MarkerFile is the completion marker: the canonical serialized Config.
	// Its presence is the sole proof a build finished.
	MarkerFile       = "config.json"
	PrevMarkerSuffix = ".prev"
	MetadataFile     = "build.json"
)

// Build-time mount points on the host.
const (
	ImagesMountPoint = "/run/darch/images"
	OldGenMountPoint = "/run/darch/old"
	BuildMountPoint  = "/run/darch/build"
)

const (
	DefaultLockPath   = "/var/lock/darch.lock"
	DefaultImageSize  = "10G"
	DefaultConfigPath = "./darch.yaml"

	// EnvFile can override the lock path and GC thresholds, see build.ReadSettings.
	EnvFile = "/etc/darch/darch.env"
)

// Garbage collection defaults. Zero age/count limits mean unlimited.
const (
	GCKeepMin = 3
	GCKeepMax = 10
	GCMinAge  = 7 * 24 * time.Hour
	GCMaxAge  = 30 * 24 * time.Hour
)

// MinimumPackages is the package set darch needs inside the built system
// to operate at all. Configs always include it.
func MinimumPackages() []string {
	return []string{"base", "linux", "btrfs-progs", "grub", "efibootmgr", "pacman-contrib"}
}

// DefaultInitramfsModules are the kernel modules baked into the initramfs
// so the early-boot hook can find the disk under QEMU and bare metal.
func DefaultInitramfsModules() []string {
	return []string{"btrfs", "ata_piix", "ahci", "sd_mod", "virtio_blk", "virtio_pci"}
}

var (
	ErrAlreadyMounted = errors.New("already mounted")
	ErrLockHeld       = errors.New("another darch process is running")
	ErrNoMarker       = errors.New("generation has no stored config")
	ErrPathEscape     = errors.New("user file path escapes the home directory")
)

// Exit codes. Lock contention gets its own code so callers can tell
// "busy" apart from a failed build.
const (
	ExitFailure  = 1
	ExitLockHeld = 2
)
