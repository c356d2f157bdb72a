package mount

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/moby/sys/mountinfo"

	"github.com/darch-io/darch/internal/utils"
)

// LoopDevice is a disk image attached as a loop device with partition
// scanning enabled.
type LoopDevice struct {
	Device string
	Image  string

	runner utils.Runner
}

// AttachImage attaches an image to a fresh loop device. Stale loop
// devices and mounts left by a previous crashed run against the same
// image are torn down first.
func AttachImage(runner utils.Runner, image string) (*LoopDevice, error) {
	if err := CleanupStale(runner, image); err != nil {
		return nil, err
	}

	dev, err := runner.Run("losetup", "-Pf", "--show", image)
	if err != nil {
		return nil, fmt.Errorf("attaching %s: %w", image, err)
	}
	// Let udev create the partition nodes before we touch them.
	if _, err := runner.Run("udevadm", "settle"); err != nil {
		utils.Log.Warn().Err(err).Msg("udevadm settle")
	}

	utils.Log.Debug().Str("device", dev).Str("image", image).Msg("Loop device attached")
	return &LoopDevice{Device: dev, Image: image, runner: runner}, nil
}

// Partitions returns the ESP and root partition nodes of the attached
// image. Partition layout is fixed: p1 ESP, p2 btrfs.
func (l *LoopDevice) Partitions() (esp string, root string, err error) {
	name := filepath.Base(l.Device)
	if block, err := ghw.Block(); err == nil {
		for _, disk := range block.Disks {
			if disk.Name != name || len(disk.Partitions) < 2 {
				continue
			}
			parts := make([]string, 0, len(disk.Partitions))
			for _, p := range disk.Partitions {
				parts = append(parts, p.Name)
			}
			sort.Strings(parts)
			return "/dev/" + parts[0], "/dev/" + parts[1], nil
		}
	}
	// udev naming fallback
	return l.Device + "p1", l.Device + "p2", nil
}

// Detach syncs and detaches the loop device. Detach failure is a
// warning: the kernel drops the device once the last user is gone.
func (l *LoopDevice) Detach() error {
	utils.Sync()
	if _, err := l.runner.Run("losetup", "-d", l.Device); err != nil {
		utils.Log.Warn().Err(err).Str("device", l.Device).Msg("Detaching loop device")
		return err
	}
	return nil
}

// CleanupStale finds loop devices already backed by the image and tears
// down their mounts (deepest first) before detaching them.
func CleanupStale(runner utils.Runner, image string) error {
	out, err := runner.Run("losetup", "-j", image)
	if err != nil || strings.TrimSpace(out) == "" {
		return nil
	}

	for _, line := range strings.Split(out, "\n") {
		dev, _, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found || dev == "" {
			continue
		}
		utils.Log.Info().Str("device", dev).Str("image", image).Msg("Tearing down stale loop device")

		mounts, err := mountinfo.GetMounts(nil)
		if err != nil {
			return err
		}
		var stale []*mountinfo.Info
		for _, m := range mounts {
			if strings.HasPrefix(m.Source, dev) {
				stale = append(stale, m)
			}
		}
		// Reverse mount order: deepest mountpoints first.
		sort.Slice(stale, func(i, j int) bool {
			return len(stale[i].Mountpoint) > len(stale[j].Mountpoint)
		})
		for _, m := range stale {
			utils.Log.Debug().Str("where", m.Mountpoint).Msg("Unmounting stale mount")
			_ = Unmount(m.Mountpoint)
		}

		if _, err := runner.Run("losetup", "-d", dev); err != nil {
			utils.Log.Warn().Err(err).Str("device", dev).Msg("Detaching stale loop device")
		}
	}
	return nil
}
