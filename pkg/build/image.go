package build

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	cfmount "github.com/darch-io/darch/pkg/mount"
)

const setupMountPoint = "/run/darch/setup"

// EnsureImage attaches the disk image, creating and provisioning it
// first when it does not exist yet: GPT with a 512M ESP and a btrfs
// partition holding the three subvolumes. With create false a missing
// image is an error instead; dry runs use that to guarantee nothing is
// provisioned.
func EnsureImage(runner utils.Runner, path, size string, create bool) (*cfmount.LoopDevice, error) {
	if _, err := os.Stat(path); err == nil {
		utils.Log.Info().Str("image", path).Msg("Using existing disk image")
		return cfmount.AttachImage(runner, path)
	} else if !create {
		return nil, fmt.Errorf("image %s: %w", path, err)
	}

	utils.Log.Info().Str("image", path).Str("size", size).Msg("Creating disk image")
	if _, err := runner.Run("truncate", "-s", size, path); err != nil {
		return nil, err
	}
	if _, err := runner.Run("sgdisk", "-Z", path); err != nil {
		return nil, err
	}
	if _, err := runner.Run("sgdisk", "-n", "1:0:+512M", "-t", "1:ef00", path); err != nil {
		return nil, err
	}
	if _, err := runner.Run("sgdisk", "-n", "2:0:0", "-t", "2:8300", path); err != nil {
		return nil, err
	}

	loop, err := cfmount.AttachImage(runner, path)
	if err != nil {
		return nil, err
	}
	esp, root, err := loop.Partitions()
	if err != nil {
		return nil, err
	}
	if _, err := runner.Run("mkfs.fat", "-F32", esp); err != nil {
		return nil, err
	}
	if _, err := runner.Run("mkfs.btrfs", "-f", root); err != nil {
		return nil, err
	}

	if err := provisionSubvolumes(runner, root); err != nil {
		return nil, err
	}
	utils.Log.Info().Str("image", path).Msg("Disk image provisioned")
	return loop, nil
}

// provisionSubvolumes creates @images, @var and @home on a freshly
// formatted btrfs partition and seeds the persistent directories.
func provisionSubvolumes(runner utils.Runner, device string) error {
	op := cfmount.Device(device, setupMountPoint, "btrfs")
	if err := op.Run(); err != nil {
		return err
	}
	defer func() { _ = op.Release() }()

	for _, sub := range []string{constants.ImagesSubvolume, constants.VarSubvolume, constants.HomeSubvolume} {
		if _, err := runner.Run("btrfs", "subvolume", "create", filepath.Join(setupMountPoint, sub)); err != nil {
			return err
		}
	}

	// root's home lives in @home like every other account
	rootHome := filepath.Join(setupMountPoint, constants.HomeSubvolume, "root")
	if err := os.MkdirAll(rootHome, 0o700); err != nil {
		return err
	}
	if err := os.Chmod(rootHome, 0o700); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(setupMountPoint, constants.VarSubvolume, "lib", "machines"), 0o755)
}
