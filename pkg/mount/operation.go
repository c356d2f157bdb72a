package mount

import (
	"time"

	retry "github.com/avast/retry-go"
	cmount "github.com/containerd/containerd/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
)

// Operation is one scoped mount: Run acquires it, Release gives it
// back. Release must work on every exit path, so it degrades to a lazy
// detach instead of failing hard on a busy target.
type Operation struct {
	Mount           cmount.Mount
	Target          string
	PrepareCallback func() error
}

// Subvolume mounts a btrfs subvolume of a device.
func Subvolume(device, target, subvol string, extra ...string) Operation {
	return Operation{
		Mount: cmount.Mount{
			Type:    "btrfs",
			Source:  device,
			Options: append([]string{"subvol=" + subvol}, extra...),
		},
		Target: target,
	}
}

// Device mounts a whole filesystem.
func Device(device, target, fstype string, options ...string) Operation {
	return Operation{
		Mount:  cmount.Mount{Type: fstype, Source: device, Options: options},
		Target: target,
	}
}

// Bind bind-mounts a host directory.
func Bind(source, target string) Operation {
	return Operation{
		Mount:  cmount.Mount{Type: "none", Source: source, Options: []string{"bind"}},
		Target: target,
	}
}

func (m Operation) Run() error {
	l := utils.Log.With().Str("what", m.Mount.Source).Str("where", m.Target).Str("type", m.Mount.Type).Strs("options", m.Mount.Options).Logger()

	if m.PrepareCallback != nil {
		if err := m.PrepareCallback(); err != nil {
			l.Warn().Err(err).Msg("executing mount callback")
			return err
		}
	}

	if err := utils.CreateIfNotExists(m.Target); err != nil {
		l.Err(err).Msg("Creating mountpoint")
		return err
	}

	mounted, err := mountinfo.Mounted(m.Target)
	if err != nil {
		l.Warn().Err(err).Msg("checking mount status")
		return err
	}
	if mounted {
		l.Debug().Msg("Already mounted")
		return constants.ErrAlreadyMounted
	}

	l.Debug().Msg("mount ready")
	return cmount.All([]cmount.Mount{m.Mount}, m.Target)
}

// Release syncs pending writes and unmounts the target. A busy mount is
// retried, then lazily detached; the fallback is logged as a warning so
// a stuck mount never blocks the rest of the teardown.
func (m Operation) Release() error {
	return Unmount(m.Target)
}

// Unmount is the shared teardown path for scoped mounts and stale
// mounts found from previous crashed runs.
func Unmount(target string) error {
	utils.Sync()

	err := retry.Do(
		func() error { return cmount.Unmount(target, 0) },
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
	)
	if err == nil {
		return nil
	}

	utils.Log.Warn().Err(err).Str("where", target).Msg("Unmount failed, falling back to lazy detach")
	if err := cmount.Unmount(target, unix.MNT_DETACH); err != nil {
		utils.Log.Warn().Err(err).Str("where", target).Msg("Lazy detach failed")
		return err
	}
	return nil
}
