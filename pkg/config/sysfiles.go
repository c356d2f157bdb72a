package config

import (
	"fmt"
	"strings"

	"github.com/deniswernert/go-fstab"
)

// Paths of the files darch owns inside every generation.
const (
	MkinitcpioConfPath = "/etc/mkinitcpio.conf"
	HookRuntimePath    = "/usr/lib/initcpio/hooks/darch"
	HookInstallPath    = "/usr/lib/initcpio/install/darch"
	FstabPath          = "/etc/fstab"
	LocaleGenPath      = "/etc/locale.gen"
)

// EarlyBootPaths are the files whose change requires regenerating the
// initramfs during an incremental build.
func EarlyBootPaths() []string {
	return []string{MkinitcpioConfPath, HookRuntimePath, HookInstallPath}
}

// EnsureSystemFiles injects the darch-owned file entries derived from
// the config itself. Idempotent: re-adding overwrites.
func (c *Config) EnsureSystemFiles() *Config {
	c.AddFile(MkinitcpioConfPath, MkinitcpioConf(c.InitramfsModules))
	c.AddFileWithMode(HookRuntimePath, hookRuntime, 0o755)
	c.AddFileWithMode(HookInstallPath, hookInstall, 0o755)
	return c
}

// MkinitcpioConf renders /etc/mkinitcpio.conf with the configured
// modules and the darch hook in the chain.
func MkinitcpioConf(modules StringSet) string {
	return fmt.Sprintf(`MODULES=(%s)
BINARIES=()
FILES=()
HOOKS=(base udev autodetect microcode modconf block darch filesystems fsck)
COMPRESSION="zstd"
`, strings.Join(modules.Sorted(), " "))
}

// ESPFstab renders /etc/fstab. The root is tmpfs and the subvolumes are
// mounted by the early-boot hook, so only the ESP line is needed.
func ESPFstab(espUUID string) string {
	mnt := &fstab.Mount{
		Spec:    fmt.Sprintf("UUID=%s", espUUID),
		File:    "/efi",
		VfsType: "vfat",
		MntOps:  map[string]string{"rw": "", "relatime": "", "fmask": "0022", "dmask": "0022", "utf8": ""},
		Freq:    0,
		PassNo:  2,
	}
	return fmt.Sprintf(`# /etc/fstab: static file system information
# Root is tmpfs, %s
%s
`, "subvolumes are mounted by the early-boot hook", mnt.String())
}

// hookRuntime is the initcpio runtime hook: it assembles the tmpfs root
// from the generation selected on the kernel command line. Consumed as
// an opaque payload.
const hookRuntime = `#!/usr/bin/ash
# darch initcpio runtime hook
# Sets up tmpfs root with symlinks to generation

run_hook() {
    mount_handler="darch_mount_handler"
}

darch_mount_handler() {
    local newroot="$1"

    local root_uuid="" gen=""
    for param in $(cat /proc/cmdline); do
        case "$param" in
            root=UUID=*)
                root_uuid="${param#root=UUID=}"
                ;;
            darch.gen=*)
                gen="${param#darch.gen=}"
                ;;
        esac
    done

    if [ -z "$root_uuid" ]; then
        echo ":: darch: ERROR - no root UUID found!"
        return 1
    fi

    if [ -z "$gen" ]; then
        echo ":: darch: ERROR - no generation specified (darch.gen=N)!"
        return 1
    fi

    local device="/dev/disk/by-uuid/$root_uuid"
    local timeout=10
    while [ ! -b "$device" ] && [ $timeout -gt 0 ]; do
        sleep 1
        timeout=$((timeout - 1))
    done

    if [ ! -b "$device" ]; then
        echo ":: darch: ERROR - device not found!"
        return 1
    fi

    mount -t tmpfs -o size=512M,mode=0755 tmpfs "$newroot"

    mkdir -p "$newroot/dev" "$newroot/proc" "$newroot/sys" "$newroot/run" \
        "$newroot/tmp" "$newroot/mnt" "$newroot/efi" "$newroot/images" \
        "$newroot/var" "$newroot/home"
    chmod 1777 "$newroot/tmp"

    mount -t btrfs -o subvol=@images,ro "$device" "$newroot/images"
    mount -t btrfs -o subvol=@var "$device" "$newroot/var"
    mount -t btrfs -o subvol=@home "$device" "$newroot/home"

    if [ ! -d "$newroot/images/gen-$gen" ]; then
        echo ":: darch: ERROR - generation $gen not found!"
        return 1
    fi

    # Relative symlinks so they work before switch_root
    ln -s "images/gen-$gen" "$newroot/current"
    ln -s current/usr "$newroot/usr"
    ln -s current/etc "$newroot/etc"
    ln -s current/boot "$newroot/boot"

    ln -s usr/bin "$newroot/bin"
    ln -s usr/lib "$newroot/lib"
    ln -s usr/lib "$newroot/lib64"
    ln -s usr/bin "$newroot/sbin"

    ln -s home/root "$newroot/root"
    ln -s usr/lib/systemd/systemd "$newroot/init"
}
`

const hookInstall = `#!/usr/bin/bash
# darch initcpio install hook

build() {
    add_runscript
}

help() {
    cat <<HELPEOF
darch hook - sets up the immutable tmpfs root filesystem
HELPEOF
}
`
