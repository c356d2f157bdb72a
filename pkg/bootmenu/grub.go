package bootmenu

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/generation"
)

// ConfigPath is where the menu lands relative to the ESP mount.
const ConfigPath = "grub/grub.cfg"

// Render produces the full GRUB menu for the given generations, newest
// first. Incomplete generations never get an entry: a menu line must
// always point at a bootable system. Pure, so it is trivially testable.
func Render(rootUUID string, gens []generation.Info) string {
	var b strings.Builder

	b.WriteString("# Generated by darch, do not edit\n")
	b.WriteString("# Loads the kernel directly from the generation subvolume\n\n")
	b.WriteString("set timeout=5\n")
	b.WriteString("set default=0\n\n")
	b.WriteString("# Serial console for headless and QEMU use\n")
	b.WriteString("serial --unit=0 --speed=115200\n")
	b.WriteString("terminal_input serial console\n")
	b.WriteString("terminal_output serial console\n\n")
	b.WriteString("insmod btrfs\n\n")
	fmt.Fprintf(&b, "search --set=root --fs-uuid %s\n", rootUUID)

	sorted := make([]generation.Info, 0, len(gens))
	for _, g := range gens {
		if g.Complete {
			sorted = append(sorted, g)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number > sorted[j].Number })

	for _, g := range sorted {
		created := g.CreatedAt.Format("2006-01-02 15:04")
		fmt.Fprintf(&b, "\nmenuentry \"Arch Linux (%s%d, %s)\" {\n", constants.GenerationPrefix, g.Number, created)
		fmt.Fprintf(&b, "    linux /%s/%s%d/boot/vmlinuz-linux \\\n", constants.ImagesSubvolume, constants.GenerationPrefix, g.Number)
		fmt.Fprintf(&b, "        root=UUID=%s \\\n", rootUUID)
		fmt.Fprintf(&b, "        darch.gen=%d \\\n", g.Number)
		b.WriteString("        console=tty0 console=ttyS0,115200 \\\n")
		b.WriteString("        systemd.gpt_auto=0 rw\n")
		fmt.Fprintf(&b, "    initrd /%s/%s%d/boot/initramfs-linux.img\n", constants.ImagesSubvolume, constants.GenerationPrefix, g.Number)
		b.WriteString("}\n")
	}
	return b.String()
}

// Write places the rendered menu on the mounted ESP.
func Write(espDir, content string) error {
	target := filepath.Join(espDir, ConfigPath)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	utils.Log.Debug().Str("path", target).Msg("Writing boot menu")
	return os.WriteFile(target, []byte(content), 0o644)
}
