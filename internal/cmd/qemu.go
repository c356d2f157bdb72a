package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/darch-io/darch/internal/utils"
)

// BootOptions configure the throwaway test VM.
type BootOptions struct {
	Image    string
	Memory   string
	CPUs     int
	Graphics bool
}

// ovmfLocations are the known packaging paths of the UEFI firmware.
var ovmfLocations = [][2]string{
	{"/usr/share/edk2-ovmf/x64/OVMF_CODE.4m.fd", "/usr/share/edk2-ovmf/x64/OVMF_VARS.4m.fd"},
	{"/usr/share/edk2-ovmf/x64/OVMF_CODE.fd", "/usr/share/edk2-ovmf/x64/OVMF_VARS.fd"},
	{"/usr/share/OVMF/OVMF_CODE.fd", "/usr/share/OVMF/OVMF_VARS.fd"},
}

func findOVMF() (code string, vars string, err error) {
	for _, pair := range ovmfLocations {
		if _, err := os.Stat(pair[0]); err != nil {
			continue
		}
		if _, err := os.Stat(pair[1]); err != nil {
			continue
		}
		return pair[0], pair[1], nil
	}
	return "", "", errors.New("OVMF firmware not found, install edk2-ovmf")
}

// BootImage boots a built disk image in QEMU with UEFI firmware. The
// writable NVRAM is a temp copy so test boots never dirty the host
// firmware variables.
func BootImage(opts BootOptions) error {
	if _, err := os.Stat(opts.Image); err != nil {
		return fmt.Errorf("image %s: %w", opts.Image, err)
	}
	if err := utils.CheckTools("qemu-system-x86_64"); err != nil {
		return err
	}
	code, vars, err := findOVMF()
	if err != nil {
		return err
	}

	varsData, err := os.ReadFile(vars)
	if err != nil {
		return err
	}
	varsCopy, err := os.CreateTemp("", "darch-ovmf-vars-")
	if err != nil {
		return err
	}
	defer os.Remove(varsCopy.Name())
	if _, err := varsCopy.Write(varsData); err != nil {
		_ = varsCopy.Close()
		return err
	}
	if err := varsCopy.Close(); err != nil {
		return err
	}

	args := []string{
		"-enable-kvm",
		"-cpu", "host",
		"-m", opts.Memory,
		"-smp", fmt.Sprintf("%d", opts.CPUs),
		"-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", code),
		"-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", varsCopy.Name()),
		"-drive", fmt.Sprintf("file=%s,format=raw", opts.Image),
		"-net", "none",
		"-usb",
		"-device", "usb-tablet",
	}
	if opts.Graphics {
		args = append(args, "-device", "virtio-vga", "-display", "gtk")
		utils.Log.Info().Msg("Close the window to exit")
	} else {
		args = append(args,
			"-nographic",
			"-chardev", "stdio,mux=on,id=char0,logfile=qemu-console.log,signal=off",
			"-serial", "chardev:char0",
			"-mon", "chardev=char0",
		)
		utils.Log.Info().Str("log", "qemu-console.log").Msg("Serial console mode, exit with Ctrl-A X")
	}

	return utils.ExecRunner{}.RunInteractive("qemu-system-x86_64", args...)
}
