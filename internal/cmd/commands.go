package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	cnst "github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/build"
)

var Commands = []*cli.Command{
	{
		Name:      "apply",
		Usage:     "Build or update the system from the declarative config",
		UsageText: "apply --config darch.yaml (--image disk.img | --btrfs DEV --esp DEV) [--upgrade] [--rebuild] [--switch]",
		Description: `
Applies the configuration to the target. Builds a fresh generation when
none exists or --rebuild is given, otherwise snapshots the current
generation and applies only the difference. Exits 0 without touching
anything when the target already matches the config.
`,
		Flags: append(targetFlags(),
			&cli.BoolFlag{
				Name:  "upgrade",
				Usage: "also upgrade all packages",
			},
			&cli.BoolFlag{
				Name:  "rebuild",
				Usage: "force a fresh build even if generations exist",
			},
			&cli.BoolFlag{
				Name:  "switch",
				Usage: "switch the running system to the new generation",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "print the step graph and exit",
			},
		),
		Action: func(c *cli.Context) error {
			opts, err := optionsFromFlags(c)
			if err != nil {
				return cli.Exit(err.Error(), cnst.ExitFailure)
			}
			if err := requireRoot(); err != nil {
				return cli.Exit(err.Error(), cnst.ExitFailure)
			}
			if err := build.Apply(opts, c.Bool("dry-run")); err != nil {
				if errors.Is(err, cnst.ErrLockHeld) {
					return cli.Exit(err.Error(), cnst.ExitLockHeld)
				}
				return cli.Exit(err.Error(), cnst.ExitFailure)
			}
			return nil
		},
	},
	{
		Name:      "check",
		Usage:     "Report what apply would change, without changing anything",
		UsageText: "check --config darch.yaml (--image disk.img | --btrfs DEV --esp DEV)",
		Flags:     targetFlags(),
		Action: func(c *cli.Context) error {
			opts, err := optionsFromFlags(c)
			if err != nil {
				return cli.Exit(err.Error(), cnst.ExitFailure)
			}
			if err := requireRoot(); err != nil {
				return cli.Exit(err.Error(), cnst.ExitFailure)
			}
			report, err := build.Check(opts)
			if err != nil {
				if errors.Is(err, cnst.ErrLockHeld) {
					return cli.Exit(err.Error(), cnst.ExitLockHeld)
				}
				return cli.Exit(err.Error(), cnst.ExitFailure)
			}
			fmt.Print(report)
			return nil
		},
	},
	{
		Name:      "test",
		Usage:     "Boot a built image in QEMU",
		UsageText: "test disk.img [--memory 4G] [--cpus 2] [--graphics]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "memory",
				Value: "4G",
				Usage: "VM memory",
			},
			&cli.IntFlag{
				Name:  "cpus",
				Value: 2,
				Usage: "number of CPUs",
			},
			&cli.BoolFlag{
				Name:  "graphics",
				Usage: "graphical display instead of serial console",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("test requires exactly one image argument", cnst.ExitFailure)
			}
			err := BootImage(BootOptions{
				Image:    c.Args().First(),
				Memory:   c.String("memory"),
				CPUs:     c.Int("cpus"),
				Graphics: c.Bool("graphics"),
			})
			if err != nil {
				return cli.Exit(err.Error(), cnst.ExitFailure)
			}
			return nil
		},
	},
}

func targetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Value: cnst.DefaultConfigPath,
			Usage: "path to the declarative config",
		},
		&cli.StringFlag{
			Name:  "image",
			Usage: "path to a disk image target",
		},
		&cli.StringFlag{
			Name:  "size",
			Value: cnst.DefaultImageSize,
			Usage: "size when creating a new disk image",
		},
		&cli.StringFlag{
			Name:  "btrfs",
			Usage: "btrfs device target (e.g. /dev/nvme0n1p2)",
		},
		&cli.StringFlag{
			Name:  "esp",
			Usage: "ESP device target (e.g. /dev/nvme0n1p1)",
		},
	}
}

// optionsFromFlags validates the target selection before anything is
// touched: exactly one of --image or the --btrfs/--esp pair.
func optionsFromFlags(c *cli.Context) (build.Options, error) {
	opts := build.Options{
		ConfigPath: c.String("config"),
		ImagePath:  c.String("image"),
		ImageSize:  c.String("size"),
		BtrfsDev:   c.String("btrfs"),
		ESPDev:     c.String("esp"),
		Upgrade:    c.Bool("upgrade"),
		Rebuild:    c.Bool("rebuild"),
		Switch:     c.Bool("switch"),
	}
	haveImage := opts.ImagePath != ""
	haveDevices := opts.BtrfsDev != "" && opts.ESPDev != ""
	if haveImage == haveDevices {
		return opts, errors.New("either --image or both --btrfs and --esp are required")
	}
	return opts, nil
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("this command must be run as root")
	}
	if err := utils.CheckTools("btrfs", "blkid", "losetup", "udevadm"); err != nil {
		return err
	}
	return nil
}
