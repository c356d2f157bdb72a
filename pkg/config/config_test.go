package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/pkg/config"
)

var _ = Describe("config model", func() {
	var cfg *config.Config

	BeforeEach(func() {
		cfg = config.New()
	})

	Context("serialization", func() {
		It("round-trips byte-identical through the canonical encoding", func() {
			cfg.AddPackages("htop", "vim").
				SetHostname("testbox").
				SetTimezone("Europe/Berlin").
				SetLocales("en_US.UTF-8", "de_DE.UTF-8").
				EnableService("sshd").
				AddFileWithMode("/etc/motd", "hello\n", 0o600)
			cfg.AddUser(config.NewUser("dev").AddGroups("wheel").AddFile("~/.bashrc", "export EDITOR=vim\n"))

			first, err := cfg.ToJSON()
			Expect(err).ToNot(HaveOccurred())

			decoded, err := config.FromJSON(first)
			Expect(err).ToNot(HaveOccurred())
			second, err := decoded.ToJSON()
			Expect(err).ToNot(HaveOccurred())

			Expect(second).To(Equal(first))
		})

		It("always carries the minimum package set", func() {
			for _, p := range constants.MinimumPackages() {
				Expect(cfg.Packages.Has(p)).To(BeTrue(), p)
			}
		})
	})

	Context("builders", func() {
		It("is idempotent when the same call is repeated", func() {
			cfg.AddPackages("htop").SetHostname("box")
			once, err := cfg.ToJSON()
			Expect(err).ToNot(HaveOccurred())

			cfg.AddPackages("htop").SetHostname("box")
			twice, err := cfg.ToJSON()
			Expect(err).ToNot(HaveOccurred())

			Expect(twice).To(Equal(once))
		})

		It("appends the unit suffix for bare service names", func() {
			cfg.EnableService("sshd")
			entry, ok := cfg.Files["/etc/systemd/system/multi-user.target.wants/sshd.service"]
			Expect(ok).To(BeTrue())
			Expect(entry.Symlink).ToNot(BeNil())
			Expect(entry.Symlink.Target).To(Equal("/usr/lib/systemd/system/sshd.service"))
		})

		It("masks services with a null symlink", func() {
			cfg.MaskService("systemd-homed")
			entry := cfg.Files["/etc/systemd/system/systemd-homed.service"]
			Expect(entry.Symlink.Target).To(Equal("/dev/null"))
		})

		It("replaces a user added twice with the same name", func() {
			cfg.AddUser(config.NewUser("dev"))
			replacement := config.NewUser("dev").AddGroups("wheel")
			cfg.AddUser(replacement)
			Expect(cfg.Users).To(HaveLen(1))
			Expect(cfg.Users[0].Groups.Has("wheel")).To(BeTrue())
		})
	})

	Context("validation", func() {
		It("rejects relative file paths", func() {
			cfg.AddFile("etc/motd", "x")
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("rejects user files escaping the home directory", func() {
			u := config.NewUser("dev")
			u.Files["../../etc/shadow"] = config.NewFile("boom")
			cfg.AddUser(u)
			err := cfg.Validate()
			Expect(err).To(MatchError(constants.ErrPathEscape))
		})

		It("accepts home-relative user files", func() {
			cfg.AddUser(config.NewUser("dev").AddFile("~/.config/git/config", "[user]\n"))
			Expect(cfg.Validate()).ToNot(HaveOccurred())
		})
	})
})

var _ = Describe("diff engine", func() {
	It("produces an empty diff against itself", func() {
		cfg := config.New().AddPackages("htop").SetHostname("box")
		data, err := cfg.ToJSON()
		Expect(err).ToNot(HaveOccurred())
		stored, err := config.FromJSON(data)
		Expect(err).ToNot(HaveOccurred())

		diff := config.Compute(stored, cfg)
		Expect(diff.HasChanges()).To(BeFalse())
		Expect(diff.UsersChanged).To(BeFalse())
	})

	It("is symmetric for installs and removals", func() {
		old := config.New()
		new := config.New().AddPackages("htop")

		forward := config.Compute(old, new)
		Expect(forward.PackagesToInstall).To(Equal([]string{"htop"}))
		Expect(forward.PackagesToRemove).To(BeEmpty())

		backward := config.Compute(new, old)
		Expect(backward.PackagesToInstall).To(BeEmpty())
		Expect(backward.PackagesToRemove).To(Equal([]string{"htop"}))
	})

	It("classifies file changes into add, update and remove", func() {
		old := config.New().AddFile("/etc/a", "1").AddFile("/etc/b", "1")
		new := config.New().AddFile("/etc/b", "2").AddFile("/etc/c", "1")

		diff := config.Compute(old, new)
		Expect(diff.FilesToAdd).To(HaveKey("/etc/c"))
		Expect(diff.FilesToUpdate).To(HaveKey("/etc/b"))
		Expect(diff.FilesToRemove).To(HaveKey("/etc/a"))
		Expect(diff.FilesToAdd).To(HaveLen(1))
		Expect(diff.FilesToUpdate).To(HaveLen(1))
		Expect(diff.FilesToRemove).To(HaveLen(1))
	})

	It("treats a mode change as an update", func() {
		old := config.New().AddFile("/etc/motd", "hi")
		new := config.New().AddFileWithMode("/etc/motd", "hi", 0o600)

		diff := config.Compute(old, new)
		Expect(diff.FilesToUpdate).To(HaveKey("/etc/motd"))
	})

	It("reports user changes separately from HasChanges", func() {
		old := config.New()
		new := config.New()
		new.AddUser(config.NewUser("dev"))

		diff := config.Compute(old, new)
		Expect(diff.HasChanges()).To(BeFalse())
		Expect(diff.UsersChanged).To(BeTrue())
	})
})

var _ = Describe("yaml loader", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	write := func(content string) string {
		path := filepath.Join(dir, "darch.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
		return path
	}

	It("builds a config with the derived system files injected", func() {
		path := write(`
hostname: testbox
timezone: Europe/Berlin
locales:
  - en_US.UTF-8
packages:
  - htop
services:
  enable:
    - sshd
users:
  - name: dev
    groups:
      - wheel
`)
		cfg, err := config.Load(path)
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.Packages.Has("htop")).To(BeTrue())
		Expect(cfg.Files).To(HaveKey(config.MkinitcpioConfPath))
		Expect(cfg.Files).To(HaveKey(config.HookRuntimePath))
		Expect(cfg.Files).To(HaveKey(config.HookInstallPath))
		Expect(cfg.Files).To(HaveKey("/etc/hostname"))
		Expect(cfg.Users).To(HaveLen(1))
		Expect(cfg.Users[0].Groups.Has("wheel")).To(BeTrue())
	})

	It("rejects an entry that is both file and symlink", func() {
		path := write(`
files:
  /etc/weird:
    content: "x"
    symlink: "/tmp/x"
`)
		_, err := config.Load(path)
		Expect(err).To(HaveOccurred())
	})

	It("fails on a missing file", func() {
		_, err := config.Load(filepath.Join(dir, "nope.yaml"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("generated system files", func() {
	It("renders the initramfs config with sorted modules", func() {
		out := config.MkinitcpioConf(config.NewStringSet("btrfs", "ahci"))
		Expect(out).To(ContainSubstring("MODULES=(ahci btrfs)"))
		Expect(out).To(ContainSubstring("darch filesystems"))
	})

	It("renders an fstab with the ESP UUID", func() {
		out := config.ESPFstab("ABCD-1234")
		Expect(out).To(ContainSubstring("UUID=ABCD-1234"))
		Expect(out).To(ContainSubstring("/efi"))
		Expect(out).To(ContainSubstring("vfat"))
	})
})
