package build_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/darch-io/darch/internal/constants"
	"github.com/darch-io/darch/pkg/build"
	"github.com/darch-io/darch/pkg/config"
)

type recordingRunner struct {
	calls [][]string
}

func (r *recordingRunner) Run(tool string, args ...string) (string, error) {
	r.calls = append(r.calls, append([]string{tool}, args...))
	return "", nil
}

var _ = Describe("image provisioning", func() {
	It("refuses to create a missing image when creation is not allowed", func() {
		runner := &recordingRunner{}
		path := filepath.Join(GinkgoT().TempDir(), "missing.img")

		_, err := build.EnsureImage(runner, path, "10G", false)
		Expect(err).To(HaveOccurred())
		Expect(runner.calls).To(BeEmpty())

		_, statErr := os.Stat(path)
		Expect(os.IsNotExist(statErr)).To(BeTrue())
	})
})

var _ = Describe("needs-build decision", func() {
	probe := func(answer bool) func() bool {
		return func() bool { return answer }
	}

	neverProbed := func() bool {
		Fail("probe must not run when the diff already demands a build")
		return false
	}

	It("builds when the structural diff is non-empty", func() {
		diff := config.Compute(config.New(), config.New().AddPackages("htop"))
		Expect(build.NeedsBuild(diff, false, neverProbed)).To(BeTrue())
	})

	It("builds when only the user records changed", func() {
		newCfg := config.New()
		newCfg.AddUser(config.NewUser("dev"))
		diff := config.Compute(config.New(), newCfg)
		Expect(build.NeedsBuild(diff, false, neverProbed)).To(BeTrue())
	})

	It("does not probe when a structural change already decides", func() {
		diff := config.Compute(config.New(), config.New().AddPackages("htop"))
		Expect(build.NeedsBuild(diff, true, neverProbed)).To(BeTrue())
	})

	It("consults the probe only for upgrade-only runs", func() {
		diff := config.Compute(config.New(), config.New())
		Expect(build.NeedsBuild(diff, true, probe(true))).To(BeTrue())
		Expect(build.NeedsBuild(diff, true, probe(false))).To(BeFalse())
	})

	It("is a no-op without changes and without the upgrade flag", func() {
		diff := config.Compute(config.New(), config.New())
		Expect(build.NeedsBuild(diff, false, neverProbed)).To(BeFalse())
	})
})

var _ = Describe("settings", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("returns defaults when the env file is absent", func() {
		s, err := build.ReadSettings(filepath.Join(dir, "missing.env"))
		Expect(err).ToNot(HaveOccurred())
		Expect(s.LockPath).To(Equal(constants.DefaultLockPath))
		Expect(s.GC.KeepMin).To(Equal(constants.GCKeepMin))
		Expect(s.GC.MaxAge).To(Equal(constants.GCMaxAge))
	})

	It("applies overrides from the env file", func() {
		path := filepath.Join(dir, "darch.env")
		Expect(os.WriteFile(path, []byte(
			"DARCH_LOCK_PATH=/tmp/other.lock\nDARCH_GC_KEEP_MIN=5\nDARCH_GC_MAX_AGE_DAYS=60\n",
		), 0o644)).To(Succeed())

		s, err := build.ReadSettings(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.LockPath).To(Equal("/tmp/other.lock"))
		Expect(s.GC.KeepMin).To(Equal(5))
		Expect(s.GC.MaxAge).To(Equal(60 * 24 * time.Hour))
		Expect(s.GC.KeepMax).To(Equal(constants.GCKeepMax))
	})

	It("rejects unparseable override values", func() {
		path := filepath.Join(dir, "darch.env")
		Expect(os.WriteFile(path, []byte("DARCH_GC_KEEP_MIN=many\n"), 0o644)).To(Succeed())

		_, err := build.ReadSettings(path)
		Expect(err).To(HaveOccurred())
	})

	It("allows zero to mean unlimited", func() {
		path := filepath.Join(dir, "darch.env")
		Expect(os.WriteFile(path, []byte("DARCH_GC_MAX_AGE_DAYS=0\nDARCH_GC_KEEP_MAX=0\n"), 0o644)).To(Succeed())

		s, err := build.ReadSettings(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(s.GC.MaxAge).To(Equal(time.Duration(0)))
		Expect(s.GC.KeepMax).To(Equal(0))
	})
})

var _ = Describe("lock guard", func() {
	It("fails immediately when the lock is already held", func() {
		path := filepath.Join(GinkgoT().TempDir(), "darch.lock")

		first, err := build.AcquireLock(path)
		Expect(err).ToNot(HaveOccurred())
		defer first.Release()

		_, err = build.AcquireLock(path)
		Expect(err).To(MatchError(constants.ErrLockHeld))
	})

	It("can be re-acquired after release", func() {
		path := filepath.Join(GinkgoT().TempDir(), "darch.lock")

		first, err := build.AcquireLock(path)
		Expect(err).ToNot(HaveOccurred())
		first.Release()

		second, err := build.AcquireLock(path)
		Expect(err).ToNot(HaveOccurred())
		second.Release()
	})
})

var _ = Describe("file entries", func() {
	var root string

	BeforeEach(func() {
		root = GinkgoT().TempDir()
	})

	It("writes a file with its declared mode", func() {
		entry := config.NewFileWithMode("secret\n", 0o600)
		Expect(build.WriteEntry(root, "/etc/token", entry)).To(Succeed())

		info, err := os.Stat(filepath.Join(root, "etc/token"))
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))
	})

	It("replaces an existing symlink with a file", func() {
		Expect(build.WriteEntry(root, "/etc/motd", config.NewSymlink("/dev/null"))).To(Succeed())
		Expect(build.WriteEntry(root, "/etc/motd", config.NewFile("hello\n"))).To(Succeed())

		data, err := os.ReadFile(filepath.Join(root, "etc/motd"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("hello\n"))
	})

	It("writes symlinks without following them", func() {
		Expect(build.WriteEntry(root, "/etc/localtime", config.NewSymlink("/usr/share/zoneinfo/UTC"))).To(Succeed())

		target, err := os.Readlink(filepath.Join(root, "etc/localtime"))
		Expect(err).ToNot(HaveOccurred())
		Expect(target).To(Equal("/usr/share/zoneinfo/UTC"))
	})

	It("removes entries and tolerates already-gone paths", func() {
		Expect(build.WriteEntry(root, "/etc/motd", config.NewFile("x"))).To(Succeed())
		Expect(build.RemoveEntry(root, "/etc/motd")).To(Succeed())
		Expect(build.RemoveEntry(root, "/etc/motd")).To(Succeed())
	})
})

var _ = Describe("user configuration", func() {
	var genRoot, homeDir string

	BeforeEach(func() {
		genRoot = GinkgoT().TempDir()
		homeDir = GinkgoT().TempDir()

		etc := filepath.Join(genRoot, "etc")
		Expect(os.MkdirAll(etc, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(etc, "passwd"),
			[]byte("root:x:0:0::/root:/bin/bash\nbin:x:1:1::/:/usr/bin/nologin\n"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(etc, "shadow"),
			[]byte("root::19000::::::\n"), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(etc, "group"),
			[]byte("root:x:0:\nwheel:x:998:\n"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(etc, "gshadow"),
			[]byte("root:::\nwheel:::\n"), 0o600)).To(Succeed())
	})

	It("appends the user and joins supplementary groups", func() {
		u := config.NewUser("dev").AddGroups("wheel")
		Expect(os.MkdirAll(filepath.Join(homeDir, "dev"), 0o700)).To(Succeed())

		Expect(build.ConfigureUser(u, genRoot, homeDir)).To(Succeed())

		passwd, err := os.ReadFile(filepath.Join(genRoot, "etc/passwd"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(passwd)).To(ContainSubstring("dev:x:1000:1000::/home/dev:/bin/bash"))
		Expect(string(passwd)).To(ContainSubstring("root:x:0:0"))

		group, err := os.ReadFile(filepath.Join(genRoot, "etc/group"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(group)).To(ContainSubstring("wheel:x:998:dev"))
		Expect(string(group)).To(ContainSubstring("dev:x:1000:"))
	})

	It("is idempotent across repeated builds", func() {
		u := config.NewUser("dev").AddGroups("wheel")
		Expect(os.MkdirAll(filepath.Join(homeDir, "dev"), 0o700)).To(Succeed())

		Expect(build.ConfigureUser(u, genRoot, homeDir)).To(Succeed())
		Expect(build.ConfigureUser(u, genRoot, homeDir)).To(Succeed())

		group, err := os.ReadFile(filepath.Join(genRoot, "etc/group"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(group)).To(ContainSubstring("wheel:x:998:dev\n"))
		Expect(string(group)).ToNot(ContainSubstring("dev,dev"))
	})

	It("creates the home directory with restricted permissions", func() {
		u := config.NewUser("dev")
		u.UID = os.Getuid()

		Expect(build.ConfigureUser(u, genRoot, homeDir)).To(Succeed())

		info, err := os.Stat(filepath.Join(homeDir, "dev"))
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o700)))
	})

	It("writes home files and refuses escaping paths", func() {
		u := config.NewUser("dev").AddFile("~/.bashrc", "export EDITOR=vim\n")
		u.UID = os.Getuid()

		Expect(build.ConfigureUser(u, genRoot, homeDir)).To(Succeed())

		data, err := os.ReadFile(filepath.Join(homeDir, "dev/.bashrc"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("EDITOR=vim"))

		evil := config.NewUser("dev")
		evil.UID = os.Getuid()
		evil.Files["../outside"] = config.NewFile("boom")
		err = build.ConfigureUser(evil, genRoot, homeDir)
		Expect(err).To(MatchError(constants.ErrPathEscape))
	})

	It("keeps the shadow files non-world-readable", func() {
		u := config.NewUser("dev")
		u.UID = os.Getuid()

		Expect(build.ConfigureUser(u, genRoot, homeDir)).To(Succeed())

		info, err := os.Stat(filepath.Join(genRoot, "etc/shadow"))
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))
	})
})
