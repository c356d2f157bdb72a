package utils_test

import (
	"errors"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4"
	"github.com/twpayne/go-vfs/v4/vfst"

	"github.com/darch-io/darch/internal/utils"
)

var _ = Describe("runner", func() {
	BeforeEach(func() {
		utils.SetLogger(false)
	})

	It("reports a missing tool as an environment error", func() {
		_, err := utils.ExecRunner{}.Run("definitely-not-a-real-tool-9000")

		var notFound *utils.ToolNotFoundError
		Expect(errors.As(err, &notFound)).To(BeTrue())
		Expect(notFound.Tool).To(Equal("definitely-not-a-real-tool-9000"))
	})

	It("reports a failing tool with its exit code and output", func() {
		_, err := utils.ExecRunner{}.Run("ls", "/definitely/not/a/path")

		var cmdErr *utils.CommandError
		Expect(errors.As(err, &cmdErr)).To(BeTrue())
		Expect(cmdErr.Tool).To(Equal("ls"))
		Expect(cmdErr.ExitCode).ToNot(Equal(0))
		Expect(cmdErr.Output).ToNot(BeEmpty())
	})

	It("captures trimmed output on success", func() {
		out, err := utils.ExecRunner{}.Run("ls", "-d", "/")
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("/"))
	})

	It("keeps warnings on stderr out of the parsed output", func() {
		out, err := utils.ExecRunner{}.Run("sh", "-c", "echo 'partition scan failed' >&2; echo /dev/loop7")
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("/dev/loop7"))
	})

	It("preserves stderr in the failure diagnostics", func() {
		_, err := utils.ExecRunner{}.Run("sh", "-c", "echo 'no such device' >&2; exit 3")

		var cmdErr *utils.CommandError
		Expect(errors.As(err, &cmdErr)).To(BeTrue())
		Expect(cmdErr.ExitCode).To(Equal(3))
		Expect(cmdErr.Output).To(ContainSubstring("no such device"))
	})

	It("checks a whole tool list before anything runs", func() {
		Expect(utils.CheckTools("ls")).To(Succeed())
		Expect(utils.CheckTools("ls", "definitely-not-a-real-tool-9000")).To(HaveOccurred())
	})
})

var _ = Describe("device parsing", func() {
	It("maps identifier prefixes to udev paths", func() {
		Expect(utils.ParseDevice("UUID=abcd-1234")).To(Equal("/dev/disk/by-uuid/abcd-1234"))
		Expect(utils.ParseDevice("LABEL=DARCH")).To(Equal("/dev/disk/by-label/DARCH"))
		Expect(utils.ParseDevice("/dev/vda2")).To(Equal("/dev/vda2"))
	})
})

var _ = Describe("env files", func() {
	var fs vfs.FS
	var cleanup func()

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/etc/darch/darch.env": "DARCH_LOCK_PATH=/tmp/test.lock\nDARCH_GC_KEEP_MIN=4\n",
		})
		Expect(err).ToNot(HaveOccurred())
	})
	AfterEach(func() {
		cleanup()
	})

	It("reads key/value pairs", func() {
		path, err := fs.RawPath("/etc/darch/darch.env")
		Expect(err).ToNot(HaveOccurred())

		env, err := utils.ReadEnv(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(env).To(HaveKeyWithValue("DARCH_LOCK_PATH", "/tmp/test.lock"))
		Expect(env).To(HaveKeyWithValue("DARCH_GC_KEEP_MIN", "4"))
	})
})

var _ = Describe("slice helpers", func() {
	It("drops empty members", func() {
		Expect(utils.CleanupSlice([]string{"a", "", "  ", "b"})).To(Equal([]string{"a", "b"}))
	})

	It("deduplicates preserving order", func() {
		Expect(utils.UniqueSlice([]string{"a", "b", "a", "c", "b"})).To(Equal([]string{"a", "b", "c"}))
	})
})

var _ = Describe("filesystem helpers", func() {
	It("creates missing directories and leaves existing ones alone", func() {
		dir := GinkgoT().TempDir()
		target := dir + "/nested/dir"

		Expect(utils.CreateIfNotExists(target)).To(Succeed())
		info, err := os.Stat(target)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())

		Expect(utils.CreateIfNotExists(target)).To(Succeed())
	})
})
