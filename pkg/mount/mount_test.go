package mount_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/darch-io/darch/internal/utils"
	"github.com/darch-io/darch/pkg/mount"
)

func init() {
	utils.SetLogger(false)
}

var _ = Describe("mount operations", func() {
	It("builds a subvolume mount with extra options appended", func() {
		op := mount.Subvolume("/dev/vda2", "/run/darch/images", "@images", "ro")
		Expect(op.Mount.Type).To(Equal("btrfs"))
		Expect(op.Mount.Source).To(Equal("/dev/vda2"))
		Expect(op.Mount.Options).To(Equal([]string{"subvol=@images", "ro"}))
		Expect(op.Target).To(Equal("/run/darch/images"))
	})

	It("builds a plain device mount", func() {
		op := mount.Device("/dev/vda1", "/run/darch/build/efi", "vfat")
		Expect(op.Mount.Type).To(Equal("vfat"))
		Expect(op.Mount.Options).To(BeEmpty())
	})

	It("builds a bind mount", func() {
		op := mount.Bind("/var/cache/pacman/pkg", "/run/darch/build/var/cache/pacman/pkg")
		Expect(op.Mount.Options).To(ContainElement("bind"))
	})
})

var _ = Describe("release stack", func() {
	It("releases in reverse acquisition order", func() {
		var order []string
		s := &mount.Stack{}
		s.Push("first", func() error { order = append(order, "first"); return nil })
		s.Push("second", func() error { order = append(order, "second"); return nil })
		s.Push("third", func() error { order = append(order, "third"); return nil })

		Expect(s.Release()).To(Succeed())
		Expect(order).To(Equal([]string{"third", "second", "first"}))
	})

	It("keeps unwinding past failures and aggregates them", func() {
		var order []string
		s := &mount.Stack{}
		s.Push("first", func() error { order = append(order, "first"); return nil })
		s.Push("second", func() error { return errors.New("busy") })
		s.Push("third", func() error { order = append(order, "third"); return nil })

		err := s.Release()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("busy"))
		Expect(order).To(Equal([]string{"third", "first"}))
	})

	It("is empty after release", func() {
		calls := 0
		s := &mount.Stack{}
		s.Push("once", func() error { calls++; return nil })

		Expect(s.Release()).To(Succeed())
		Expect(s.Release()).To(Succeed())
		Expect(calls).To(Equal(1))
	})
})
