package attach_test

import (
	"context"
	"errors"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flashlayer/ubiattach/attach"
	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

// End-to-end scenarios driven through the public Attach entry point
// against a file-backed flash image: blank media, a clean image, an
// interrupted wear-leveling move, preserved corruption, a static-volume
// bounds violation, and a duplicated sequence number.
var _ = Describe("attach scenarios", func() {
	const (
		pebCount = 64
		pebSize  = 4096
	)

	var dev *flashio.FileDevice

	BeforeEach(func() {
		var err error
		dev, err = flashio.NewFileDevice(
			filepath.Join(GinkgoT().TempDir(), "flash.img"), pebCount, pebSize)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { dev.Close() })
	})

	writeEC := func(pnum int, ec int64) {
		ech := &ubi.ECHeader{
			Version:      1,
			EC:           uint64(ec),
			VIDHdrOffset: uint32(dev.VIDHdrOffset()),
			DataOffset:   uint32(dev.DataOffset()),
		}
		Expect(dev.WriteECHeader(pnum, ech)).To(Succeed())
	}

	// writeLEB programs a full PEB: EC header, VID header and data, with
	// data_crc computed over data (or inverted, to fake a copy interrupted
	// by a power cut).
	writeLEB := func(pnum int, ec int64, vidh *ubi.VIDHeader, data []byte, corruptCRC bool) {
		writeEC(pnum, ec)
		vidh.DataSize = uint32(len(data))
		vidh.DataCRC = ubi.CRC32(data)
		if corruptCRC {
			vidh.DataCRC = ^vidh.DataCRC
		}
		if len(data) > 0 {
			Expect(dev.WriteData(pnum, 0, data)).To(Succeed())
		}
		Expect(dev.WriteVIDHeader(pnum, vidh)).To(Succeed())
	}

	run := func(cfg attach.Config) (*attach.Info, error) {
		return attach.Attach(context.Background(), dev, cfg)
	}

	It("fresh media attaches as empty", func() {
		ai, err := run(attach.Config{SelfCheckEnabled: true})
		Expect(err).NotTo(HaveOccurred())
		defer ai.Close()

		Expect(ai.EmptyPebCount).To(Equal(pebCount))
		Expect(ai.Erase()).To(HaveLen(pebCount))
		Expect(ai.VolsFound).To(BeZero())
		Expect(ai.IsEmpty).To(BeTrue())
		Expect(ai.ImageSeq).NotTo(BeZero(), "blank media gets a random image_seq")
	})

	It("a clean image yields one user volume and the right statistics", func() {
		writeLEB(0, 50, &ubi.VIDHeader{
			VolType: ubi.VolDynamic, VolID: ubi.LayoutVolID, LNum: 0, Sqnum: 1,
		}, nil, false)
		for lnum := int32(0); lnum < 3; lnum++ {
			writeLEB(int(lnum)+1, 50, &ubi.VIDHeader{
				VolType: ubi.VolDynamic, VolID: 0, LNum: lnum, Sqnum: 100 + uint64(lnum),
			}, []byte("payload"), false)
		}

		ai, err := run(attach.Config{SelfCheckEnabled: true})
		Expect(err).NotTo(HaveOccurred())
		defer ai.Close()

		v := ai.FindVolume(0)
		Expect(v).NotTo(BeNil())
		Expect(v.LebCount).To(Equal(int32(3)))
		Expect(v.HighestLNum).To(Equal(int32(2)))
		for lnum := int32(0); lnum < 3; lnum++ {
			p, ok := v.Get(lnum)
			Expect(ok).To(BeTrue())
			Expect(p.Pnum).To(Equal(int(lnum) + 1))
		}

		Expect(len(ai.Free()) + len(ai.Erase())).To(Equal(pebCount - 4))
		Expect(ai.MaxSqnum).To(Equal(uint64(102)))
		Expect(ai.MeanEC).To(Equal(int64(50)))
	})

	It("a power cut mid-wear-level keeps the source and discards the copy", func() {
		payload := []byte("sixteen-byte-buf")
		writeLEB(1, 10, &ubi.VIDHeader{
			VolType: ubi.VolDynamic, VolID: 0, LNum: 0, Sqnum: 200,
		}, payload, false)
		writeLEB(2, 10, &ubi.VIDHeader{
			VolType: ubi.VolDynamic, VolID: 0, LNum: 0, Sqnum: 201, CopyFlag: true,
		}, payload, true) // data_crc deliberately wrong: unfinished copy

		ai, err := run(attach.Config{SelfCheckEnabled: true})
		Expect(err).NotTo(HaveOccurred())
		defer ai.Close()

		v := ai.FindVolume(0)
		Expect(v).NotTo(BeNil())
		p, ok := v.Get(0)
		Expect(ok).To(BeTrue())
		Expect(p.Pnum).To(Equal(1), "the source PEB survives")

		erase := ai.Erase()
		Expect(erase).NotTo(BeEmpty())
		Expect(erase[0].Pnum).To(Equal(2), "the corrupted copy goes to the erase list head")
	})

	It("unknown corruption is preserved and attach still succeeds", func() {
		writeEC(0, 1)
		dev.SetFault(0, flashio.Fault{VID: flashio.VIDOutcomeBadHdr})
		junk := make([]byte, 512)
		for i := range junk {
			junk[i] = 0xAB
		}
		Expect(dev.WriteData(0, 0, junk)).To(Succeed())

		ai, err := run(attach.Config{SelfCheckEnabled: true})
		Expect(err).NotTo(HaveOccurred())
		defer ai.Close()

		Expect(ai.CorrPebCount).To(Equal(1))
		Expect(ai.Corrupt()).To(HaveLen(1))
		Expect(ai.Corrupt()[0].Pnum).To(Equal(0))
	})

	It("a static volume lnum beyond used_ebs fails the self-check", func() {
		writeLEB(0, 3, &ubi.VIDHeader{
			VolType: ubi.VolStatic, VolID: 1, LNum: 4, UsedEBs: 4, Sqnum: 5,
		}, []byte("x"), false)

		_, err := run(attach.Config{SelfCheckEnabled: true})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("bad lnum"))
	})

	It("a duplicate nonzero sqnum aborts the attach", func() {
		for pnum := 0; pnum < 2; pnum++ {
			writeLEB(pnum, 1, &ubi.VIDHeader{
				VolType: ubi.VolDynamic, VolID: 0, LNum: 0, Sqnum: 7,
			}, []byte("dup"), false)
		}

		_, err := run(attach.Config{})
		Expect(err).To(HaveOccurred())
		var fe *attach.FatalError
		Expect(errors.As(err, &fe)).To(BeTrue())
		Expect(fe.Class).To(Equal(attach.ClassInvalid))
	})
})
