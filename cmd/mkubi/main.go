// Command mkubi writes a synthetic UBI flash image from a JSON recipe, for
// exercising ubiattach and for building test fixtures without a real NAND
// device.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/flashlayer/ubiattach/flashio"
	"github.com/flashlayer/ubiattach/ubi"
)

// recipe describes one flash image: the device geometry plus a list of PEBs
// to program. PEBs not listed stay erased (all 0xFF).
type recipe struct {
	PEBCount int         `json:"peb_count"`
	PEBSize  int         `json:"peb_size"`
	ImageSeq uint32      `json:"image_seq"`
	PEBs     []pebRecipe `json:"pebs"`
}

type pebRecipe struct {
	Pnum int   `json:"pnum"`
	EC   int64 `json:"ec"`
	// ECOnly writes just the erase-counter header, leaving the VID area
	// erased — the image of a free PEB.
	ECOnly bool `json:"ec_only,omitempty"`

	VolID    int32  `json:"vol_id"`
	LNum     int32  `json:"lnum"`
	Sqnum    uint64 `json:"sqnum"`
	VolType  string `json:"vol_type,omitempty"` // "dynamic" (default) or "static"
	UsedEBs  uint32 `json:"used_ebs,omitempty"`
	DataPad  uint32 `json:"data_pad,omitempty"`
	Compat   uint8  `json:"compat,omitempty"`
	CopyFlag bool   `json:"copy_flag,omitempty"`

	// DataSize bytes of DataFill are written to the data area; DataCRC in
	// the VID header is computed over them, or deliberately inverted when
	// CorruptDataCRC is set (for power-cut-mid-copy fixtures).
	DataSize       uint32 `json:"data_size,omitempty"`
	DataFill       byte   `json:"data_fill,omitempty"`
	CorruptDataCRC bool   `json:"corrupt_data_crc,omitempty"`
}

func main() {
	app := cli.NewApp()
	app.Name = "mkubi"
	app.Usage = "build a synthetic UBI flash image from a JSON recipe"
	app.ArgsUsage = "RECIPE.json IMAGE"
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mkubi: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: mkubi RECIPE.json IMAGE")
	}
	raw, err := os.ReadFile(c.Args().Get(0))
	if err != nil {
		return err
	}
	var r recipe
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("parsing recipe: %w", err)
	}
	if r.PEBCount <= 0 || r.PEBSize <= 0 {
		return fmt.Errorf("recipe needs positive peb_count and peb_size")
	}

	dev, err := flashio.NewFileDevice(c.Args().Get(1), r.PEBCount, r.PEBSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	for _, p := range r.PEBs {
		if err := writePEB(dev, &r, &p); err != nil {
			return fmt.Errorf("pnum %d: %w", p.Pnum, err)
		}
	}
	fmt.Printf("wrote %d PEBs (%d programmed) to %s\n", r.PEBCount, len(r.PEBs), c.Args().Get(1))
	return nil
}

func writePEB(dev *flashio.FileDevice, r *recipe, p *pebRecipe) error {
	if p.Pnum < 0 || p.Pnum >= r.PEBCount {
		return fmt.Errorf("pnum out of range")
	}
	ech := &ubi.ECHeader{
		Version:      1,
		EC:           uint64(p.EC),
		VIDHdrOffset: uint32(dev.VIDHdrOffset()),
		DataOffset:   uint32(dev.DataOffset()),
		ImageSeq:     r.ImageSeq,
	}
	if err := dev.WriteECHeader(p.Pnum, ech); err != nil {
		return err
	}
	if p.ECOnly {
		return nil
	}

	vt := ubi.VolDynamic
	if p.VolType == "static" {
		vt = ubi.VolStatic
	}
	var data []byte
	if p.DataSize > 0 {
		data = make([]byte, p.DataSize)
		for i := range data {
			data[i] = p.DataFill
		}
		if err := dev.WriteData(p.Pnum, 0, data); err != nil {
			return err
		}
	}
	crc := ubi.CRC32(data)
	if p.CorruptDataCRC {
		crc = ^crc
	}
	vidh := &ubi.VIDHeader{
		VolType:  vt,
		CopyFlag: p.CopyFlag,
		Compat:   ubi.Compat(p.Compat),
		VolID:    p.VolID,
		LNum:     p.LNum,
		DataSize: p.DataSize,
		UsedEBs:  p.UsedEBs,
		DataPad:  p.DataPad,
		DataCRC:  crc,
		Sqnum:    p.Sqnum,
	}
	return dev.WriteVIDHeader(p.Pnum, vidh)
}
