// Command ubiattach attaches a UBI flash image (built by mkubi or captured
// from a real device) and prints what the scanner found: volumes, the
// LEB-to-PEB map, and the free/erase/corrupt/alien classification.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"sort"

	"github.com/google/pprof/profile"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/flashlayer/ubiattach/attach"
	"github.com/flashlayer/ubiattach/flashio"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	app := cli.NewApp()
	app.Name = "ubiattach"
	app.Usage = "scan a UBI flash image and print the attach info"
	app.ArgsUsage = "IMAGE"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "peb-size", Value: 4096, Usage: "physical eraseblock size in bytes"},
		cli.BoolFlag{Name: "json", Usage: "emit the summary as JSON"},
		cli.BoolFlag{Name: "verbose", Usage: "log non-fatal media events"},
		cli.BoolFlag{Name: "self-check", Usage: "run the post-scan invariant walk"},
		cli.BoolFlag{Name: "backup-recovery", Usage: "enable paired-page shadow-volume recovery"},
		cli.StringFlag{Name: "profile", Usage: "write a CPU profile to `FILE` and print a top-functions summary"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ubiattach: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: ubiattach [flags] IMAGE")
	}
	dev, err := flashio.OpenFileDevice(c.Args().First(), c.Int("peb-size"))
	if err != nil {
		return err
	}
	defer dev.Close()

	profPath := c.String("profile")
	if profPath != "" {
		f, err := os.Create(profPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
	}

	cfg := attach.Config{
		SelfCheckEnabled:      c.Bool("self-check"),
		BackupRecoveryEnabled: c.Bool("backup-recovery"),
		Logger:                attach.NewLogger(c.Bool("verbose")),
	}
	ai, err := attach.Attach(context.Background(), dev, cfg)
	if profPath != "" {
		pprof.StopCPUProfile()
	}
	if err != nil {
		return err
	}
	defer ai.Close()

	if c.Bool("json") {
		out, err := json.MarshalIndent(summarize(dev, ai), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		printSummary(dev, ai)
	}

	if profPath != "" {
		if err := printProfileTop(profPath); err != nil {
			fmt.Fprintf(os.Stderr, "ubiattach: profile summary: %v\n", err)
		}
	}
	return nil
}

type lebSummary struct {
	LNum  int32  `json:"lnum"`
	Pnum  int    `json:"pnum"`
	Sqnum uint64 `json:"sqnum"`
	EC    int64  `json:"ec"`
	Scrub bool   `json:"scrub,omitempty"`
}

type volumeSummary struct {
	VolID       int32        `json:"vol_id"`
	Type        string       `json:"type"`
	LebCount    int32        `json:"leb_count"`
	HighestLNum int32        `json:"highest_lnum"`
	UsedEBs     int32        `json:"used_ebs,omitempty"`
	LEBs        []lebSummary `json:"lebs"`
}

type attachSummary struct {
	PEBCount  int  `json:"peb_count"`
	BadPEBs   int  `json:"bad_pebs"`
	AlienPEBs int  `json:"alien_pebs"`
	CorrPEBs  int  `json:"corr_pebs"`
	EmptyPEBs int  `json:"empty_pebs"`
	FreePEBs  int  `json:"free_pebs"`
	ErasePEBs int  `json:"erase_pebs"`
	VolsFound int  `json:"vols_found"`
	IsEmpty   bool `json:"is_empty"`
	ReadOnly  bool `json:"read_only"`

	MinEC    int64  `json:"min_ec"`
	MaxEC    int64  `json:"max_ec"`
	MeanEC   int64  `json:"mean_ec"`
	MaxSqnum uint64 `json:"max_sqnum"`
	ImageSeq uint32 `json:"image_seq"`

	Volumes []volumeSummary `json:"volumes"`
}

func summarize(dev flashio.Device, ai *attach.Info) *attachSummary {
	s := &attachSummary{
		PEBCount:  dev.PEBCount(),
		BadPEBs:   ai.BadPebCount,
		AlienPEBs: ai.AlienPebCount,
		CorrPEBs:  ai.CorrPebCount,
		EmptyPEBs: ai.EmptyPebCount,
		FreePEBs:  len(ai.Free()),
		ErasePEBs: len(ai.Erase()),
		VolsFound: ai.VolsFound,
		IsEmpty:   ai.IsEmpty,
		ReadOnly:  ai.ReadOnly,
		MinEC:     ai.MinEC,
		MaxEC:     ai.MaxEC,
		MeanEC:    ai.MeanEC,
		MaxSqnum:  ai.MaxSqnum,
		ImageSeq:  ai.ImageSeq,
	}
	ai.Volumes(func(v *attach.VolumeInfo) bool {
		vs := volumeSummary{
			VolID:       v.VolID,
			Type:        v.VolType.String(),
			LebCount:    v.LebCount,
			HighestLNum: v.HighestLNum,
			UsedEBs:     v.UsedEBs,
		}
		v.Scan(func(lnum int32, p *attach.PebInfo) bool {
			vs.LEBs = append(vs.LEBs, lebSummary{
				LNum: lnum, Pnum: p.Pnum, Sqnum: p.Sqnum, EC: p.EC, Scrub: p.Scrub,
			})
			return true
		})
		s.Volumes = append(s.Volumes, vs)
		return true
	})
	return s
}

func printSummary(dev flashio.Device, ai *attach.Info) {
	p := message.NewPrinter(language.English)
	p.Printf("attached: %d PEBs, %d volumes\n", dev.PEBCount(), ai.VolsFound)
	p.Printf("  free %d, erase %d, corrupt %d, alien %d, bad %d, empty %d\n",
		len(ai.Free()), len(ai.Erase()), ai.CorrPebCount, ai.AlienPebCount,
		ai.BadPebCount, ai.EmptyPebCount)
	p.Printf("  ec min/mean/max %d/%d/%d, max sqnum %d, image seq %#x\n",
		ai.MinEC, ai.MeanEC, ai.MaxEC, ai.MaxSqnum, ai.ImageSeq)
	if ai.IsEmpty {
		p.Printf("  media is empty\n")
	}
	if ai.ReadOnly {
		p.Printf("  device forced read-only: %v\n", ai.ReadOnlyReason)
	}
	ai.Volumes(func(v *attach.VolumeInfo) bool {
		p.Printf("volume %d (%s): %d LEBs, highest lnum %d\n",
			v.VolID, v.VolType, v.LebCount, v.HighestLNum)
		v.Scan(func(lnum int32, pi *attach.PebInfo) bool {
			p.Printf("  leb %d -> peb %d (sqnum %d, ec %d)\n", lnum, pi.Pnum, pi.Sqnum, pi.EC)
			return true
		})
		return true
	})
}

// printProfileTop parses the CPU profile just written and prints the
// hottest functions by flat sample value, the way pprof's own -top would.
func printProfileTop(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	prof, err := profile.Parse(f)
	if err != nil {
		return err
	}

	flat := make(map[string]int64)
	for _, s := range prof.Sample {
		if len(s.Location) == 0 || len(s.Value) == 0 {
			continue
		}
		name := "<unknown>"
		if lines := s.Location[0].Line; len(lines) > 0 && lines[0].Function != nil {
			name = lines[0].Function.Name
		}
		flat[name] += s.Value[len(s.Value)-1]
	}

	type entry struct {
		name  string
		value int64
	}
	top := make([]entry, 0, len(flat))
	for name, v := range flat {
		top = append(top, entry{name, v})
	}
	sort.Slice(top, func(i, j int) bool { return top[i].value > top[j].value })
	if len(top) > 10 {
		top = top[:10]
	}

	fmt.Println("top functions by flat CPU:")
	for _, e := range top {
		fmt.Printf("  %12d  %s\n", e.value, e.name)
	}
	return nil
}
