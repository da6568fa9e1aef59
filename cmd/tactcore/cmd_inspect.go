package main

import (
	"fmt"
	"os"

	"github.com/ngdp-go/tactcore/archiveindex"
	"github.com/ngdp-go/tactcore/encoding"
	"github.com/ngdp-go/tactcore/root"
	"github.com/urfave/cli/v2"
)

// newCmd_Inspect groups the operational diagnostics commands, one per
// binary format this module parses, following the teacher's pattern of a
// parent "verify-index" command holding one subcommand per index flavor.
func newCmd_Inspect() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "print header/page-count diagnostics for a local binary format file",
		Subcommands: []*cli.Command{
			newCmd_InspectEncoding(),
			newCmd_InspectArchiveIndex(),
			newCmd_InspectRoot(),
		},
	}
}

func newCmd_InspectEncoding() *cli.Command {
	return &cli.Command{
		Name:      "encoding",
		Usage:     "print an Encoding file's header",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("inspect encoding: expected exactly one path argument")
			}
			e, err := encoding.OpenFile(c.Args().First())
			if err != nil {
				return err
			}
			defer e.Close()
			h := e.Header()
			fmt.Fprintf(c.App.Writer, "version: %d\n", h.Version)
			fmt.Fprintf(c.App.Writer, "cKeySize: %d  eKeySize: %d\n", h.CKeySize, h.EKeySize)
			fmt.Fprintf(c.App.Writer, "cKeyPageSizeKB: %d  cKeyPageCount: %d\n", h.CKeyPageSizeKB, h.CKeyPageCount)
			fmt.Fprintf(c.App.Writer, "eSpecPageSizeKB: %d  eSpecPageCount: %d\n", h.ESpecPageSizeKB, h.ESpecPageCount)
			fmt.Fprintf(c.App.Writer, "eSpecBlockSize: %d\n", h.ESpecBlockSize)
			return nil
		},
	}
}

func newCmd_InspectArchiveIndex() *cli.Command {
	return &cli.Command{
		Name:      "archive-index",
		Usage:     "print an archive/group/file index's footer and flavor",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("inspect archive-index: expected exactly one path argument")
			}
			idx, err := archiveindex.OpenFile(c.Args().First())
			if err != nil {
				return err
			}
			defer idx.Close()
			ft := idx.Footer()
			flavor := "archive"
			switch idx.Flavor() {
			case archiveindex.FlavorFileIndex:
				flavor = "file-index"
			case archiveindex.FlavorGroupIndex:
				flavor = "group-index"
			}
			fmt.Fprintf(c.App.Writer, "flavor: %s\n", flavor)
			fmt.Fprintf(c.App.Writer, "formatRevision: %d  blockSizeKB: %d\n", ft.FormatRevision, ft.BlockSizeKB)
			fmt.Fprintf(c.App.Writer, "offsetBytes: %d  sizeBytes: %d  keyBytes: %d  hashBytes: %d\n",
				ft.OffsetBytes, ft.SizeBytes, ft.KeyBytes, ft.HashBytes)
			fmt.Fprintf(c.App.Writer, "numElements: %d\n", ft.NumElements)
			return nil
		},
	}
}

func newCmd_InspectRoot() *cli.Command {
	return &cli.Command{
		Name:      "root",
		Usage:     "print a BLTE-decoded Root manifest's record count",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("inspect root: expected exactly one path argument")
			}
			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return err
			}
			rt, err := root.Parse(data, localeByName(c.String("locale")))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "recordCount: %d\n", rt.RecordCount())
			return nil
		},
	}
}
