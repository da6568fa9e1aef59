package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ngdp-go/tactcore/build"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

// extractByCKey resolves a content key through Encoding to its first eKey,
// then through Build.OpenByEKey's group-index/file-index/whole-file
// fallback chain, and reads the result fully.
func extractByCKey(ctx context.Context, b *build.Build, cKey []byte) ([]byte, error) {
	entry, err := b.Encoding.FindByCKey(cKey)
	if err != nil {
		return nil, err
	}
	if len(entry.EKeys) == 0 {
		return nil, fmt.Errorf("cKey %s has no eKeys", hex.EncodeToString(cKey))
	}
	return extractByEKeyHex(ctx, b, hex.EncodeToString(entry.EKeys[0]))
}

func extractByEKeyHex(ctx context.Context, b *build.Build, eKeyHex string) ([]byte, error) {
	rc, err := b.OpenByEKey(ctx, eKeyHex)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func newCmd_ExtractFileDataID() *cli.Command {
	return &cli.Command{
		Name:      "extractFileDataID",
		Usage:     "extract a file by its numeric FileDataID via Root",
		ArgsUsage: "<uint>",
		Flags:     sharedFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("extractFileDataID: expected exactly one argument, got %d", c.NArg())
			}
			fdid, err := strconv.ParseUint(c.Args().First(), 10, 32)
			if err != nil {
				return fmt.Errorf("extractFileDataID: invalid FileDataID %q: %w", c.Args().First(), err)
			}

			start := time.Now()
			b, err := openBuild(c.Context, c)
			if err != nil {
				return err
			}
			rec, err := b.Root.FindFileDataID(uint32(fdid))
			if err != nil {
				return err
			}
			data, err := extractByCKey(c.Context, b, rec.CKey)
			if err != nil {
				return err
			}
			if err := writeOutput(c, data); err != nil {
				return err
			}
			klog.Infof("extractFileDataID %d: %d bytes in %s", fdid, len(data), time.Since(start))
			return nil
		},
	}
}

func newCmd_ExtractContentKey() *cli.Command {
	return &cli.Command{
		Name:      "extractContentKey",
		Usage:     "extract a file by its content key (cKey)",
		ArgsUsage: "<hex16>",
		Flags:     sharedFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("extractContentKey: expected exactly one argument, got %d", c.NArg())
			}
			cKey, err := hex.DecodeString(c.Args().First())
			if err != nil || len(cKey) != 16 {
				return fmt.Errorf("extractContentKey: invalid cKey %q, want 16-byte hex", c.Args().First())
			}

			start := time.Now()
			b, err := openBuild(c.Context, c)
			if err != nil {
				return err
			}
			data, err := extractByCKey(c.Context, b, cKey)
			if err != nil {
				return err
			}
			if err := writeOutput(c, data); err != nil {
				return err
			}
			klog.Infof("extractContentKey %s: %d bytes in %s", c.Args().First(), len(data), time.Since(start))
			return nil
		},
	}
}

func newCmd_ExtractEncodingKey() *cli.Command {
	return &cli.Command{
		Name:      "extractEncodingKey",
		Usage:     "extract a file by its encoding key (eKey), bypassing Root/Encoding entirely",
		ArgsUsage: "<hex16>",
		Flags:     sharedFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("extractEncodingKey: expected exactly one argument, got %d", c.NArg())
			}
			eKeyHex := c.Args().First()
			if _, err := hex.DecodeString(eKeyHex); err != nil || len(eKeyHex) != 32 {
				return fmt.Errorf("extractEncodingKey: invalid eKey %q, want 16-byte hex", eKeyHex)
			}

			start := time.Now()
			b, err := openBuild(c.Context, c)
			if err != nil {
				return err
			}
			data, err := extractByEKeyHex(c.Context, b, eKeyHex)
			if err != nil {
				return err
			}
			if err := writeOutput(c, data); err != nil {
				return err
			}
			klog.Infof("extractEncodingKey %s: %d bytes in %s", eKeyHex, len(data), time.Since(start))
			return nil
		},
	}
}

func newCmd_ExtractFileName() *cli.Command {
	return &cli.Command{
		Name:      "extractFileName",
		Usage:     "extract a file by its game-path name, hashed and looked up in Root",
		ArgsUsage: "<string>",
		Flags:     sharedFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("extractFileName: expected exactly one argument, got %d", c.NArg())
			}
			name := c.Args().First()

			start := time.Now()
			b, err := openBuild(c.Context, c)
			if err != nil {
				return err
			}
			rec, err := b.Root.FindNameHash(nameHash(name))
			if err != nil {
				return err
			}
			data, err := extractByCKey(c.Context, b, rec.CKey)
			if err != nil {
				return err
			}
			if err := writeOutput(c, data); err != nil {
				return err
			}
			klog.Infof("extractFileName %s: %d bytes in %s", name, len(data), time.Since(start))
			return nil
		},
	}
}
