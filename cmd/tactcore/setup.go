package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ngdp-go/tactcore/build"
	"github.com/ngdp-go/tactcore/cache"
	"github.com/ngdp-go/tactcore/keyvalue"
	"github.com/ngdp-go/tactcore/mirror"
	"github.com/ngdp-go/tactcore/resolver"
	"github.com/ngdp-go/tactcore/root"
	"github.com/urfave/cli/v2"
)

// sharedFlags are the flags each extract command reads, named per spec.md
// §6's external interface. They're attached per-command rather than to the
// app globally so the supplemented inspect subcommands, which work off a
// local file path instead of a build, don't inherit them.
func sharedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "output", Usage: "write the extracted bytes here instead of stdout"},
		&cli.StringFlag{Name: "product", Value: "wow", Usage: "product code used against the versions/cdns services"},
		&cli.StringFlag{Name: "region", Value: "us", Usage: "region column selected from the versions/cdns tables"},
		&cli.StringFlag{Name: "locale", Usage: "locale tag (e.g. enUS) filtering which Root pages are visible; empty means all locales"},
		&cli.StringFlag{Name: "cacheDirectory", Value: "./cache", Usage: "disk cache root"},
		&cli.StringFlag{Name: "baseDirectory", Usage: "local game installation directory, enabling the CASC resolver tier"},
		&cli.StringFlag{Name: "buildConfig", Required: true, Usage: "path to a BuildConfig key/value file"},
		&cli.StringFlag{Name: "cdnConfig", Required: true, Usage: "path to a CDNConfig key/value file"},
	}
}

// localeByName maps the CLI's human-readable locale tags onto root's flag
// bits. An unrecognized or empty tag falls back to root.AllWoW so a caller
// who doesn't care about locale still gets every record.
func localeByName(name string) root.LocaleFlags {
	switch strings.ToLower(name) {
	case "enus":
		return root.LocaleEnUS
	case "kokr":
		return root.LocaleKoKR
	case "frfr":
		return root.LocaleFrFR
	case "dede":
		return root.LocaleDeDE
	case "zhcn":
		return root.LocaleZhCN
	case "eses":
		return root.LocaleEsES
	case "zhtw":
		return root.LocaleZhTW
	case "engb":
		return root.LocaleEnGB
	case "encn":
		return root.LocaleEnCN
	case "entw":
		return root.LocaleEnTW
	case "esmx":
		return root.LocaleEsMX
	case "ruru":
		return root.LocaleRuRU
	case "ptbr":
		return root.LocalePtBR
	case "itit":
		return root.LocaleItIT
	case "ptpt":
		return root.LocalePtPT
	default:
		return root.AllWoW
	}
}

// openBuild parses the build/CDN config files named by the command's flags
// and runs them through build.Open, wiring the cache/mirror/resolver layers
// underneath exactly as a long-running client would.
func openBuild(ctx context.Context, c *cli.Context) (*build.Build, error) {
	product := c.String("product")
	region := c.String("region")

	buildCfg, err := parseConfigFile(c.String("buildConfig"))
	if err != nil {
		return nil, fmt.Errorf("build config: %w", err)
	}
	cdnCfg, err := parseConfigFile(c.String("cdnConfig"))
	if err != nil {
		return nil, fmt.Errorf("cdn config: %w", err)
	}

	diskCache := cache.New(c.String("cacheDirectory"), product)

	pool, err := mirror.NewPool(ctx, region, product, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror pool: %w", err)
	}

	res := resolver.New(product, c.String("baseDirectory"), diskCache, pool)

	return build.Open(ctx, buildCfg, cdnCfg, diskCache, res, localeByName(c.String("locale")))
}

func parseConfigFile(path string) (*keyvalue.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return keyvalue.Parse(f)
}

// writeOutput sends data to the --output path, or stdout if unset.
func writeOutput(c *cli.Context, data []byte) error {
	out := c.String("output")
	if out == "" {
		_, err := c.App.Writer.Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}
