// Command tactcore is the CLI surface described by spec.md §6: a handful of
// extract commands driven by an opened Build, plus operational inspect
// subcommands for the binary formats it reads.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/ngdp-go/tactcore/logging"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

var gitCommitSHA = ""

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(interrupt)
	}()
	defer logging.Flush()

	app := &cli.App{
		Name:        "tactcore",
		Version:     gitCommitSHA,
		Description: "read-only client for a TACT-style content-addressed game data pipeline",
		Flags:       logging.NewFlags(),
		Commands: []*cli.Command{
			newCmd_ExtractFileDataID(),
			newCmd_ExtractContentKey(),
			newCmd_ExtractEncodingKey(),
			newCmd_ExtractFileName(),
			newCmd_Inspect(),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}
