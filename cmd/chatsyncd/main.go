package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/mercadito/chatsync/pkg/config"
)

var (
	// Set by the build system.
	Version = "dev"
)

func main() {
	app := &cli.App{
		Name:    "chatsyncd",
		Usage:   "Offline-capable chat sync daemon",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			initConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var initConfigCommand = &cli.Command{
	Name:  "init-config",
	Usage: "Write an example config file",
	Action: func(ctx *cli.Context) error {
		path := ctx.String("config")
		if err := config.WriteExample(path); err != nil {
			return err
		}
		fmt.Printf("Wrote example config to %s\n", path)
		return nil
	},
}

// newLogger builds the root logger. The level is applied globally so a
// config reload can change it for every component at once.
func newLogger(level string) (zerolog.Logger, error) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	var writer zerolog.ConsoleWriter
	writer.Out = os.Stderr
	writer.TimeFormat = "15:04:05"
	return zerolog.New(writer).With().Timestamp().Logger(), nil
}
