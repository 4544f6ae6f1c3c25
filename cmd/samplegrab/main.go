package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zsiec/samplegrab/internal/config"
)

var version = "dev"

const longHelp = `samplegrab streams 3-bit samples from a USB FIFO capture front end and
optionally saves them to FILENAME as raw bytes, two samples per byte.

The front end must be configured for synchronous FIFO mode before capturing;
in any other mode the device delivers no sample data.

Capture runs until SIZE samples have been received, the front end reports a
FIFO error, or it is interrupted with Ctrl-C. Bytes already received are
always written out before exiting.`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	cmd := &cobra.Command{
		Use:           "samplegrab [flags] [FILENAME]",
		Short:         "Capture samples from a USB FIFO front end",
		Long:          longHelp,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Bind(v, cmd.Flags()); err != nil {
				return err
			}
			cfgFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Output = args[0]
			}

			// Past this point failures are capture errors, not usage errors.
			cmd.SilenceUsage = true

			log := newLogger(stderr, cfg)
			slog.SetDefault(log)
			return runCapture(cmd.Context(), cfg, log, stdout)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
