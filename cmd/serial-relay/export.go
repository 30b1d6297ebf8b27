package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/wfunc/serial-relay/internal/capture"
	"github.com/wfunc/serial-relay/internal/config"
	"github.com/wfunc/serial-relay/internal/database"
	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/logger"
	"github.com/wfunc/serial-relay/internal/repository"
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Write the bytes of a captured session",
	Long: `Reassemble a captured session from the capture database and write the
bytes exactly as they were relayed. Use --zstd to write a zstd stream.

A session that dropped chunks cannot be reproduced exactly and is refused
unless --allow-gaps is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var (
	exportOutput    string
	exportZstd      bool
	exportAllowGaps bool
)

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "-", "Output file (- for standard output)")
	exportCmd.Flags().BoolVar(&exportZstd, "zstd", false, "Compress the output with zstd")
	exportCmd.Flags().BoolVar(&exportAllowGaps, "allow-gaps", false, "Export the surviving chunks of a session that dropped data")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logger.Cleanup()

	db, err := database.Open(&cfg.Capture.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "-" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return errors.Wrapf(err, errors.ErrIO, "create %s", exportOutput)
		}
		defer f.Close()
		w = f
	}

	n, err := capture.Export(cmd.Context(), repository.NewCaptureRepository(db), args[0], w, capture.ExportOptions{
		Compress:  exportZstd,
		AllowGaps: exportAllowGaps,
	})
	if err != nil {
		return err
	}

	if exportOutput != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d bytes to %s\n", n, exportOutput)
	}
	return nil
}

// setup 加载配置并初始化日志
func setup() (*config.Config, error) {
	if err := config.Init(configPath); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad)
	}
	cfg := config.Get()
	if err := logger.Init(&cfg.Log); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "init logger")
	}
	return cfg, nil
}
