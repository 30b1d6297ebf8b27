package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/wfunc/serial-relay/internal/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// 进程退出码
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

var configPath string

// formatVersion 以数字开头的版本号补 v 前缀
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "serial-relay",
	Short: "Relay raw bytes from /dev/ttyACM0 to standard output",
	Long: `serial-relay opens /dev/ttyACM0 at 115200 baud (8N1), prints
"> Returned data:" to standard error and then copies every byte read from
the device to standard output, flushing after each read.

The device path and baud rate are fixed. Optional capture to a database and
a read-only monitor API are enabled through the configuration file.`,
	Version:       formatVersion(version),
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runRelay,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./config/serial-relay.yaml or ./serial-relay.yaml)")
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(exportCmd)
}

// exitCode 把命令返回的错误映射为退出码
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case stderrors.Is(err, context.Canceled), errors.Is(err, errors.ErrCanceled):
		return exitInterrupted
	default:
		return exitFailure
	}
}

func main() {
	err := rootCmd.Execute()
	code := exitCode(err)
	if code == exitFailure {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
	}
	os.Exit(code)
}
