package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wfunc/serial-relay/internal/device"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports present on this machine",
	Long: `List the serial ports reported by the operating system. The port the
relay reads from is marked with an asterisk.`,
	Args: cobra.NoArgs,
	RunE: runPorts,
}

// listPorts 测试中可替换
var listPorts = device.ListPorts

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := listPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no serial ports found")
		return nil
	}

	out := cmd.OutOrStdout()
	for _, p := range ports {
		mark := " "
		if p == device.DefaultPath {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s\n", mark, p)
	}
	if !device.Exists(device.DefaultPath) {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s is not present\n", device.DefaultPath)
	}
	return nil
}
