package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/any-hub/tierhub/internal/version"
)

func newVersionCmd(code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*code = runVersion()
			return nil
		},
	}
}

// runVersion 输出注入的版本 + 提交信息。
func runVersion() int {
	fmt.Fprintln(stdOut, version.Full())
	return 0
}
