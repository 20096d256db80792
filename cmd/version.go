package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print lmabridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("lmabridge"))
		},
	})
}
