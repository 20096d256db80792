package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lmabridge",
	Short: "OpenAI-compatible bridge to LMArena",
	Long:  "Exposes LMArena models behind an OpenAI-compatible chat completion API, with a management dashboard and automated Cloudflare credential handling.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
}
