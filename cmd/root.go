package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	configFile   string
	providerFlag string
	logLevel     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/toolstream/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "", "Override provider, optionally with model (e.g. openai:gpt-5.2)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "toolstream",
	Short: "Stream LLM conversations with tool calls and artifacts",
	Long: `toolstream drives a streaming chat model through an automatic tool loop,
extracting inline artifacts and emitting a uniform event stream.

Examples:
  toolstream chat "summarize README.md"
  toolstream chat --session sess_01j... "and the license?"
  toolstream serve                      # SSE server on 127.0.0.1:8080
  toolstream tools                      # list registered tools
  toolstream sessions search "penguins"`,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	Version:           Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
