package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/tools"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the engine would register",
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Output as JSON, including schemas")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	registry, err := tools.NewRegistry(rt.cfg.Tools, rt.logger)
	if err != nil {
		return err
	}
	return printTools(cmd.OutOrStdout(), registry, toolsJSON)
}

func printTools(w io.Writer, registry *llm.ToolRegistry, asJSON bool) error {
	infos := listTools(registry)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "No tools enabled.")
		return err
	}
	fmt.Fprintf(w, "%-20s %-7s %s\n", "NAME", "MODE", "DESCRIPTION")
	for _, t := range infos {
		desc := t.Description
		if len(desc) > 70 {
			desc = desc[:67] + "..."
		}
		fmt.Fprintf(w, "%-20s %-7s %s\n", t.Name, t.Mode, desc)
	}
	return nil
}
