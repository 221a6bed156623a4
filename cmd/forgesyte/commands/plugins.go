package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// PluginsCmd lists registered plugins and their tools.
var PluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List registered plugins and their tools",
	Long:  `Load the enabled plugin set exactly as the server would and print each plugin's id, version, tools, and health.`,
	RunE:  runPlugins,
}

var pluginsConfigPath string

func init() {
	PluginsCmd.Flags().StringVar(&pluginsConfigPath, "config", "", "Config file path (overrides search paths)")
	PluginsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

func runPlugins(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(pluginsConfigPath)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	summaries := registry.List(cmd.Context())

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		out, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	rows := pterm.TableData{{"ID", "VERSION", "TOOLS", "HEALTH"}}
	for _, s := range summaries {
		rows = append(rows, []string{s.ID, s.Version, strings.Join(s.Tools, ", "), s.Health})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	pterm.Info.Println(strconv.Itoa(len(summaries)) + " plugin(s) registered")
	return nil
}
