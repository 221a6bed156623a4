package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// PipelinesCmd lists pipeline definitions from the configured directory.
var PipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List loaded pipeline definitions",
	Long:  `Load and validate every pipeline definition exactly as the server would and print each pipeline's id, node count, and default marker.`,
	RunE:  runPipelines,
}

var pipelinesConfigPath string

func init() {
	PipelinesCmd.Flags().StringVar(&pipelinesConfigPath, "config", "", "Config file path (overrides search paths)")
	PipelinesCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}

func runPipelines(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(pipelinesConfigPath)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	store, err := loadPipelines(cfg, registry)
	if err != nil {
		return err
	}

	ids := store.IDs()

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		defs := make([]any, 0, len(ids))
		for _, id := range ids {
			def, err := store.Definition(id)
			if err != nil {
				return err
			}
			defs = append(defs, def)
		}
		out, err := json.MarshalIndent(defs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	rows := pterm.TableData{{"ID", "NODES", "ENTRY", "OUTPUT", ""}}
	for _, id := range ids {
		def, err := store.Definition(id)
		if err != nil {
			return err
		}
		marker := ""
		if id == store.DefaultID() {
			marker = "(default)"
		}
		rows = append(rows, []string{
			id,
			strconv.Itoa(len(def.Nodes)),
			strconv.Itoa(len(def.EntryNodes)),
			strconv.Itoa(len(def.OutputNodes)),
			marker,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	pterm.Info.Println(strconv.Itoa(len(ids)) + " pipeline(s) loaded from " + cfg.Pipelines.Dir)
	return nil
}
