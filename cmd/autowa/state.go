package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/kalambet/autowa/internal/config"
	"github.com/kalambet/autowa/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the persisted state document",
}

var stateSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the state document",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(stateSchema())
	},
}

var stateExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the persisted state document",
	Long: `Print the persisted state document as JSON. Vectors are omitted
unless --vectors is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withVectors, _ := cmd.Flags().GetBool("vectors")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		be, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer be.Close()

		data, err := state.NewStore(be.persister, state.WithDefaultAutoReply(cfg.AutoReply.Enabled)).Export(cmd.Context())
		if err != nil {
			return fmt.Errorf("exporting state: %w", err)
		}
		if !withVectors {
			var snap state.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("decoding state: %w", err)
			}
			snap.Vectors = nil
			return printJSON(snap)
		}

		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err = stdout.Write(buf.Bytes())
		return err
	},
}

func init() {
	stateExportCmd.Flags().Bool("vectors", false, "include embedding vectors")
	stateCmd.AddCommand(stateSchemaCmd)
	stateCmd.AddCommand(stateExportCmd)
}

func stateSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}
	return reflector.Reflect(&state.Snapshot{})
}
