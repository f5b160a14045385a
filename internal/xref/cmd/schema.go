package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// Config mirrors the analysis flags for machine consumption.
type Config struct {
	Arch      string `json:"arch" jsonschema:"title=Architecture,description=Instruction set to decode (amd64 or arm64); empty reads the ELF header"`
	LibDir    string `json:"libDir" jsonschema:"title=Library Directory,description=Directory searched for declared dependencies"`
	NoDeps    bool   `json:"noDeps" jsonschema:"title=No Dependencies,description=Skip loading declared dependencies"`
	Stubs     bool   `json:"stubs" jsonschema:"title=Stubs,description=Replace import resolution with synthetic stub addresses"`
	MaxVisits int    `json:"maxVisits" jsonschema:"title=Max Visits,description=Stop the crawl after this many analyzed addresses"`
	Debug     bool   `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
}

var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Generate JSON schema for configuration",
	Long:   "Generate JSON schema for the xref configuration",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := new(jsonschema.Reflector)
		bts, err := json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		fmt.Println(string(bts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
