package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"xref/internal/space"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [binary]",
	Short: "Run the crawl and print summary statistics",
	Long: `Crawl assembles the address space, walks every reachable address, and
prints what it found, one statistic per line. Pipe-friendly; use the report
subcommand for the rendered version.`,
	Example: `
# Crawl and print statistics
xref crawl /path/to/binary

# Crawl with stubs and persist the patched memory image
xref crawl --stubs --save /path/to/binary

# Re-crawl against the saved memory image, dumping tables for diffing
xref crawl --load -o tables.json /path/to/binary
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o := optionsFromFlags(cmd)
		o.LoadSnapshot, _ = cmd.Flags().GetBool("load")

		sp, tabs, syms, err := analyze(args[0], o)
		if err != nil {
			return err
		}

		if save, _ := cmd.Flags().GetBool("save"); save {
			if err := sp.SaveMemory(); err != nil {
				return fmt.Errorf("save memory: %w", err)
			}
			fmt.Printf("%-18s %s\n", "snapshot", space.SnapshotPath(sp.Main().Path()))
		}

		if outPath, _ := cmd.Flags().GetString("out"); outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outPath, err)
			}
			defer f.Close()
			if err := writeJSON(f, buildJSON(args[0], sp, tabs)); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
		}

		fmt.Printf("%-18s %d\n", "images", len(sp.Images()))
		fmt.Printf("%-18s %d\n", "warnings", len(sp.Warnings()))
		fmt.Printf("%-18s %d\n", "stubs", sp.Stubs().Len())
		fmt.Printf("%-18s %d\n", "symbols", syms.Len())
		fmt.Printf("%-18s %d\n", "analyzed", len(tabs.Analyzed))
		for _, row := range tableStats(tabs) {
			fmt.Printf("%-18s %d\n", row.name, row.entries)
		}
		return nil
	},
}

func init() {
	crawlCmd.Flags().Bool("save", false, "Save the memory snapshot next to the binary after the crawl")
	crawlCmd.Flags().Bool("load", false, "Restore the saved memory snapshot before the crawl")
	crawlCmd.Flags().StringP("out", "o", "", "Write the full tables as JSON to this file")
}
