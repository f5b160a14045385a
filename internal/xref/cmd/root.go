package cmd

import (
	"context"
	"fmt"
	"os"
	pathpkg "path/filepath"
	"runtime/pprof"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"xref/internal/crawl"
	"xref/internal/image"
	"xref/internal/lift"
	"xref/internal/logging"
	"xref/internal/space"
	"xref/internal/symbols"
	xlog "xref/internal/xref/log"
)

// options bundles the persistent flags shared by every subcommand.
type options struct {
	Arch      string
	LibDir    string
	NoDeps    bool
	Stubs     bool
	MaxVisits int
	Debug     bool

	// LoadSnapshot restores a previously saved memory snapshot after
	// assembly, replacing the freshly pulled views.
	LoadSnapshot bool
}

func optionsFromFlags(cmd *cobra.Command) options {
	var o options
	o.Arch, _ = cmd.Flags().GetString("arch")
	o.LibDir, _ = cmd.Flags().GetString("lib-dir")
	o.NoDeps, _ = cmd.Flags().GetBool("no-deps")
	o.Stubs, _ = cmd.Flags().GetBool("stubs")
	o.MaxVisits, _ = cmd.Flags().GetInt("max-visits")
	o.Debug, _ = cmd.Flags().GetBool("debug")
	return o
}

func parseArch(name string) (lift.Arch, error) {
	switch name {
	case "":
		return "", nil
	case "amd64", "x86_64", "x86-64":
		return lift.AMD64, nil
	case "arm64", "aarch64":
		return lift.ARM64, nil
	}
	return "", fmt.Errorf("unknown architecture %q (want amd64 or arm64)", name)
}

// loadImage adapts the ELF loader to the signature the space builder
// wants.
func loadImage(path string, arch lift.Arch) (space.Binary, error) {
	return image.Load(path, arch)
}

// analyze runs the full pipeline: assemble the address space, crawl from
// the entry point, and index the symbols.
func analyze(path string, o options) (*space.Space, *crawl.Tables, *symbols.Table, error) {
	arch, err := parseArch(o.Arch)
	if err != nil {
		return nil, nil, nil, err
	}

	lg := logging.NewLogger()
	sp, err := space.Assemble(path, loadImage, space.Options{
		Arch:   arch,
		LibDir: o.LibDir,
		NoDeps: o.NoDeps,
		Stubs:  o.Stubs,
		Log:    lg.Logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if o.LoadSnapshot {
		if err := sp.LoadMemory(); err != nil {
			return nil, nil, nil, err
		}
	}

	c := crawl.New(sp, lg.Logger)
	c.MaxVisits = o.MaxVisits
	tabs, err := c.Crawl()
	if err != nil {
		return nil, nil, nil, err
	}
	return sp, tabs, symbols.New(sp), nil
}

func init() {
	rootCmd.PersistentFlags().StringP("arch", "a", "", "Force architecture (amd64, arm64); default is read from the ELF header")
	rootCmd.PersistentFlags().StringP("lib-dir", "L", "", "Directory searched for declared dependencies (default: the binary's directory)")
	rootCmd.PersistentFlags().Bool("no-deps", false, "Skip loading declared dependencies")
	rootCmd.PersistentFlags().BoolP("stubs", "s", false, "Replace import resolution with synthetic stub addresses")
	rootCmd.PersistentFlags().IntP("max-visits", "m", 0, "Stop the crawl after this many analyzed addresses (0 = unbounded)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().BoolP("no-tui", "n", false, "Print the report instead of opening the TUI")
	rootCmd.Flags().BoolP("json", "j", false, "Output the crawl tables as JSON")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")

	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(reportCmd)
}

var rootCmd = &cobra.Command{
	Use:   "xref [binary]",
	Short: "Static cross-reference explorer for ELF binaries",
	Long: `Xref assembles a binary and its shared libraries into one address space,
crawls every reachable instruction, and records which addresses read, write,
point at, or jump to which. The default mode is an interactive browser over
the result.`,
	Example: `
# Browse a binary interactively
xref /path/to/binary

# Same analysis as a plain-text report
xref -n /path/to/binary

# Synthetic import stubs instead of resolving against libraries
xref --stubs /path/to/binary
  `,
	Args: cobra.ExactArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		xlog.Setup("", debug)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %v", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %v", err)
			}
			defer pprof.StopCPUProfile()
		}

		memprofile, _ := cmd.Flags().GetString("memprofile")
		if memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %v", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", args[0])
			}
			return fmt.Errorf("cannot access file: %v", err)
		}

		noTUI, _ := cmd.Flags().GetBool("no-tui")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		// Piped output always gets the plain renderings.
		if !term.IsTerminal(os.Stdout.Fd()) {
			noTUI = true
			os.Setenv("XREF_NO_COLOR", "1")
		}
		if noTUI {
			os.Setenv("XREF_NO_COLOR", "1")
		}

		o := optionsFromFlags(cmd)

		if jsonOutput {
			return runJSON(absPath, o, os.Stdout)
		}
		if noTUI {
			return runReport(absPath, o, os.Stdout, 0)
		}

		program := tea.NewProgram(
			NewModel(absPath, o),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("TUI error: %v", err)
		}
		return nil
	},
}

// Execute dispatches the command line, going through fang for the styled
// help and error output unless we are producing plain text anyway.
func Execute() {
	noTUI := false
	for _, arg := range os.Args[1:] {
		if arg == "--no-tui" || arg == "-n" || arg == "--json" || arg == "-j" {
			noTUI = true
			break
		}
	}
	if !noTUI && !term.IsTerminal(os.Stdout.Fd()) {
		noTUI = true
	}

	if noTUI {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
