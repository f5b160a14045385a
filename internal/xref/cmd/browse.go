package cmd

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"

	"xref/internal/crawl"
	"xref/internal/space"
	"xref/internal/symbols"
	"xref/internal/ui/colorize"
	"xref/internal/xref/styles"
)

type viewMode int

const (
	viewSummary viewMode = iota
	viewSymbols
	viewXrefs
)

type symbolItem struct {
	addr       uint64
	display    string
	inRefs     int
	filterTerm string
}

func (i symbolItem) Title() string       { return fmt.Sprintf("%x  %s", i.addr, i.display) }
func (i symbolItem) Description() string { return "" }
func (i symbolItem) FilterValue() string { return i.filterTerm }

type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(symbolItem)
	if !ok {
		return
	}

	var addrStyle lipgloss.Style
	indicator := " "
	if index == m.Index() {
		indicator = ">"
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	} else {
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	}

	line := fmt.Sprintf(" %s  %s  %s", indicator,
		addrStyle.Render(fmt.Sprintf("%12x", i.addr)), i.display)
	if i.inRefs > 0 {
		refStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
		line += refStyle.Render(fmt.Sprintf("  (%d refs)", i.inRefs))
	}
	fmt.Fprint(w, line)
}

type model struct {
	viewport    viewport.Model
	symbolsList list.Model
	xrefView    viewport.Model
	spinner     spinner.Model
	mode        viewMode

	path string
	opts options

	digest        string
	loadingDigest bool

	crawling bool
	crawlErr error
	sp       *space.Space
	tabs     *crawl.Tables
	syms     *symbols.Table

	width  int
	height int
}

type digestMsg struct {
	digest string
}

type crawlDoneMsg struct {
	sp   *space.Space
	tabs *crawl.Tables
	syms *symbols.Table
	err  error
}

func calculateDigestCmd(path string) tea.Cmd {
	return func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return digestMsg{digest: fmt.Sprintf("error: %v", err)}
		}
		defer f.Close()

		hash := sha256.New()
		if _, err := io.Copy(hash, f); err != nil {
			return digestMsg{digest: fmt.Sprintf("error: %v", err)}
		}
		return digestMsg{digest: fmt.Sprintf("%x", hash.Sum(nil))}
	}
}

func runCrawlCmd(path string, o options) tea.Cmd {
	return func() tea.Msg {
		sp, tabs, syms, err := analyze(path, o)
		return crawlDoneMsg{sp: sp, tabs: tabs, syms: syms, err: err}
	}
}

// NewModel builds the browse TUI for one binary.
func NewModel(path string, o options) model {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	symbolsList := list.New([]list.Item{}, itemDelegate{}, 80, 24)
	symbolsList.SetShowStatusBar(false)
	symbolsList.SetFilteringEnabled(true)
	symbolsList.Title = "Symbols"
	symbolsList.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)
	symbolsList.SetShowHelp(true)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	xv := viewport.New()
	xv.SetWidth(80)
	xv.SetHeight(24)

	m := model{
		viewport:      vp,
		symbolsList:   symbolsList,
		xrefView:      xv,
		spinner:       s,
		mode:          viewSummary,
		path:          path,
		opts:          o,
		loadingDigest: true,
		crawling:      true,
		width:         80,
		height:        24,
	}
	m.updateSummary()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		calculateDigestCmd(m.path),
		runCrawlCmd(m.path, m.opts),
		m.spinner.Tick,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case digestMsg:
		m.digest = msg.digest
		m.loadingDigest = false
		m.updateSummary()
		return m, nil

	case crawlDoneMsg:
		m.crawling = false
		m.crawlErr = msg.err
		if msg.err == nil {
			m.sp = msg.sp
			m.tabs = msg.tabs
			m.syms = msg.syms
			m.updateSymbolsList()
		}
		m.updateSummary()
		return m, nil

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		if m.crawling || m.loadingDigest {
			m.updateSummary()
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			m.viewport.SetWidth(msg.Width)
			m.viewport.SetHeight(msg.Height - 2)
			m.symbolsList.SetWidth(msg.Width)
			m.symbolsList.SetHeight(msg.Height - 2)
			m.xrefView.SetWidth(msg.Width)
			m.xrefView.SetHeight(msg.Height - 2)
			m.updateSummary()
		}

	case tea.KeyMsg:
		if m.mode == viewSymbols && m.symbolsList.FilterState() == list.Filtering {
			// Only quit keys bypass an active filter prompt.
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			}
		} else {
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "o":
				m.mode = viewSummary
				return m, nil
			case "s":
				if m.ready() {
					m.mode = viewSymbols
				}
				return m, nil
			case "x":
				if m.ready() {
					m.mode = viewXrefs
				}
				return m, nil
			case "enter":
				if m.mode == viewSymbols && m.ready() {
					if selected := m.symbolsList.SelectedItem(); selected != nil {
						if item, ok := selected.(symbolItem); ok {
							m.showXrefs(item.addr)
							m.mode = viewXrefs
						}
					}
				}
				return m, nil
			case "tab":
				switch m.mode {
				case viewSummary:
					if m.ready() {
						m.mode = viewSymbols
					}
				case viewSymbols:
					m.mode = viewXrefs
				case viewXrefs:
					m.mode = viewSummary
				}
				return m, nil
			case "shift+tab":
				switch m.mode {
				case viewSummary:
					m.mode = viewXrefs
				case viewSymbols:
					m.mode = viewSummary
				case viewXrefs:
					if m.ready() {
						m.mode = viewSymbols
					}
				}
				return m, nil
			}
		}
	}

	switch m.mode {
	case viewSymbols:
		m.symbolsList, cmd = m.symbolsList.Update(msg)
	case viewXrefs:
		m.xrefView, cmd = m.xrefView.Update(msg)
	default:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m model) ready() bool {
	return !m.crawling && m.crawlErr == nil && m.sp != nil
}

func (m model) View() string {
	var content string
	switch m.mode {
	case viewSymbols:
		content = m.symbolsList.View()
	case viewXrefs:
		content = m.xrefView.View()
	default:
		content = m.viewport.View()
	}

	var menu string
	switch m.mode {
	case viewSymbols:
		menu = " Enter: xrefs • O: overview • Tab: cycle • Q: quit "
	case viewXrefs:
		menu = " O: overview • S: symbols • Tab: cycle • Q: quit "
	default:
		if m.ready() {
			menu = " S: symbols • X: xrefs • Tab: cycle • Q: quit "
		} else {
			menu = " Q: quit "
		}
	}

	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu)
}

func (m *model) updateSummary() {
	var md strings.Builder

	var lines []string
	lines = append(lines, fmt.Sprintf("; %s", m.path))
	if m.digest != "" {
		lines = append(lines, fmt.Sprintf("; sha256 %s", m.digest))
	} else if m.loadingDigest {
		lines = append(lines, "; calculating digest...")
	}
	fmt.Fprintf(&md, "# Xref\n\n```\n%s\n```\n", strings.Join(lines, "\n"))

	switch {
	case m.crawling:
		fmt.Fprintf(&md, "\n%s Crawling...", m.spinner.View())
	case m.crawlErr != nil:
		fmt.Fprintf(&md, "\n## Error\n\n%v\n", m.crawlErr)
	default:
		md.WriteString("\n")
		md.WriteString(buildReport(m.sp, m.tabs, m.syms, m.path))
	}

	width := m.width
	if width == 0 {
		width = 80
	}
	renderer := styles.GetMarkdownRenderer(width - 2)
	rendered, _ := renderer.Render(md.String())
	m.viewport.SetContent(strings.TrimSuffix(rendered, "\n"))
}

func (m *model) updateSymbolsList() {
	items := make([]list.Item, 0, m.syms.Len())
	for _, sym := range m.syms.Syms() {
		display := m.syms.Format(sym.Addr)
		items = append(items, symbolItem{
			addr:       sym.Addr,
			display:    display,
			inRefs:     len(m.tabs.CodeRefsTo[sym.Addr]),
			filterTerm: fmt.Sprintf("%x %s", sym.Addr, display),
		})
	}
	m.symbolsList.SetItems(items)
	m.symbolsList.Title = fmt.Sprintf("Symbols (%d total)", len(items))
}

// showXrefs fills the xref pane with everything known about addr: the
// incoming references and the annotated listing of the block there.
func (m *model) showXrefs(addr uint64) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  %s @ %#x\n\n", m.syms.Format(addr), addr)

	incoming := incomingRefs(m.tabs, m.syms, addr)
	if len(incoming) == 0 {
		sb.WriteString("  no recorded references\n")
	}
	for _, line := range incoming {
		sb.WriteString("  " + line + "\n")
	}
	sb.WriteString("\n")

	arch := m.sp.Arch()
	for _, line := range strings.Split(blockListing(m.sp, m.tabs, m.syms, addr), "\n") {
		sb.WriteString(colorize.Line(arch, line))
		sb.WriteByte('\n')
	}

	m.xrefView.SetContent(strings.TrimRight(sb.String(), "\n"))
	m.xrefView.GotoTop()
}
