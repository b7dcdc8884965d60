package mon

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/newhook/zftl/ftl"
)

// Define some basic styles
var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	titleStyle = lipgloss.NewStyle().
			Foreground(subtle).
			Padding(0, 1)

	zoneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(highlight).
			Padding(1)

	statsStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(special).
			Padding(1).
			Width(40)

	openStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF6B6B"})
)

// Monitor is the interactive device console: a zone table, per-bank
// statistics and a command line for poking the FTL.
type Monitor struct {
	ftl *ftl.FTL

	input   textinput.Model
	history []string
	width   int
	height  int
}

func NewMonitor(f *ftl.FTL) *Monitor {
	input := textinput.New()
	input.Placeholder = "read <lba> <sectors> | write <lba> <sectors> <tag> | reset <zone> | desc <zone> <n> | izc <src> <dst> <len> | q"
	input.Focus()
	return &Monitor{
		ftl:   f,
		input: input,
	}
}

func (m *Monitor) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "q" || line == "quit" {
				return m, tea.Quit
			}
			if line != "" {
				m.run(line)
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Monitor) say(format string, args ...interface{}) {
	m.history = append(m.history, fmt.Sprintf(format, args...))
	if len(m.history) > 8 {
		m.history = m.history[len(m.history)-8:]
	}
}

// run parses and executes one console command.
func (m *Monitor) run(line string) {
	fields := strings.Fields(line)
	args := make([]int, 0, len(fields)-1)
	for _, f := range fields[1:] {
		v, err := strconv.Atoi(f)
		if err != nil {
			m.say(errorStyle.Render(fmt.Sprintf("bad argument %q", f)))
			return
		}
		args = append(args, v)
	}

	g := m.ftl.Geometry()
	switch fields[0] {
	case "read":
		if len(args) != 2 {
			m.say(errorStyle.Render("usage: read <lba> <sectors>"))
			return
		}
		m.ftl.Read(args[0], args[1])
		port := m.ftl.Port()
		var first []byte
		for buf := port.DrainRead(); buf != nil; buf = port.DrainRead() {
			if first == nil {
				first = buf
			}
		}
		if first != nil {
			n := 16
			if len(first) < n {
				n = len(first)
			}
			m.say("read lba %d: % x ...", args[0], first[:n])
		}

	case "write":
		if len(args) != 3 {
			m.say(errorStyle.Render("usage: write <lba> <sectors> <tag>"))
			return
		}
		lba, sectors, tag := args[0], args[1], args[2]
		remaining := sectors
		cur := lba
		for remaining > 0 {
			sect := cur % g.SectorsPerPage
			n := g.SectorsPerPage - sect
			if n > remaining {
				n = remaining
			}
			buf := make([]byte, g.BytesPerPage())
			for i := sect * g.BytesPerSector; i < (sect+n)*g.BytesPerSector; i++ {
				buf[i] = uint8(tag)
			}
			m.ftl.Port().StageWrite(buf)
			cur += n
			remaining -= n
		}
		m.ftl.Write(lba, sectors)
		m.say("write lba %d, %d sectors, fill %#02x", lba, sectors, tag)

	case "reset":
		if len(args) != 1 {
			m.say(errorStyle.Render("usage: reset <zone>"))
			return
		}
		m.ftl.ZoneReset(args[0])
		m.say("reset zone %d", args[0])

	case "desc":
		if len(args) != 2 {
			m.say(errorStyle.Render("usage: desc <zone> <n>"))
			return
		}
		for _, d := range m.ftl.ZoneDescs(args[0], args[1]) {
			m.say("zone %d %s slba=%d wp=%d", d.Zone, d.State, d.SLBA, d.WP)
		}

	case "izc":
		if len(args) != 3 {
			m.say(errorStyle.Render("usage: izc <src> <dst> <len>"))
			return
		}
		list := make([]uint32, args[2])
		for i := range list {
			list[i] = uint32(i)
		}
		m.ftl.IZC(args[0], args[1], list)
		m.say("izc %d -> %d (%d pages)", args[0], args[1], args[2])

	default:
		m.say(errorStyle.Render(fmt.Sprintf("unknown command %q", fields[0])))
	}
	m.ftl.ServiceIRQ()
}

func (m *Monitor) zoneTable() string {
	g := m.ftl.Geometry()
	var b strings.Builder
	b.WriteString("ZONE STATE    SLBA     WP\n")
	for _, d := range m.ftl.ZoneDescs(0, g.NZone) {
		line := fmt.Sprintf("%4d %-8s %7d %7d", d.Zone, d.State, d.SLBA, d.WP)
		if d.State == ftl.ZoneOpen || d.State == ftl.ZoneTLOpen {
			line = openStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString(fmt.Sprintf("\nopen zones: %d / %d", m.ftl.OpenZones(), g.MaxOpenZone))
	return zoneStyle.Render(b.String())
}

func (m *Monitor) statsPane() string {
	g := m.ftl.Geometry()
	var b strings.Builder
	b.WriteString("BANK   GC  GCWR  HOST  NAND\n")
	for bank := 0; bank < g.NumBanks; bank++ {
		s := m.ftl.Stats(bank)
		b.WriteString(fmt.Sprintf("%4d %4d %5d %5d %5d\n",
			bank, s.GCCount, s.GCWrite, s.HostWrite, s.NandWrite))
	}
	return statsStyle.Render(b.String())
}

func (m *Monitor) View() string {
	title := titleStyle.Render("zftl monitor")
	panes := lipgloss.JoinHorizontal(lipgloss.Top, m.zoneTable(), m.statsPane())

	var log strings.Builder
	for _, line := range m.history {
		log.WriteString(line + "\n")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		panes,
		log.String(),
		m.input.View(),
	)
}
