// Package dashboard renders live cache statistics in the terminal.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/dustin/go-humanize"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
)

const (
	defaultWidth = 80
	barWidth     = 20
	levelWidth   = 10
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	filledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	fullStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8800"))
	emptyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#333333"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

// StatsFunc returns the current statistics.
type StatsFunc func() cache.Stats

type tickMsg time.Time

// Model is a bubbletea model polling a StatsFunc.
type Model struct {
	title    string
	stats    StatsFunc
	interval time.Duration

	current cache.Stats
	updated time.Time
	spinner spinner.Model
	width   int
}

// New creates a dashboard refreshing every interval.
func New(title string, stats StatsFunc, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = titleStyle

	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		title:    title,
		stats:    stats,
		interval: interval,
		current:  stats(),
		updated:  time.Now(),
		spinner:  sp,
		width:    defaultWidth,
	}
}

// NewProgram creates a program running the dashboard.
func NewProgram(m Model) *tea.Program {
	return tea.NewProgram(m)
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.tick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.current = m.stats()
			m.updated = time.Now()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.current = m.stats()
		m.updated = time.Time(msg)
		return m, m.tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString(labelStyle.Render(" updated " + m.updated.Format(time.TimeOnly)))
	b.WriteString("\n\n")
	b.WriteString(Render(m.current, m.width))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("r refresh • q quit"))
	b.WriteString("\n")
	return b.String()
}

// Render formats stats as a table no wider than width.
func Render(stats cache.Stats, width int) string {
	if width <= 0 {
		width = defaultWidth
	}

	rows := []struct {
		level cache.CacheLevel
		stats cache.CacheStats
	}{
		{cache.CacheLevelMemory, stats.Memory},
		{cache.CacheLevelResult, stats.Result},
		{cache.CacheLevelDownload, stats.Download},
	}

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		s := row.stats
		line := fmt.Sprintf("%s %s %s / %s  %s items  %s hits  %s evicted",
			runewidth.FillRight(row.level.String(), levelWidth),
			bar(s.Size, s.Capacity, barWidth),
			humanize.IBytes(uint64(max(s.Size, 0))),
			humanize.IBytes(uint64(max(s.Capacity, 0))),
			humanize.Comma(s.ItemCount),
			formatRate(s),
			humanize.Comma(s.Evictions),
		)
		lines = append(lines, truncate.StringWithTail(line, uint(width), "…")) //nolint:gosec
	}
	return strings.Join(lines, "\n")
}

// bar draws how full a level is.
func bar(size, capacity int64, width int) string {
	var ratio float64
	if capacity > 0 {
		ratio = float64(size) / float64(capacity)
	}
	filled := int(ratio * float64(width))
	if filled > width {
		filled = width
	}

	style := filledStyle
	if ratio >= 0.9 {
		style = fullStyle
	}
	return style.Render(strings.Repeat("█", filled)) + emptyStyle.Render(strings.Repeat("░", width-filled))
}

func formatRate(s cache.CacheStats) string {
	if s.Hits+s.Misses == 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", s.HitRate*100)
}
