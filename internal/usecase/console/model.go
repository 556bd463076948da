package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/domain/swcache"
	"pwacache/internal/ttlcache"
	"pwacache/internal/usecase/lifecycle"
)

const maxAuditLines = 8

// Source is the read side shown by the console.
type Source interface {
	Status() lifecycle.Status
	Namespaces(ctx context.Context) ([]lifecycle.NamespaceInfo, error)
}

// Controller executes console actions.
type Controller interface {
	Handle(ctx context.Context, msg swcache.ControlMessage) swcache.ControlResult
}

// TTLStats is optional; nil hides the TTL section.
type TTLStats interface {
	CacheStats() ttlcache.Stats
}

type Options struct {
	RefreshInterval time.Duration
}

type model struct {
	ctx             context.Context
	source          Source
	controller      Controller
	ttl             TTLStats
	refreshInterval time.Duration

	status        lifecycle.Status
	namespaces    []lifecycle.NamespaceInfo
	ttlStats      ttlcache.Stats
	selectedIndex int
	message       string
	auditLogs     []string
}

type snapshotLoadedMsg struct {
	status     lifecycle.Status
	namespaces []lifecycle.NamespaceInfo
	ttlStats   ttlcache.Stats
	err        error
}

type tickMsg struct{}

type actionDoneMsg struct {
	result swcache.ControlResult
}

func NewModel(ctx context.Context, source Source, controller Controller, ttl TTLStats, options Options) tea.Model {
	interval := options.RefreshInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &model{
		ctx:             logging.WithComponent(ctx, "console"),
		source:          source,
		controller:      controller,
		ttl:             ttl,
		refreshInterval: interval,
		message:         "loading",
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.loadSnapshotCmd(), m.tickCmd())
}

func (m *model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tickMsg:
		return m, tea.Batch(m.loadSnapshotCmd(), m.tickCmd())
	case snapshotLoadedMsg:
		if msg.err != nil {
			m.message = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.status = msg.status
		m.namespaces = msg.namespaces
		m.ttlStats = msg.ttlStats
		if m.selectedIndex >= len(m.namespaces) {
			m.selectedIndex = len(m.namespaces) - 1
		}
		if m.selectedIndex < 0 {
			m.selectedIndex = 0
		}
		m.message = fmt.Sprintf("refreshed, %d namespaces", len(m.namespaces))
		return m, nil
	case actionDoneMsg:
		m.appendAuditLog(msg.result)
		if msg.result.Success {
			m.message = fmt.Sprintf("%s done", msg.result.Type)
		} else {
			m.message = fmt.Sprintf("%s failed: %s", msg.result.Type, msg.result.Error)
		}
		return m, m.loadSnapshotCmd()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "g":
			m.message = "refreshing"
			return m, m.loadSnapshotCmd()
		case "up", "k":
			if m.selectedIndex > 0 {
				m.selectedIndex--
			}
			return m, nil
		case "down", "j":
			if m.selectedIndex < len(m.namespaces)-1 {
				m.selectedIndex++
			}
			return m, nil
		case "s":
			return m, m.controlCmd(swcache.ControlMessage{Type: swcache.ControlSkipWaiting})
		case "x":
			return m, m.controlCmd(swcache.ControlMessage{Type: swcache.ControlClearCache})
		case "z":
			return m, m.controlCmd(swcache.ControlMessage{Type: swcache.ControlCacheSize})
		}
	}
	return m, nil
}

func (m *model) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true)
	sectionStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selectedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Background(lipgloss.Color("62"))
	activeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	var builder strings.Builder
	builder.WriteString(titleStyle.Render("pwacache console"))
	builder.WriteString("\n")
	builder.WriteString(dimStyle.Render(fmt.Sprintf(
		"active=%s waiting=%s clients=%d refresh=%s",
		firstNonEmpty(m.status.Active, "-"),
		firstNonEmpty(m.status.Waiting, "-"),
		m.status.Clients,
		m.refreshInterval,
	)))
	builder.WriteString("\n\n")

	builder.WriteString(sectionStyle.Render("Versions"))
	builder.WriteString("\n")
	if len(m.status.Versions) == 0 {
		builder.WriteString(dimStyle.Render("- no versions"))
		builder.WriteString("\n")
	}
	for _, v := range m.status.Versions {
		line := fmt.Sprintf("%s [%s] assets=%d updated=%s", v.Version, v.State, v.Assets, v.UpdatedAt.Format(time.RFC3339))
		if v.State == swcache.StateActive {
			line = activeStyle.Render(line)
		}
		builder.WriteString("  " + line + "\n")
	}
	builder.WriteString("\n")

	builder.WriteString(sectionStyle.Render("Namespaces"))
	builder.WriteString("\n")
	if len(m.namespaces) == 0 {
		builder.WriteString(dimStyle.Render("- no namespaces"))
		builder.WriteString("\n")
	}
	total := 0
	for index, info := range m.namespaces {
		total += info.Entries
		marker := ""
		if info.Current {
			marker = " *"
		}
		line := fmt.Sprintf("%s entries=%d%s", info.Namespace, info.Entries, marker)
		if index == m.selectedIndex {
			builder.WriteString(selectedStyle.Render("> " + line))
		} else {
			builder.WriteString("  " + line)
		}
		builder.WriteString("\n")
	}
	builder.WriteString(dimStyle.Render(fmt.Sprintf("total entries=%d", total)))
	builder.WriteString("\n\n")

	if m.ttl != nil {
		builder.WriteString(sectionStyle.Render("TTL cache"))
		builder.WriteString("\n")
		builder.WriteString(fmt.Sprintf(
			"  entries=%d valid=%d expired=%d loading=%d size=%dB\n\n",
			m.ttlStats.TotalEntries,
			m.ttlStats.ValidEntries,
			m.ttlStats.ExpiredEntries,
			m.ttlStats.Loading,
			m.ttlStats.TotalSize,
		))
	}

	builder.WriteString(sectionStyle.Render("Status"))
	builder.WriteString("\n")
	builder.WriteString("- " + firstNonEmpty(m.message, "ready"))
	builder.WriteString("\n\n")

	builder.WriteString(sectionStyle.Render("Audit Log"))
	builder.WriteString("\n")
	if len(m.auditLogs) == 0 {
		builder.WriteString(dimStyle.Render("- no actions"))
		builder.WriteString("\n")
	}
	for _, line := range m.auditLogs {
		builder.WriteString("- " + line + "\n")
	}
	builder.WriteString("\n")

	builder.WriteString(dimStyle.Render("Keys: ↑/k ↓/j move  g refresh  s skip-waiting  x clear caches  z cache size  q quit"))
	return builder.String()
}

func (m *model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *model) loadSnapshotCmd() tea.Cmd {
	return func() tea.Msg {
		namespaces, err := m.source.Namespaces(m.ctx)
		if err != nil {
			return snapshotLoadedMsg{err: err}
		}
		msg := snapshotLoadedMsg{status: m.source.Status(), namespaces: namespaces}
		if m.ttl != nil {
			msg.ttlStats = m.ttl.CacheStats()
		}
		return msg
	}
}

func (m *model) controlCmd(msg swcache.ControlMessage) tea.Cmd {
	return func() tea.Msg {
		result := m.controller.Handle(m.ctx, msg)
		logging.Info(m.ctx, "console action", slog.String("control", string(msg.Type)), slog.Bool("success", result.Success))
		return actionDoneMsg{result: result}
	}
}

func (m *model) appendAuditLog(result swcache.ControlResult) {
	outcome := "ok"
	switch {
	case !result.Success:
		outcome = "failed: " + result.Error
	case result.Type == swcache.ControlCacheSize:
		outcome = fmt.Sprintf("size=%d", result.Size)
	case result.Type == swcache.ControlClearCache:
		outcome = fmt.Sprintf("removed=%d", result.Removed)
	case result.Version != "":
		outcome = "version=" + result.Version
	}
	line := fmt.Sprintf("%s %s %s", time.Now().Format("15:04:05"), result.Type, outcome)
	m.auditLogs = append(m.auditLogs, line)
	if len(m.auditLogs) > maxAuditLines {
		m.auditLogs = m.auditLogs[len(m.auditLogs)-maxAuditLines:]
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
