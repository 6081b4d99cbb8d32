package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/mergeplane/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(cyanColor).
			Bold(true).
			Underline(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
	fatalStyle   = lipgloss.NewStyle().Foreground(fgColor).Background(errorColor).Bold(true).Padding(0, 1)

	stepRunning  = lipgloss.NewStyle().Foreground(cyanColor)
	stepFinished = lipgloss.NewStyle().Foreground(successColor)
	stepStopped  = lipgloss.NewStyle().Foreground(warningColor)
)

func formatStep(step models.TaskStep) string {
	switch step {
	case models.TaskStepRunning:
		return stepRunning.Render("● running")
	case models.TaskStepFinished:
		return stepFinished.Render("● finished")
	case models.TaskStepStopped:
		return stepStopped.Render("● stopped")
	default:
		return string(step)
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	online := onlineStyle.Render("● ADMIN")
	if !a.online {
		online = offlineStyle.Render("○ ADMIN")
	}
	header := titleStyle.Render("mergeplane") + "  " + online + "  " +
		lipgloss.NewStyle().Foreground(cyanColor).Render(a.build.Key())
	if a.fatal {
		header += "  " + fatalStyle.Render("FATAL: "+a.fatalMsg)
	}
	b.WriteString(header + "\n")

	var tabLine []string
	for i, tab := range tabs {
		label := fmt.Sprintf("%s (%d)", tab, a.tabCount(tab))
		if i == a.tabIdx {
			tabLine = append(tabLine, activeTabStyle.Render(label))
		} else {
			tabLine = append(tabLine, tabStyle.Render(label))
		}
	}
	b.WriteString(strings.Join(tabLine, " ") + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := max(5, a.height-9)
	switch a.mode {
	case modeDetail:
		b.WriteString(a.viewport.View())
	case modeWorkers:
		b.WriteString(a.renderWorkers())
	default:
		b.WriteString(a.renderTaskList(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	b.WriteString("\n")

	status := " ↑↓:nav | Tab:view | Enter:detail | Ctrl+C:quit"
	if a.mode == modeDetail {
		status = " ↑↓:scroll | Esc:back | Ctrl+C:quit"
	}
	if !a.lastUpdate.IsZero() {
		status += " | updated " + a.lastUpdate.Format("15:04:05")
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))
	return b.String()
}

func (a *App) tabCount(tab string) int {
	switch tab {
	case modeActive:
		return len(a.active)
	case modeStopped:
		return len(a.stopped)
	case modeWorkers:
		if a.workers != nil {
			return a.workers.ActiveWorkers
		}
	}
	return 0
}

func (a *App) renderTaskList(height int) string {
	rows := a.rows()
	if len(rows) == 0 {
		return "\n  No tasks.\n"
	}

	var lines []string
	for i, t := range rows {
		line := fmt.Sprintf("%-20d %-12s %-14s %s  %s", t.TaskID, t.Table, t.Range, a.bar.ViewAs(t.Percent()), formatStep(t.Step))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+line))
		} else {
			lines = append(lines, taskItemStyle.Render("  "+line))
		}
	}

	// Keep the selection visible
	if len(lines) > height {
		start := max(0, a.selectedIdx-height/2)
		end := min(len(lines), start+height)
		start = max(0, end-height)
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderWorkers() string {
	if a.workers == nil {
		return "\n  No worker statistics.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n  %s %d / %d\n", labelStyle.Render("Workers"), a.workers.ActiveWorkers, a.workers.GlobalMax)

	tables := make([]string, 0, len(a.workers.TableCounts))
	for table := range a.workers.TableCounts {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Fprintf(&b, "  %s %d\n", labelStyle.Render(table), a.workers.TableCounts[table])
	}
	running := append([]string(nil), a.workers.Running...)
	sort.Strings(running)
	for _, key := range running {
		fmt.Fprintf(&b, "    • %s\n", key)
	}
	return b.String()
}

func (a *App) renderDetail(t TaskItem) string {
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render(label), value)
	}
	fmt.Fprintf(&b, "\n  %s\n\n", lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("Task %d", t.TaskID)))
	row("Step", formatStep(t.Step))
	row("Table", t.Table)
	row("Range", t.Range)
	row("Branch", fmt.Sprint(t.Branch))
	row("Progress", fmt.Sprintf("%s %d/%d", a.bar.ViewAs(t.Percent()), t.Finished, t.Total))
	if t.ClaimedBy != "" {
		row("Worker", t.ClaimedBy)
	}
	if t.Result != "" {
		row("Result", t.Result)
	}
	if t.Error != "" {
		row("Error", lipgloss.NewStyle().Foreground(errorColor).Render(t.Error))
	}
	return b.String()
}
