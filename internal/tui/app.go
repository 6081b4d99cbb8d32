// Package tui provides the terminal monitor of a build generation's merge tasks.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/scheduler"
)

// RefreshInterval is how often the monitor polls the admin.
const RefreshInterval = 2 * time.Second

const requestTimeout = 5 * time.Second

// Modes of the monitor.
const (
	modeActive  = "active"
	modeStopped = "stopped"
	modeWorkers = "workers"
	modeDetail  = "detail"
)

var tabs = []string{modeActive, modeStopped, modeWorkers}

// App is the main TUI application model.
type App struct {
	source  Source
	build   models.BuildID
	refresh time.Duration

	active      []TaskItem
	stopped     []TaskItem
	workers     *scheduler.Stats
	fatal       bool
	fatalMsg    string
	online      bool
	selectedIdx int
	tabIdx      int
	mode        string
	message     string
	lastUpdate  time.Time

	input    textinput.Model
	viewport viewport.Model
	bar      progress.Model
	width    int
	height   int
}

// New creates a monitor of one build generation.
func New(source Source, build models.BuildID) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: stop <task id> | fatal <message> | refresh"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		source:   source,
		build:    build,
		refresh:  RefreshInterval,
		mode:     modeActive,
		input:    ti,
		viewport: viewport.New(80, 20),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30), progress.WithoutPercentage()),
		width:    80,
		height:   24,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// --- Messages ---

type generationMsg struct {
	info    *models.GenerationInfo
	workers *scheduler.Stats
}

type errMsg struct{ err error }

type tickMsg time.Time

type commandResultMsg struct{ message string }

// --- Commands ---

func (a *App) fetch() tea.Cmd {
	source, build := a.source, a.build
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		info, err := source.GetGenerationInfo(ctx, build)
		if err != nil {
			return errMsg{err}
		}
		// Worker stats are optional; an admin without a scheduler still reports tasks.
		workers, _ := source.Workers(ctx)
		return generationMsg{info: info, workers: workers}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) stopTask(id int64) tea.Cmd {
	source, ref := a.source, models.TaskRef{BuildID: a.build, TaskID: id}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := source.StopTask(ctx, ref); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{fmt.Sprintf("✓ Stop requested for task %d", id)}
	}
}

func (a *App) setFatal(msg string) tea.Cmd {
	source, build := a.source, a.build
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := source.SetFatalError(ctx, build, msg); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{"✓ Generation marked fatal"}
	}
}

func (a *App) executeCommand(line string) tea.Cmd {
	verb, arg := parseCommand(line)
	switch verb {
	case "stop":
		if arg == "" {
			if t, ok := a.selected(); ok && t.Step == models.TaskStepRunning {
				return a.stopTask(t.TaskID)
			}
			return func() tea.Msg { return errMsg{fmt.Errorf("usage: stop <task id>")} }
		}
		id, err := parseTaskID(arg)
		if err != nil {
			return func() tea.Msg { return errMsg{err} }
		}
		return a.stopTask(id)
	case "fatal":
		if arg == "" {
			return func() tea.Msg { return errMsg{fmt.Errorf("usage: fatal <message>")} }
		}
		return a.setFatal(arg)
	case "refresh", "r":
		return a.fetch()
	default:
		return func() tea.Msg { return errMsg{fmt.Errorf("unknown command %q", verb)} }
	}
}

// --- Model ---

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.fetch(), a.tick())
}

func (a *App) rows() []TaskItem {
	switch a.mode {
	case modeStopped:
		return a.stopped
	case modeActive:
		return a.active
	}
	return nil
}

func (a *App) selected() (TaskItem, bool) {
	rows := a.rows()
	if a.selectedIdx < 0 || a.selectedIdx >= len(rows) {
		return TaskItem{}, false
	}
	return rows[a.selectedIdx], true
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.mode == modeDetail {
				a.mode = tabs[a.tabIdx]
				return a, nil
			}

		case "tab":
			a.tabIdx = (a.tabIdx + 1) % len(tabs)
			a.mode = tabs[a.tabIdx]
			a.selectedIdx = 0
			return a, nil

		case "up":
			if a.mode == modeDetail {
				a.viewport.ScrollUp(1)
			} else if a.selectedIdx > 0 {
				a.selectedIdx--
			}
			return a, nil

		case "down":
			if a.mode == modeDetail {
				a.viewport.ScrollDown(1)
			} else if a.selectedIdx < len(a.rows())-1 {
				a.selectedIdx++
			}
			return a, nil

		case "enter":
			if line := a.input.Value(); line != "" {
				a.input.SetValue("")
				return a, a.executeCommand(line)
			}
			if t, ok := a.selected(); ok {
				a.mode = modeDetail
				a.viewport.SetContent(a.renderDetail(t))
				a.viewport.GotoTop()
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-10)

	case generationMsg:
		a.online = true
		a.active = toItems(msg.info.ActiveTasks)
		a.stopped = toItems(msg.info.StoppedTasks)
		a.fatal = msg.info.HasFatalError
		a.fatalMsg = msg.info.FatalErrorMsg
		a.workers = msg.workers
		a.lastUpdate = time.Now()
		if n := len(a.rows()); a.selectedIdx >= n {
			a.selectedIdx = max(0, n-1)
		}

	case tickMsg:
		return a, tea.Batch(a.fetch(), a.tick())

	case commandResultMsg:
		a.message = msg.message
		return a, a.fetch()

	case errMsg:
		a.online = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	return a, tea.Batch(cmds...)
}
