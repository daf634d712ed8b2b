// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ui renders the interactive monitoring view for one account:
// the server's monitoring status, kept fresh by the reconciler, and the
// progress and log of a live session.
//
// Toggling monitoring and opening the live session are separate
// actions.  Starting monitoring does not open a session and stopping it
// does not close one.
package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/matta/mailwatch/internal/account"
	"github.com/matta/mailwatch/internal/apihttp"
	"github.com/matta/mailwatch/internal/reconcile"
	"github.com/matta/mailwatch/internal/telemetry"
)

// Monitor is the part of the reconciler the view uses.
type Monitor interface {
	Status(id account.Identity) (reconcile.Entry, bool)
	Toggle(ctx context.Context, id account.Identity) (account.MonitoringStatus, error)
	Changed() <-chan struct{}
}

// Live is the part of the session manager the view uses.
type Live interface {
	Open(ctx context.Context, id account.Identity) (*telemetry.Session, error)
	Close() error
	RequestStatus() error
	View() (telemetry.View, bool)
	Changed() <-chan struct{}
}

type (
	statusChangedMsg  struct{}
	sessionChangedMsg struct{}
	closedForQuitMsg  struct{}
	noticeFadeMsg     struct{ seq int }
)

// actionDoneMsg reports the outcome of a key-triggered call.
type actionDoneMsg struct {
	what string
	err  error
}

const (
	noticeFadeDelay = 5 * time.Second
	defaultLogLines = 10
	defaultWidth    = 80
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	onStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	logStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	ruleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

// Model is the bubbletea model of the monitoring view.
type Model struct {
	ctx     context.Context
	account account.Identity
	monitor Monitor
	live    Live
	keys    KeyMap
	help    help.Model
	bar     progress.Model

	entry   reconcile.Entry
	view    telemetry.View
	hasView bool

	notice    string
	noticeSeq int
	width     int
	height    int
	quitting  bool
	err       error
}

// New returns a view of id.  ctx bounds the toggle and open calls the
// view makes.
func New(ctx context.Context, id account.Identity, monitor Monitor, live Live) Model {
	m := Model{
		ctx:     ctx,
		account: id,
		monitor: monitor,
		live:    live,
		keys:    DefaultKeyMap,
		help:    help.New(),
		bar:     progress.New(progress.WithDefaultGradient()),
		width:   defaultWidth,
	}
	m.bar.Width = defaultWidth - 4
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		listen(m.monitor.Changed(), statusChangedMsg{}),
		listen(m.live.Changed(), sessionChangedMsg{}),
	)
}

// listen returns a tea.Cmd that waits for one signal on ch.
func listen(ch <-chan struct{}, msg tea.Msg) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return msg
	}
}

func (m *Model) refresh() {
	if e, ok := m.monitor.Status(m.account); ok {
		m.entry = e
	}
	m.view, m.hasView = m.live.View()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.quitting {
			return m, nil
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, m.closeForQuit()
		case key.Matches(msg, m.keys.Toggle):
			return m, m.toggle()
		case key.Matches(msg, m.keys.OpenSession):
			return m, m.open()
		case key.Matches(msg, m.keys.CloseSession):
			return m, m.close()
		case key.Matches(msg, m.keys.RequestStatus):
			return m, m.requestStatus()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(msg.Width-4, 10)
		m.help.Width = msg.Width

	case statusChangedMsg:
		m.refresh()
		return m, listen(m.monitor.Changed(), statusChangedMsg{})

	case sessionChangedMsg:
		m.refresh()
		return m, listen(m.live.Changed(), sessionChangedMsg{})

	case actionDoneMsg:
		m.refresh()
		if errors.Is(msg.err, apihttp.ErrUnauthenticated) {
			m.err = msg.err
			m.quitting = true
			return m, m.closeForQuit()
		}
		if msg.err != nil {
			return m, m.setNotice(fmt.Sprintf("%s failed: %v", msg.what, msg.err))
		}

	case closedForQuitMsg:
		return m, tea.Quit

	case noticeFadeMsg:
		if msg.seq == m.noticeSeq {
			m.notice = ""
		}
	}
	return m, nil
}

func (m *Model) setNotice(s string) tea.Cmd {
	m.notice = s
	m.noticeSeq++
	seq := m.noticeSeq
	return tea.Tick(noticeFadeDelay, func(time.Time) tea.Msg {
		return noticeFadeMsg{seq: seq}
	})
}

func (m Model) toggle() tea.Cmd {
	ctx, mon, id := m.ctx, m.monitor, m.account
	return func() tea.Msg {
		_, err := mon.Toggle(ctx, id)
		return actionDoneMsg{what: "toggle", err: err}
	}
}

func (m Model) open() tea.Cmd {
	ctx, live, id := m.ctx, m.live, m.account
	return func() tea.Msg {
		_, err := live.Open(ctx, id)
		return actionDoneMsg{what: "open live session", err: err}
	}
}

func (m Model) close() tea.Cmd {
	live := m.live
	return func() tea.Msg {
		return actionDoneMsg{what: "close live session", err: live.Close()}
	}
}

func (m Model) requestStatus() tea.Cmd {
	live := m.live
	return func() tea.Msg {
		return actionDoneMsg{what: "status request", err: live.RequestStatus()}
	}
}

func (m Model) closeForQuit() tea.Cmd {
	live := m.live
	return func() tea.Msg {
		live.Close()
		return closedForQuitMsg{}
	}
}

// Err reports the error that ended the view, if any.  A view quits on
// its own once the backend no longer accepts its credentials.
func (m Model) Err() error {
	return m.err
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("mailwatch · " + m.account.String()))
	b.WriteString("\n\n")
	b.WriteString(m.statusView())
	b.WriteString("\n")
	b.WriteString(m.liveView())

	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render(m.notice))
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	b.WriteString("\n")
	return b.String()
}

func (m Model) statusView() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("Monitoring: "))
	st := m.entry.Status
	switch {
	case st == nil:
		b.WriteString("unknown")
	case st.IsMonitoring:
		b.WriteString(onStyle.Render("on"))
	default:
		b.WriteString(offStyle.Render("off"))
	}
	if m.entry.Loading {
		b.WriteString(labelStyle.Render(" (updating)"))
	}
	b.WriteString("\n")
	if st != nil {
		last := "never"
		if st.LastCheckTime != nil {
			last = st.LastCheckTime.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%s%s  %s%d  %s%d\n",
			labelStyle.Render("Last check: "), last,
			labelStyle.Render("Found: "), st.LastFoundCount,
			labelStyle.Render("Classified: "), st.TotalClassifiedCount)
	}
	if m.entry.Err != nil {
		b.WriteString(noticeStyle.Render("Last poll failed: "+m.entry.Err.Error()) + "\n")
	}
	return b.String()
}

func (m Model) liveView() string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("Live: "))
	if !m.hasView {
		b.WriteString("not connected\n")
		return b.String()
	}
	v := m.view
	b.WriteString(v.State.String())
	b.WriteString("\n")
	if v.Notice != "" {
		b.WriteString(noticeStyle.Render(v.Notice) + "\n")
	}
	if s := v.Snapshot; s != nil {
		b.WriteString(m.bar.ViewAs(s.Progress()))
		b.WriteString("\n")
		fmt.Fprintf(&b, "%d/%d processed, %d processing\n",
			s.ProcessedEmails, s.TotalEmails, s.ProcessingEmails)
		if len(s.ClassificationCounts) > 0 {
			b.WriteString(countsLine(s.ClassificationCounts) + "\n")
		}
	}
	b.WriteString(ruleStyle.Render(strings.Repeat("─", max(m.width, 10))) + "\n")
	for _, e := range tail(v.Logs, m.logLines()) {
		b.WriteString(logStyle.Render(e.String()) + "\n")
	}
	return b.String()
}

// logLines is the number of log lines that fit below the fixed parts
// of the view.
func (m Model) logLines() int {
	if m.height == 0 {
		return defaultLogLines
	}
	return max(m.height-14, 3)
}

func countsLine(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %d", name, counts[name]))
	}
	return strings.Join(parts, "  ")
}

func tail(logs []account.LogEntry, n int) []account.LogEntry {
	if len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}
