// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/ssukssuk/sprout/pkg/uart"
)

// sensorRequestInterval is how often the console asks for a reading
const sensorRequestInterval = 10 * time.Second

var consoleAutoSensor bool

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for driving the board",
	Long: `Drive the board from an interactive terminal UI.

The left panel lists every command; Enter sends the selected one with the
optional hex payload typed in the payload field. The right panel shows the
latest sensor reading, link statistics and an event log.

Tab switches focus between the command list and the payload field. The link
reconnects automatically and READY is re-sent after every reconnect.

Supports both serial and WebSocket connections.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().BoolVar(&consoleAutoSensor, "auto-sensor", true, "Request a sensor reading periodically")
}

const (
	focusCommandList = iota
	focusPayloadInput
)

// commandItem is one entry of the command list
type commandItem struct {
	name    string
	subtype uint8
}

// Implement list.Item interface
func (c commandItem) Title() string       { return c.name }
func (c commandItem) Description() string { return fmt.Sprintf("CMD 0x%02X", c.subtype) }
func (c commandItem) FilterValue() string { return c.name }

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	link     *uart.Link
	connInfo string

	commands     list.Model
	payloadInput textinput.Model
	focusedField int

	errorLog      []errorLogEntry
	maxLogEntries int
	lastReading   *readingData
	eventCounts   map[uint8]int

	autoSensor    bool
	lastSensorReq time.Time
	width         int
	height        int
	quitting      bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

type packetsMsg struct {
	packets []*uart.Packet
}

type reconnectedMsg struct{}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(link *uart.Link, connInfo string, autoSensor bool) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "payload hex (optional)"
	ti.CharLimit = uart.FirmwareMaxPayload * 3
	ti.Width = 30

	items := []list.Item{}
	for _, name := range uart.CommandNames() {
		subtype, _ := uart.CommandByName(name)
		items = append(items, commandItem{name: name, subtype: subtype})
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	commands := list.New(items, delegate, 28, 20)
	commands.Title = "Commands"
	commands.SetShowStatusBar(false)
	commands.SetShowHelp(false)
	commands.SetFilteringEnabled(false)

	return consoleModel{
		link:          link,
		connInfo:      connInfo,
		commands:      commands,
		payloadInput:  ti,
		focusedField:  focusCommandList,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		eventCounts:   make(map[uint8]int),
		autoSensor:    autoSensor,
		width:         80,
		height:        24,
	}
}

func runConsole(cmd *cobra.Command, args []string) error {
	link, connInfo, err := OpenLink(uart.DefaultLinkConfig())
	if err != nil {
		return err
	}
	defer link.Close()

	m := initialConsoleModel(link, connInfo, consoleAutoSensor)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())

	link.OnReconnect(func() {
		if err := link.SendPacket(uart.NewReady()); err != nil {
			return
		}
		p.Send(reconnectedMsg{})
	})

	// Poll blocks for at most the poll timeout, so this exits soon after
	// the program quits
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if packets := link.Poll(); len(packets) > 0 {
				p.Send(packetsMsg{packets: packets})
			}
		}
	}()

	if err := link.SendPacket(uart.NewReady()); err != nil {
		close(done)
		return err
	}

	_, err = p.Run()
	close(done)
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return consoleTickCmd()
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case consoleTickMsg:
		if m.autoSensor && time.Since(m.lastSensorReq) >= sensorRequestInterval {
			m.lastSensorReq = time.Now()
			// Failures show up in the write error counter
			_ = m.link.SendPacket(uart.NewSensorRequest())
		}
		return m, consoleTickCmd()

	case packetsMsg:
		for _, p := range msg.packets {
			m.processPacket(p)
		}

	case reconnectedMsg:
		m.addLogEntry("Reconnected, READY sent", false)
	}

	var cmd tea.Cmd
	if m.focusedField == focusPayloadInput {
		m.payloadInput, cmd = m.payloadInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	if m.focusedField == focusCommandList {
		m.commands, cmd = m.commands.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField == focusCommandList {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		if m.focusedField == focusCommandList {
			m.focusedField = focusPayloadInput
			m.payloadInput.Focus()
		} else {
			m.focusedField = focusCommandList
			m.payloadInput.Blur()
		}
		return m, nil

	case "enter":
		m.sendSelected()
		return m, nil
	}

	var cmd tea.Cmd
	if m.focusedField == focusPayloadInput {
		m.payloadInput, cmd = m.payloadInput.Update(msg)
	} else {
		m.commands, cmd = m.commands.Update(msg)
	}
	return m, cmd
}

//////////////////////////////////////////////////////////////
// Commands and packets
//////////////////////////////////////////////////////////////

func (m *consoleModel) sendSelected() {
	item, ok := m.commands.SelectedItem().(commandItem)
	if !ok {
		return
	}
	payload, err := parseHexPayload(m.payloadInput.Value())
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return
	}
	if err := m.link.Send(item.subtype, payload); err != nil {
		m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", item.name, err), true)
		return
	}
	if len(payload) > 0 {
		m.addLogEntry(fmt.Sprintf("Sent %s [%s]", uart.FormatCommand(item.subtype), uart.FormatHex(payload)), false)
	} else {
		m.addLogEntry(fmt.Sprintf("Sent %s", uart.FormatCommand(item.subtype)), false)
	}
	m.payloadInput.SetValue("")
}

func (m *consoleModel) processPacket(p *uart.Packet) {
	name := uart.FormatSubtype(p.Type(), p.Subtype())
	if errs := uart.ValidatePacket(p); len(errs) > 0 {
		for _, err := range errs {
			m.addLogEntry(fmt.Sprintf("%s: %s", name, err.Message), true)
		}
	}

	switch p.Type() {
	case uart.TypeEvent:
		m.eventCounts[p.Subtype()]++
		m.addLogEntry(fmt.Sprintf("EVENT %s", name), isFailureEvent(p.Subtype()))
	case uart.TypeCommand:
		m.addLogEntry(fmt.Sprintf("CMD %s from board", name), false)
	}

	if p.Is(uart.TypeData, uart.DataSensor) || p.Type() == uart.TypeEvent {
		if r, err := uart.ParseReading(p.Payload()); err == nil {
			m.lastReading = &readingData{timestamp: p.Timestamp(), source: name, reading: r}
		}
	}
}

// isFailureEvent reports events that are logged as errors
func isFailureEvent(subtype uint8) bool {
	switch subtype {
	case uart.EvtSensorFail, uart.EvtWaterPumpFail, uart.EvtNutriPumpFail:
		return true
	}
	return false
}

func (m *consoleModel) addLogEntry(message string, isError bool) {
	m.errorLog = appendLog(m.errorLog, m.maxLogEntries, message, isError)
}

func (m *consoleModel) updateListSize() {
	listHeight := m.height - 10
	if listHeight < 5 {
		listHeight = 5
	}
	m.commands.SetSize(28, listHeight)
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	st := newStyles()
	focused := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("12")).
		Padding(0, 1)

	var header strings.Builder
	header.WriteString(st.title.Render("SPROUT - CONSOLE"))
	header.WriteString("\n")
	header.WriteString(st.header.Render(fmt.Sprintf("%s | tab focus, enter send, q quit", m.connInfo)))

	listBox := st.box
	inputBox := st.box
	if m.focusedField == focusCommandList {
		listBox = focused
	} else {
		inputBox = focused
	}
	left := lipgloss.JoinVertical(lipgloss.Left,
		listBox.Render(m.commands.View()),
		inputBox.Render(m.payloadInput.View()),
	)

	rightWidth := m.width - lipgloss.Width(left) - 2
	var right strings.Builder
	snap := m.link.Stats().Snapshot()
	right.WriteString(st.renderStats(snap))
	right.WriteString("\n")
	reserved := 16
	if m.lastReading != nil {
		right.WriteString(st.renderReading(m.lastReading))
		right.WriteString("\n")
		reserved += 5
	}
	if len(m.eventCounts) > 0 {
		right.WriteString(st.header.Render(formatEventCounts(m.eventCounts)))
		right.WriteString("\n")
		reserved++
	}
	right.WriteString(st.renderLog(m.errorLog, m.height-reserved, rightWidth))

	body := lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right.String())
	return header.String() + "\n\n" + body
}
