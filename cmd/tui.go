// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ssukssuk/sprout/pkg/uart"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// readingData is the last sensor sample seen on the link
type readingData struct {
	timestamp time.Time
	source    string
	reading   uart.Reading
}

// TUI model
type model struct {
	connInfo       string
	statsInterval  int
	showAll        bool
	stats          *uart.Statistics
	errorLog       []errorLogEntry
	maxLogEntries  int
	synchronized   bool
	invalidBytes   uint64
	width          int
	height         int
	quitting       bool
	connectionLost bool
	lastReading    *readingData
	eventCounts    map[uint8]int
}

// Messages
type tickMsg time.Time
type serialDataMsg struct {
	frame            []byte
	packet           *uart.Packet
	decodeErr        error
	validationErrors []uart.ValidationError
}
type syncMsg struct {
	invalidBytes uint64
}
type connectionLostMsg struct {
	err error
}

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	units := []struct {
		name string
		size int64
	}{
		{"day", 86400},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}

	parts := []string{}
	for _, u := range units {
		n := seconds / u.size
		seconds %= u.size
		if n == 0 {
			continue
		}
		if n == 1 {
			parts = append(parts, "1 "+u.name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
	}

	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(connInfo string, statsInterval int, showAll bool) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         uart.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
		eventCounts:   make(map[uint8]int),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.eventCounts = make(map[uint8]int)
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry(fmt.Sprintf("Connection closed: %v", msg.err), true)

	case serialDataMsg:
		m.handleData(msg)
	}

	return m, nil
}

func (m *model) handleData(msg serialDataMsg) {
	if msg.decodeErr != nil {
		m.stats.Update(nil, msg.decodeErr, nil)
		m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v (%s)", msg.decodeErr, uart.FormatHex(msg.frame)), true)
		return
	}
	if msg.packet == nil {
		return
	}

	m.stats.Update(msg.packet, nil, msg.validationErrors)
	m.trackPacket(msg.packet)

	name := uart.FormatSubtype(msg.packet.Type(), msg.packet.Subtype())
	switch {
	case len(msg.validationErrors) > 0:
		for _, err := range msg.validationErrors {
			m.addLogEntry(fmt.Sprintf("%s: %s", name, err.Message), true)
		}
	case msg.packet.Type() == uart.TypeEvent:
		m.addLogEntry(fmt.Sprintf("EVENT %s", name), false)
	case m.showAll:
		m.addLogEntry(fmt.Sprintf("%s %s (valid)", uart.FormatType(msg.packet.Type()), name), false)
	}
}

// trackPacket keeps the latest reading and per-event counters
func (m *model) trackPacket(p *uart.Packet) {
	if p.Type() == uart.TypeEvent {
		m.eventCounts[p.Subtype()]++
	}
	if !p.Is(uart.TypeData, uart.DataSensor) && p.Type() != uart.TypeEvent {
		return
	}
	r, err := uart.ParseReading(p.Payload())
	if err != nil {
		return
	}
	m.lastReading = &readingData{
		timestamp: p.Timestamp(),
		source:    uart.FormatSubtype(p.Type(), p.Subtype()),
		reading:   r,
	}
}

func (m *model) addLogEntry(message string, isError bool) {
	m.errorLog = appendLog(m.errorLog, m.maxLogEntries, message, isError)
}

// appendLog adds an entry and keeps only the last limit entries
func appendLog(entries []errorLogEntry, limit int, message string, isError bool) []errorLogEntry {
	entries = append(entries, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// tuiStyles is the shared palette for the terminal UIs
type tuiStyles struct {
	title, header, label, value, err, warning, box lipgloss.Style
}

func newStyles() tuiStyles {
	return tuiStyles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10")).
			Background(lipgloss.Color("235")).
			Padding(0, 1),
		header:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		err:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
	}
}

// renderStats renders the counter box
func (st tuiStyles) renderStats(snap uart.StatsSnapshot) string {
	var validPercent, errorPercent float64
	totalErrors := snap.ChecksumErrors + snap.FramingErrors + snap.LengthErrors + snap.Anomalies
	if snap.TotalFrames > 0 {
		validPercent = float64(snap.ValidPackets) * 100.0 / float64(snap.TotalFrames)
		errorPercent = float64(totalErrors) * 100.0 / float64(snap.TotalFrames)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
		st.label.Render("Total:"), st.value.Render(fmt.Sprintf("%d", snap.TotalFrames)),
		st.label.Render("Valid:"), st.value.Render(fmt.Sprintf("%d (%.1f%%)", snap.ValidPackets, validPercent)),
		st.label.Render("Errors:"), st.err.Render(fmt.Sprintf("%d (%.1f%%)", totalErrors, errorPercent)),
	)

	if snap.ChecksumErrors > 0 || snap.FramingErrors > 0 || snap.LengthErrors > 0 {
		fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
			st.label.Render("Checksum:"), st.err.Render(fmt.Sprintf("%d", snap.ChecksumErrors)),
			st.label.Render("Framing:"), st.err.Render(fmt.Sprintf("%d", snap.FramingErrors)),
			st.label.Render("Length:"), st.err.Render(fmt.Sprintf("%d", snap.LengthErrors)),
		)
	}
	if snap.Anomalies > 0 {
		fmt.Fprintf(&b, "%s %s\n", st.label.Render("Anomalous:"), st.warning.Render(fmt.Sprintf("%d", snap.Anomalies)))
	}
	if snap.SentCommands > 0 || snap.WriteErrors > 0 || snap.Reconnects > 0 {
		fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
			st.label.Render("Sent:"), st.value.Render(fmt.Sprintf("%d", snap.SentCommands)),
			st.label.Render("Write errors:"), st.err.Render(fmt.Sprintf("%d", snap.WriteErrors)),
			st.label.Render("Reconnects:"), st.warning.Render(fmt.Sprintf("%d", snap.Reconnects)),
		)
	}

	errRate := st.value.Render(fmt.Sprintf("%.1f err/s", snap.ErrorRate))
	if snap.ErrorRate > 0 {
		errRate = st.err.Render(fmt.Sprintf("%.1f err/s", snap.ErrorRate))
	}
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s",
		st.label.Render("Packet Rate:"), st.value.Render(fmt.Sprintf("%.1f pkts/s", snap.PacketRate)),
		st.label.Render("Error Rate:"), errRate,
		st.label.Render("Up:"), st.value.Render(formatUptime(snap.Elapsed)),
	)

	return st.box.Render(b.String())
}

// renderReading renders the latest sensor sample
func (st tuiStyles) renderReading(r *readingData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s   %s %s\n",
		st.label.Render("Temperature:"), st.value.Render(fmt.Sprintf("%.1f°C", r.reading.Temperature)),
		st.label.Render("Humidity:"), st.value.Render(fmt.Sprintf("%.1f%%", r.reading.Humidity)),
	)
	fmt.Fprintf(&b, "%s %s   %s %s\n",
		st.label.Render("Nutrient:"), st.value.Render(fmt.Sprintf("%.0f", r.reading.NutrientConc)),
		st.label.Render("Water:"), st.value.Render(fmt.Sprintf("%.0f", r.reading.WaterLevel)),
	)
	fmt.Fprintf(&b, "%s", st.header.Render(fmt.Sprintf("from %s at %s", r.source, r.timestamp.Format("15:04:05"))))
	return st.box.Render(b.String())
}

// renderLog renders the newest entries that fit in height lines
func (st tuiStyles) renderLog(entries []errorLogEntry, height, width int) string {
	if height < 5 {
		height = 5
	}
	var b strings.Builder
	start := len(entries) - height
	if start < 0 {
		start = 0
	}

	if len(entries) == 0 {
		b.WriteString(st.header.Render("  (no events yet)"))
	}
	for _, entry := range entries[start:] {
		timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
		if entry.isError {
			fmt.Fprintf(&b, "%s %s\n", st.header.Render(timestamp), st.err.Render("✗ "+entry.message))
		} else {
			fmt.Fprintf(&b, "%s %s\n", st.header.Render(timestamp), st.warning.Render("ℹ "+entry.message))
		}
	}

	if width > 8 {
		return st.box.Width(width - 4).Render(b.String())
	}
	return st.box.Render(b.String())
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	st := newStyles()
	var s strings.Builder
	s.WriteString(st.title.Render("SPROUT - ERROR DETECTION"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All packets"
	}
	s.WriteString(st.header.Render(fmt.Sprintf("%s | Mode: %s | 'r' reset, 'q' quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	switch {
	case m.connectionLost:
		s.WriteString(st.err.Render("✗ Connection closed"))
	case !m.synchronized:
		s.WriteString(st.warning.Render("⏳ Waiting for synchronization..."))
	default:
		s.WriteString(st.value.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(st.header.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
	}
	s.WriteString("\n\n")

	s.WriteString(st.renderStats(m.stats.Snapshot()))
	s.WriteString("\n\n")

	reserved := 15
	if m.lastReading != nil {
		s.WriteString(st.label.Render("Latest Reading:"))
		s.WriteString("\n")
		s.WriteString(st.renderReading(m.lastReading))
		s.WriteString("\n\n")
		reserved += 6
	}

	if len(m.eventCounts) > 0 {
		s.WriteString(st.label.Render("Events: "))
		s.WriteString(st.header.Render(formatEventCounts(m.eventCounts)))
		s.WriteString("\n\n")
		reserved += 2
	}

	s.WriteString(st.label.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(st.renderLog(m.errorLog, m.height-reserved, m.width))

	return s.String()
}

// formatEventCounts renders counters in subtype order
func formatEventCounts(counts map[uint8]int) string {
	parts := []string{}
	for subtype := uint8(0); subtype < 0xFF; subtype++ {
		if n, ok := counts[subtype]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", uart.FormatEvent(subtype), n))
		}
	}
	return strings.Join(parts, " ")
}
