// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package uart

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Link errors
var (
	ErrClosed       = errors.New("link connection closed")
	ErrNotConnected = errors.New("link not connected")
)

// Conn is the byte transport under a Link (serial port or WebSocket bridge)
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a new Conn. Used to reopen the link after it is lost.
type Dialer func() (Conn, error)

// LinkConfig bounds the link's read behaviour and reconnect policy
type LinkConfig struct {
	ReadSize      int           // bytes per read
	PollTimeout   time.Duration // longest Poll waits for data
	MaxReadErrors int           // consecutive read errors treated as link loss
	Reconnect     bool
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

// DefaultLinkConfig returns the settings used by the appliance
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		ReadSize:      64,
		PollTimeout:   100 * time.Millisecond,
		MaxReadErrors: 5,
		Reconnect:     true,
		MinBackoff:    1 * time.Second,
		MaxBackoff:    30 * time.Second,
	}
}

// Link owns the controller connection. A background reader pulls bytes off
// the connection; Poll turns whatever has arrived into packets and Send
// writes COMMAND frames. Send is safe for concurrent use. Poll must only be
// called from one goroutine.
type Link struct {
	cfg  LinkConfig
	dial Dialer

	mu          sync.RWMutex
	conn        Conn
	onReconnect func()
	capture     *CaptureWriter

	writeMu sync.Mutex

	parser *Parser
	resync atomic.Bool
	stats  *Statistics

	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *log.Entry
}

// NewLink starts a link over conn. dial may be nil, in which case a lost
// connection is never reopened.
func NewLink(conn Conn, dial Dialer, cfg LinkConfig) *Link {
	def := DefaultLinkConfig()
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = def.ReadSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.MaxReadErrors <= 0 {
		cfg.MaxReadErrors = def.MaxReadErrors
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}

	l := &Link{
		cfg:    cfg,
		dial:   dial,
		conn:   conn,
		parser: NewParser(),
		stats:  NewStatistics(),
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
		logger: log.WithField("component", "uart"),
	}

	l.wg.Add(1)
	go l.readerLoop()
	return l
}

// Stats returns the link counters
func (l *Link) Stats() *Statistics {
	return l.stats
}

// OnReconnect registers fn to run after the connection has been reopened
func (l *Link) OnReconnect(fn func()) {
	l.mu.Lock()
	l.onReconnect = fn
	l.mu.Unlock()
}

// SetCapture records every received chunk's frames and every sent frame to w
func (l *Link) SetCapture(w *CaptureWriter) {
	l.mu.Lock()
	l.capture = w
	l.mu.Unlock()
}

func (l *Link) getConn() Conn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

func (l *Link) setConn(conn Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
}

func (l *Link) getCapture() *CaptureWriter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.capture
}

// Send encodes and writes a COMMAND frame. There is no acknowledgement at
// this layer.
func (l *Link) Send(subtype uint8, payload []byte) error {
	return l.SendPacket(NewCommand(subtype, payload))
}

// SendPacket writes an already built packet
func (l *Link) SendPacket(p *Packet) error {
	frame := EncodePacket(p)

	conn := l.getConn()
	if conn == nil {
		l.stats.AddSent(ErrNotConnected)
		return ErrNotConnected
	}

	l.writeMu.Lock()
	_, err := conn.Write(frame)
	l.writeMu.Unlock()

	l.stats.AddSent(err)
	if err != nil {
		l.logger.WithError(err).WithField("subtype", FormatSubtype(p.ptype, p.subtype)).Warn("Write failed")
		return fmt.Errorf("failed to write %s: %w", FormatSubtype(p.ptype, p.subtype), err)
	}

	if c := l.getCapture(); c != nil {
		if err := c.Write(DirTX, frame, time.Now()); err != nil {
			l.logger.WithError(err).Debug("Capture write failed")
		}
	}

	l.logger.WithField("subtype", FormatSubtype(p.ptype, p.subtype)).Debug("Command sent")
	return nil
}

// Poll waits at most PollTimeout for data, then returns every packet that
// could be decoded from the bytes received so far. Frames failing decode are
// dropped.
func (l *Link) Poll() []*Packet {
	if l.resync.CompareAndSwap(true, false) {
		l.parser.Reset()
	}

	var data []byte
	timer := time.NewTimer(l.cfg.PollTimeout)
	defer timer.Stop()

	select {
	case chunk := <-l.chunks:
		data = append(data, chunk...)
	case <-timer.C:
		return nil
	case <-l.done:
		return nil
	}

	// Drain anything else already buffered
	for {
		select {
		case chunk := <-l.chunks:
			data = append(data, chunk...)
			continue
		default:
		}
		break
	}

	return l.decodeChunk(data)
}

func (l *Link) decodeChunk(data []byte) []*Packet {
	before := l.parser.Discarded()
	frames := l.parser.Feed(data)
	if dropped := l.parser.Discarded() - before; dropped > 0 {
		l.stats.AddDiscarded(dropped)
	}

	capture := l.getCapture()
	packets := make([]*Packet, 0, len(frames))
	for _, frame := range frames {
		if capture != nil {
			if err := capture.Write(DirRX, frame, time.Now()); err != nil {
				l.logger.WithError(err).Debug("Capture write failed")
			}
		}

		packet, err := Decode(frame)
		if err != nil {
			l.stats.Update(nil, err, nil)
			l.logger.WithError(err).WithField("frame", FormatHex(frame)).Debug("Frame dropped")
			continue
		}
		l.stats.Update(packet, nil, ValidatePacket(packet))
		packets = append(packets, packet)
	}
	return packets
}

// Close stops the reader and closes the connection
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if conn := l.getConn(); conn != nil {
			err = conn.Close()
		}
		l.wg.Wait()
	})
	return err
}

func (l *Link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// readerLoop reads from the connection until the link is closed, reopening
// the connection when it is lost
func (l *Link) readerLoop() {
	defer l.wg.Done()

	for {
		lost := l.readFromConnection()
		if !lost || l.closed() {
			return
		}

		if l.dial == nil || !l.cfg.Reconnect {
			l.logger.Error("Link lost and reconnect disabled")
			return
		}
		if !l.reconnect() {
			return
		}
	}
}

// readFromConnection reads until the connection fails.
// Returns true if the connection was lost, false if shutdown was requested.
func (l *Link) readFromConnection() bool {
	conn := l.getConn()
	if conn == nil {
		return true
	}

	buf := make([]byte, l.cfg.ReadSize)
	consecutiveErrors := 0

	for {
		n, err := conn.Read(buf)
		if l.closed() {
			return false
		}

		if n > 0 {
			consecutiveErrors = 0
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case l.chunks <- chunk:
			case <-l.done:
				return false
			}
		}

		if err == nil {
			continue
		}

		l.stats.AddReadError()
		if IsLinkLost(err) {
			l.logger.WithError(err).Warn("Link connection lost")
			return true
		}

		consecutiveErrors++
		l.logger.WithError(err).WithField("consecutive", consecutiveErrors).Warn("Read error")
		if consecutiveErrors >= l.cfg.MaxReadErrors {
			return true
		}

		select {
		case <-time.After(l.cfg.PollTimeout):
		case <-l.done:
			return false
		}
	}
}

// reconnect reopens the connection with exponential backoff.
// Returns false if shutdown was requested during reconnection.
func (l *Link) reconnect() bool {
	if conn := l.getConn(); conn != nil {
		conn.Close()
	}
	l.setConn(nil)

	backoff := l.cfg.MinBackoff
	for {
		select {
		case <-l.done:
			return false
		case <-time.After(backoff):
		}

		conn, err := l.dial()
		if err == nil {
			l.setConn(conn)
			l.resync.Store(true)
			l.stats.AddReconnect()
			l.logger.Info("Link reconnected")

			l.mu.RLock()
			fn := l.onReconnect
			l.mu.RUnlock()
			if fn != nil {
				fn()
			}
			return true
		}

		l.logger.WithError(err).WithField("backoff", backoff).Warn("Reconnect failed")

		// Exponential backoff
		backoff *= 2
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
	}
}

// IsLinkLost reports whether err means the connection is gone for good
func IsLinkLost(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
