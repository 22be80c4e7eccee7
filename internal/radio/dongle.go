package radio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"devicebridge/internal/rules"
)

// ackTimeout bounds how long a command waits for the dongle's ack.
const ackTimeout = 3 * time.Second

// dongleFrame is one newline-delimited JSON frame on the serial link.
// The dongle firmware emits "adv" frames for every advertisement it
// hears and an "ack" frame for every command it relays.
type dongleFrame struct {
	Type      string        `json:"type"`
	Seq       uint32        `json:"seq,omitempty"`
	Address   string        `json:"address,omitempty"`
	Model     string        `json:"model,omitempty"`
	Fields    rules.Payload `json:"fields,omitempty"`
	Command   string        `json:"command,omitempty"`
	Parameter string        `json:"parameter,omitempty"`
	OK        bool          `json:"ok,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Dongle drives a serial-attached radio co-processor. It implements
// both Scanner and Commander.
type Dongle struct {
	rw     io.ReadWriteCloser
	logger *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	sessions  map[int]*dongleSession
	nextID    int
	pending   map[uint32]chan dongleFrame
	closed    bool

	seq  atomic.Uint32
	done chan struct{}
	wg   sync.WaitGroup
}

// OpenDongle opens the serial port and starts the frame reader.
func OpenDongle(portName string, baudRate int, logger *zap.Logger) (*Dongle, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("radio dongle: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS for the dongle firmware.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	logger.Info("Radio dongle opened",
		zap.String("port", portName),
		zap.Int("baud", baudRate))
	return newDongle(port, logger), nil
}

// newDongle wraps an open frame link. Split from OpenDongle so tests
// can drive an in-memory link.
func newDongle(rw io.ReadWriteCloser, logger *zap.Logger) *Dongle {
	d := &Dongle{
		rw:       rw,
		logger:   logger,
		sessions: make(map[int]*dongleSession),
		pending:  make(map[uint32]chan dongleFrame),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

// Close shuts the link down. Open sessions see their channels close.
func (d *Dongle) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	err := d.rw.Close()
	d.wg.Wait()

	d.mu.Lock()
	for id, s := range d.sessions {
		close(s.ch)
		delete(d.sessions, id)
	}
	d.mu.Unlock()
	return err
}

// OpenSession starts delivering matching advertisements.
func (d *Dongle) OpenSession(ctx context.Context, filter Filter) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("radio dongle closed")
	}

	d.nextID++
	s := &dongleSession{
		id:     d.nextID,
		filter: filter,
		ch:     make(chan Advertisement, 16),
		dongle: d,
	}
	d.sessions[s.id] = s
	return s, nil
}

// Send relays one command through the dongle and waits for its ack.
func (d *Dongle) Send(ctx context.Context, address, command, parameter string) error {
	seq := d.seq.Add(1)
	ack := make(chan dongleFrame, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("radio dongle closed")
	}
	d.pending[seq] = ack
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, seq)
		d.mu.Unlock()
	}()

	if err := d.writeFrame(dongleFrame{
		Type:      "cmd",
		Seq:       seq,
		Address:   address,
		Command:   command,
		Parameter: parameter,
	}); err != nil {
		return err
	}

	select {
	case frame := <-ack:
		if !frame.OK {
			return fmt.Errorf("dongle rejected command %s: %s", command, frame.Error)
		}
		return nil
	case <-time.After(ackTimeout):
		return fmt.Errorf("no ack for command %s", command)
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return fmt.Errorf("radio dongle closed")
	}
}

func (d *Dongle) writeFrame(frame dongleFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	body = append(body, '\n')

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := d.rw.Write(body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (d *Dongle) readLoop() {
	defer d.wg.Done()

	scanner := bufio.NewScanner(d.rw)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame dongleFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			d.logger.Warn("Discarded unparsable dongle frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "adv":
			d.deliver(Advertisement{
				Address: frame.Address,
				Model:   frame.Model,
				Fields:  frame.Fields,
				Time:    time.Now(),
			})
		case "ack":
			d.mu.Lock()
			ch, ok := d.pending[frame.Seq]
			d.mu.Unlock()
			if ok {
				select {
				case ch <- frame:
				default:
				}
			}
		default:
			d.logger.Debug("Ignored dongle frame", zap.String("type", frame.Type))
		}
	}

	select {
	case <-d.done:
	default:
		if err := scanner.Err(); err != nil {
			d.logger.Error("Radio dongle read failed", zap.Error(err))
		}
	}
}

// deliver fans an advertisement out to every matching session. A
// session that cannot keep up loses oldest-first; advertisements are
// repeated broadcasts, never precious.
func (d *Dongle) deliver(ad Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.sessions {
		if !s.filter.Matches(ad) {
			continue
		}
		select {
		case s.ch <- ad:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ad:
			default:
			}
		}
	}
}

func (d *Dongle) closeSession(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[id]
	if !ok {
		return
	}
	delete(d.sessions, id)
	close(s.ch)
}

type dongleSession struct {
	id     int
	filter Filter
	ch     chan Advertisement
	dongle *Dongle
	once   sync.Once
}

func (s *dongleSession) Advertisements() <-chan Advertisement {
	return s.ch
}

func (s *dongleSession) Close() error {
	s.once.Do(func() { s.dongle.closeSession(s.id) })
	return nil
}
