package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/magstab/magstab-go/internal/ad5791"
	"github.com/magstab/magstab-go/internal/transport"
)

const simIdentity = "REDPITAYA,SPI-BRIDGE,SIM,0.1"

var (
	reMsgTx = regexp.MustCompile(`^SPI:MSG(\d+):TX(\d+)(?::RX)?(?::CS)? (.+)$`)
	reMsgRx = regexp.MustCompile(`^SPI:MSG(\d+):RX\?$`)
)

var simDefaults = spiSettings{speed: 10_000_000, mode: ad5791.ModeLISL, word: 8}

type spiSettings struct {
	speed int
	mode  string
	word  int
}

type message struct {
	tx     []ad5791.Word
	staged []bool
	rx     []ad5791.Word
	passed bool
}

// Sim is an in-process bridge with an AD5791 on its bus. It implements
// transport.Conn and records every line it is sent.
type Sim struct {
	mu         sync.Mutex
	dev        string
	claimed    bool
	active     spiSettings
	edit       spiSettings
	msg        *message
	chip       chip
	transcript []string
	errs       []string
	faults     []string
	closed     bool
}

// NewSim returns a powered-on bridge with no device claimed.
func NewSim() *Sim {
	return &Sim{active: simDefaults, edit: simDefaults, chip: newChip()}
}

// FailOn makes every later command starting with prefix fail as a dropped
// link. The command is recorded but has no effect.
func (s *Sim) FailOn(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, prefix)
}

// ClearFaults removes every FailOn prefix.
func (s *Sim) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Transcript returns a copy of every command line received.
func (s *Sim) Transcript() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transcript...)
}

// ResetTranscript forgets the recorded lines.
func (s *Sim) ResetTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = nil
}

// Errors returns the pending error queue without draining it.
func (s *Sim) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errs...)
}

// MessageOpen reports whether a message was created and not deleted.
func (s *Sim) MessageOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg != nil
}

// Claimed reports whether a device is initialized and not released.
func (s *Sim) Claimed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed
}

// Device returns the device path given to SPI:INIT:DEV.
func (s *Sim) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// Speed returns the applied clock.
func (s *Sim) Speed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.speed
}

// Mode returns the applied bus mode.
func (s *Sim) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.mode
}

// Output returns the code driving the analog output.
func (s *Sim) Output() ad5791.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chip.out
}

// LDACCount counts how many times the output was loaded from the DAC register.
func (s *Sim) LDACCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chip.ldacs
}

// Registers returns the device registers without using the bus.
func (s *Sim) Registers() ad5791.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ad5791.Snapshot{DAC: s.chip.dac, Control: s.chip.ctl, ClearCode: s.chip.clr}
}

// PulseLDAC drives the hardware LDAC line.
func (s *Sim) PulseLDAC(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chip.write(ad5791.RegSoftware, ad5791.SoftLDAC)
	return nil
}

// Send executes cmd. Replies of queries are discarded.
func (s *Sim) Send(ctx context.Context, cmd string) error {
	if err := s.check(ctx, cmd); err != nil {
		return err
	}
	_, _, err := s.exec(cmd)
	return err
}

// Query executes cmd and returns its reply.
func (s *Sim) Query(ctx context.Context, cmd string) (string, error) {
	if err := s.check(ctx, cmd); err != nil {
		return "", err
	}
	reply, ok, err := s.exec(cmd)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s has no reply", ad5791.ErrProtocol, cmd)
	}
	return reply, nil
}

// Close ends the in-process connection. The simulated device keeps its state.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reopen undoes Close so the same device can serve a new session.
func (s *Sim) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}

func (s *Sim) check(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ad5791.ErrTransport, cmd, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s: connection closed", ad5791.ErrTransport, cmd)
	}
	return nil
}

// exec runs one line. ok is true when the command produces a reply.
func (s *Sim) exec(line string) (reply string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line = strings.TrimSpace(line)
	s.transcript = append(s.transcript, line)
	for _, f := range s.faults {
		if strings.HasPrefix(line, f) {
			return "", false, fmt.Errorf("%w: %s: link dropped", ad5791.ErrTransport, line)
		}
	}
	reply, ok, err = s.dispatch(line)
	if err != nil {
		s.errs = append(s.errs, fmt.Sprintf("-200,%q", err.Error()))
		return "", false, fmt.Errorf("%w: bridge rejected %q: %w", ad5791.ErrProtocol, line, err)
	}
	return reply, ok, nil
}

func (s *Sim) dispatch(line string) (string, bool, error) {
	switch {
	case line == "*IDN?":
		return simIdentity, true, nil
	case line == cmdErrQ:
		if len(s.errs) == 0 {
			return `0,"No error"`, true, nil
		}
		e := s.errs[0]
		s.errs = s.errs[1:]
		return e, true, nil
	case strings.HasPrefix(line, "SPI:INIT:DEV "):
		dev, err := strconv.Unquote(strings.TrimPrefix(line, "SPI:INIT:DEV "))
		if err != nil || dev == "" {
			return "", false, fmt.Errorf("bad device argument")
		}
		s.dev = dev
		s.claimed = true
		return "", false, nil
	case line == cmdRelease:
		s.claimed = false
		s.msg = nil
		return "", false, nil
	}

	if !s.claimed {
		return "", false, fmt.Errorf("spi not initialized")
	}

	switch {
	case line == cmdSetDef:
		s.active, s.edit = simDefaults, simDefaults
	case line == cmdSetGet:
		s.edit = s.active
	case line == cmdSetSet:
		s.active = s.edit
	case line == cmdSpeedQ:
		return strconv.Itoa(s.active.speed), true, nil
	case strings.HasPrefix(line, "SPI:SET:MODE "):
		mode := strings.TrimPrefix(line, "SPI:SET:MODE ")
		switch mode {
		case ad5791.ModeLISL, ad5791.ModeLIST, ad5791.ModeHISL, ad5791.ModeHIST:
			s.edit.mode = mode
		default:
			return "", false, fmt.Errorf("bad mode %q", mode)
		}
	case strings.HasPrefix(line, "SPI:SET:SPEED "):
		hz, err := strconv.Atoi(strings.TrimPrefix(line, "SPI:SET:SPEED "))
		if err != nil || hz <= 0 {
			return "", false, fmt.Errorf("bad speed")
		}
		s.edit.speed = hz
	case strings.HasPrefix(line, "SPI:SET:WORD "):
		bits, err := strconv.Atoi(strings.TrimPrefix(line, "SPI:SET:WORD "))
		if err != nil || bits < 7 || bits > 32 {
			return "", false, fmt.Errorf("bad word size")
		}
		s.edit.word = bits
	case strings.HasPrefix(line, "SPI:MSG:CREATE "):
		n, err := strconv.Atoi(strings.TrimPrefix(line, "SPI:MSG:CREATE "))
		if err != nil || n < 1 {
			return "", false, fmt.Errorf("bad message size")
		}
		if s.msg != nil {
			return "", false, fmt.Errorf("message already open")
		}
		s.msg = &message{tx: make([]ad5791.Word, n), staged: make([]bool, n)}
	case line == cmdMsgDel:
		s.msg = nil
	case line == cmdPass:
		return "", false, s.pass()
	default:
		if m := reMsgTx.FindStringSubmatch(line); m != nil {
			return "", false, s.stage(m[1], m[2], m[3])
		}
		if m := reMsgRx.FindStringSubmatch(line); m != nil {
			i, _ := strconv.Atoi(m[1])
			if s.msg == nil || !s.msg.passed {
				return "", false, fmt.Errorf("no transferred message")
			}
			if i >= len(s.msg.rx) {
				return "", false, fmt.Errorf("message index %d out of range", i)
			}
			return formatRx(s.msg.rx[i]), true, nil
		}
		return "", false, fmt.Errorf("undefined header")
	}
	return "", false, nil
}

func (s *Sim) stage(index, count, data string) error {
	if s.msg == nil || s.msg.passed {
		return fmt.Errorf("no message to stage into")
	}
	i, _ := strconv.Atoi(index)
	if i >= len(s.msg.tx) {
		return fmt.Errorf("message index %d out of range", i)
	}
	if n, _ := strconv.Atoi(count); n != ad5791.WordCount {
		return fmt.Errorf("unsupported transfer of %d bytes", n)
	}
	w, err := ParseHexWord(data)
	if err != nil {
		return err
	}
	s.msg.tx[i] = w
	s.msg.staged[i] = true
	return nil
}

func (s *Sim) pass() error {
	if s.msg == nil || s.msg.passed {
		return fmt.Errorf("no message to pass")
	}
	for i, ok := range s.msg.staged {
		if !ok {
			return fmt.Errorf("message %d not staged", i)
		}
	}
	s.msg.rx = make([]ad5791.Word, len(s.msg.tx))
	for i, w := range s.msg.tx {
		// frames are at most 24 bits, so Pack cannot fail here
		s.msg.rx[i], _ = ad5791.Pack(s.chip.frame(ad5791.Unpack(w)))
	}
	s.msg.passed = true
	return nil
}

var _ transport.Conn = (*Sim)(nil)
