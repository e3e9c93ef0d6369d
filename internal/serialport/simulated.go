package serialport

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimulatedDevice is the device name reported by an open SimulatedTransport.
const SimulatedDevice = "simulated"

// valveDigits are the single-character toggle commands the firmware accepts.
const valveDigits = "123456789"

// SimulatedTransport implements the irrigation firmware protocol in memory.
//
// Fixed commands answer from a canned response map. Digit commands toggle the
// valve in the simulated open set and echo the digit; "V" reports the open
// set and "W" the flow counter. Unknown commands answer "E". Responses are
// delivered immediately, and a read with nothing pending times out at once
// instead of waiting, which keeps tests fast.
//
// Fault injection hooks let tests drop a response, fail a write, refuse to
// open, or interleave debug lines ahead of the next response.
type SimulatedTransport struct {
	mu sync.Mutex

	responses   map[string]string
	openValves  []int
	counter     float64
	counterRaw  string
	flowPerRead float64
	startButton bool

	open      bool
	queued    []string
	preface   []string
	drops     int
	writeErrs []error
	openErr   error

	writes     []string
	openCalls  int
	closeCalls int
}

// NewSimulatedTransport returns a closed simulated transport with all valves
// closed and the counter at zero.
func NewSimulatedTransport() *SimulatedTransport {
	return &SimulatedTransport{
		responses: map[string]string{
			"I": "I",
			"P": "P",
			"p": "p",
		},
	}
}

// Open marks the device present. Any lines left from a previous session are
// discarded, as a re-enumerated device starts with an empty buffer.
func (s *SimulatedTransport) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.openCalls++
	if s.openErr != nil {
		return s.openErr
	}
	s.open = true
	s.queued = nil
	return nil
}

// Close marks the device closed.
func (s *SimulatedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeCalls++
	s.open = false
	return nil
}

// Write interprets p as one command and queues its response.
func (s *SimulatedTransport) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrClosed
	}
	if len(s.writeErrs) > 0 {
		err := s.writeErrs[0]
		s.writeErrs = s.writeErrs[1:]
		return err
	}

	cmd := strings.TrimSpace(string(p))
	s.writes = append(s.writes, cmd)

	resp := s.respond(cmd)

	s.queued = append(s.queued, s.preface...)
	s.preface = nil
	if s.drops > 0 {
		s.drops--
		return nil
	}
	s.queued = append(s.queued, resp)
	return nil
}

func (s *SimulatedTransport) respond(cmd string) string {
	if r, ok := s.responses[cmd]; ok {
		return r
	}
	switch {
	case len(cmd) == 1 && strings.Contains(valveDigits, cmd):
		n := int(cmd[0] - '0')
		s.toggle(n)
		return cmd
	case cmd == "V":
		var b strings.Builder
		for _, v := range s.openValves {
			b.WriteByte(byte('0' + v))
		}
		return b.String()
	case cmd == "W":
		if s.counterRaw != "" {
			return s.counterRaw
		}
		if s.flowPerRead > 0 && len(s.openValves) > 0 {
			s.counter += s.flowPerRead
		}
		return strconv.FormatFloat(s.counter, 'f', 1, 64)
	case cmd == "S":
		if s.startButton {
			return "S"
		}
		return "s"
	}
	return "E"
}

func (s *SimulatedTransport) toggle(n int) {
	for i, v := range s.openValves {
		if v == n {
			s.openValves = append(s.openValves[:i], s.openValves[i+1:]...)
			return
		}
	}
	s.openValves = append(s.openValves, n)
}

// ReadLine returns the next queued line or ErrTimeout when nothing is queued.
func (s *SimulatedTransport) ReadLine(time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return "", ErrClosed
	}
	if len(s.queued) == 0 {
		return "", ErrTimeout
	}
	line := s.queued[0]
	s.queued = s.queued[1:]
	return line, nil
}

// Device returns SimulatedDevice while open.
func (s *SimulatedTransport) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ""
	}
	return SimulatedDevice
}

// SetResponse overrides the canned response for a fixed command.
func (s *SimulatedTransport) SetResponse(cmd, resp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[cmd] = resp
}

// SetCounter sets the flow counter reported by "W".
func (s *SimulatedTransport) SetCounter(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = v
	s.counterRaw = ""
}

// AddCounter advances the flow counter by delta gallons.
func (s *SimulatedTransport) AddCounter(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter += delta
}

// SetCounterRaw makes "W" answer with raw verbatim, e.g. a garbled reading.
func (s *SimulatedTransport) SetCounterRaw(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterRaw = raw
}

// SetFlowPerRead makes every "W" query advance the counter by gallons while
// at least one valve is open, so a simulated rig shows flow once its valves
// open and stops when they close.
func (s *SimulatedTransport) SetFlowPerRead(gallons float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowPerRead = gallons
}

// SetStartButton sets whether "S" reports the start button pressed.
func (s *SimulatedTransport) SetStartButton(pressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startButton = pressed
}

// SetOpenValves replaces the simulated open set.
func (s *SimulatedTransport) SetOpenValves(valves ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openValves = append([]int(nil), valves...)
}

// OpenValves returns the simulated open set in ascending order.
func (s *SimulatedTransport) OpenValves() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]int(nil), s.openValves...)
	sort.Ints(out)
	return out
}

// InjectLines queues lines that will be read before anything else, as if the
// device had emitted them unprompted.
func (s *SimulatedTransport) InjectLines(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, lines...)
}

// PrefaceNextResponse emits lines after the next write and ahead of its
// response.
func (s *SimulatedTransport) PrefaceNextResponse(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preface = append(s.preface, lines...)
}

// DropNextResponses makes the device stay silent after the next n commands.
func (s *SimulatedTransport) DropNextResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops += n
}

// FailNextWrite makes the next write return err.
func (s *SimulatedTransport) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErrs = append(s.writeErrs, err)
}

// SetOpenError makes Open fail with err until cleared with nil.
func (s *SimulatedTransport) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Writes returns every command written so far.
func (s *SimulatedTransport) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// CountWrites returns how many times cmd was written.
func (s *SimulatedTransport) CountWrites(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.writes {
		if w == cmd {
			n++
		}
	}
	return n
}

// ClearWrites forgets recorded writes.
func (s *SimulatedTransport) ClearWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

// OpenCalls returns how many times Open was called.
func (s *SimulatedTransport) OpenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCalls
}

// CloseCalls returns how many times Close was called.
func (s *SimulatedTransport) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
