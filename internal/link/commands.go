package link

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ToggleValve flips valve n. The board echoes the digit on success.
func (l *Link) ToggleValve(n int) error {
	if n < 1 || n > 9 {
		return fmt.Errorf("%w: %d", ErrInvalidValve, n)
	}
	token := strconv.Itoa(n)
	resp, err := l.send(token, echoOf(token))
	if err != nil {
		return err
	}
	if resp != token {
		return mismatch(token, resp)
	}
	return nil
}

// QueryOpenValves returns the valves the board reports open, ascending.
func (l *Link) QueryOpenValves() ([]int, error) {
	resp, err := l.send(CmdOpenValves, func(r string) bool {
		_, ok := parseValveList(r)
		return ok
	})
	if err != nil {
		return nil, err
	}
	valves, ok := parseValveList(resp)
	if !ok {
		return nil, mismatch(CmdOpenValves, resp)
	}
	return valves, nil
}

func parseValveList(resp string) ([]int, bool) {
	seen := make(map[int]bool, len(resp))
	valves := make([]int, 0, len(resp))
	for _, c := range resp {
		if c < '1' || c > '9' {
			return nil, false
		}
		n := int(c - '0')
		if !seen[n] {
			seen[n] = true
			valves = append(valves, n)
		}
	}
	sort.Ints(valves)
	return valves, true
}

// QueryCounter returns the cumulative flow counter in whole gallons. The
// board prints a decimal; the fraction is truncated.
func (l *Link) QueryCounter() (int64, error) {
	resp, err := l.send(CmdCounter, func(r string) bool {
		_, ok := parseCounter(r)
		return ok
	})
	if err != nil {
		return 0, err
	}
	v, ok := parseCounter(resp)
	if !ok {
		return 0, mismatch(CmdCounter, resp)
	}
	return v, nil
}

func parseCounter(resp string) (int64, bool) {
	v, err := strconv.ParseFloat(resp, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int64(v), true
}

// CheckStartButton reports whether the physical start button is pressed.
// Anything other than "S" reads as not pressed.
func (l *Link) CheckStartButton() (bool, error) {
	resp, err := l.Send(CmdStartButton)
	if err != nil {
		return false, err
	}
	return resp == CmdStartButton, nil
}

// EnterProgramMode puts the board into its watering program display.
func (l *Link) EnterProgramMode() error {
	return l.setProgramMode(CmdEnterProgram, true)
}

// LeaveProgramMode returns the board to idle.
func (l *Link) LeaveProgramMode() error {
	return l.setProgramMode(CmdLeaveProgram, false)
}

func (l *Link) setProgramMode(cmd string, on bool) error {
	resp, err := l.send(cmd, echoOf(cmd))
	if err != nil {
		return err
	}
	if resp != cmd {
		return mismatch(cmd, resp)
	}
	l.mu.Lock()
	l.programMode = on
	l.mu.Unlock()
	return nil
}

func echoOf(cmd string) func(string) bool {
	return func(resp string) bool { return resp == cmd }
}

func mismatch(cmd, resp string) error {
	return fmt.Errorf("%w: %q answered %q", ErrProtocolMismatch, cmd, resp)
}
