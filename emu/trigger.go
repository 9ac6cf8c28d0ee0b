package emu

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TriggerKind classifies what event a trigger watches.
type TriggerKind int

const (
	TriggerExec TriggerKind = iota
	TriggerRead
	TriggerWrite
	TriggerReadWrite
	TriggerPortIn
	TriggerPortOut
	TriggerPortIO
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerExec:
		return "E"
	case TriggerRead:
		return "R"
	case TriggerWrite:
		return "W"
	case TriggerReadWrite:
		return "RW"
	case TriggerPortIn:
		return "PI"
	case TriggerPortOut:
		return "PO"
	case TriggerPortIO:
		return "PIO"
	}
	return "?"
}

// ErrBadTriggerSpec wraps trigger wire-format parse failures.
var ErrBadTriggerSpec = errors.New("bad trigger spec")

// Trigger is one entry of the unified table: execution breakpoints,
// memory watchpoints and port breakpoints share the shape.
type Trigger struct {
	Kind  TriggerKind
	Start uint16
	End   uint16

	// Page restricts the trigger to one RAM bank; -1 matches any.
	Page int

	// Mask applies to port triggers before the range compare.
	Mask uint16

	Condition *CondExpr

	Enabled   bool
	HitCount  int
	SkipCount int
	Name      string
}

// key is the dedup identity of a trigger.
func (t *Trigger) key() string {
	return fmt.Sprintf("%d:%04X-%04X:%d:%04X", t.Kind, t.Start, t.End, t.Page, t.Mask)
}

// String renders the persistence wire format.
func (t *Trigger) String() string {
	s := fmt.Sprintf("%s:%04X", t.Kind, t.Start)
	if t.End != t.Start {
		s += fmt.Sprintf("-%04X", t.End)
	}
	if t.Condition != nil {
		s += " if " + t.Condition.String()
	}
	return s
}

// TriggerHit describes a trigger firing.
type TriggerHit struct {
	Trigger *Trigger
	Addr    uint16
	Val     uint8
	Port    uint16
	PC      uint16
	Tstate  int
	IsWrite bool
	IsOut   bool
}

// Triggers is the unified trigger table with an O(1) side index for the
// exec hot path.
type Triggers struct {
	core *Core
	mem  *Memory

	list    []*Trigger
	byKey   map[string]*Trigger
	execSet map[uint16]struct{}
}

// NewTriggers builds an empty table over the machine's CPU and memory.
func NewTriggers(core *Core, mem *Memory) *Triggers {
	return &Triggers{
		core:    core,
		mem:     mem,
		byKey:   make(map[string]*Trigger),
		execSet: make(map[uint16]struct{}),
	}
}

// Empty reports whether the table has no entries at all; the scheduler
// skips every check and installs no hooks while this holds.
func (tr *Triggers) Empty() bool { return len(tr.list) == 0 }

// HasMemTriggers reports whether any read/write watchpoints exist.
func (tr *Triggers) HasMemTriggers() bool {
	for _, t := range tr.list {
		switch t.Kind {
		case TriggerRead, TriggerWrite, TriggerReadWrite:
			return true
		}
	}
	return false
}

// HasPortTriggers reports whether any port breakpoints exist.
func (tr *Triggers) HasPortTriggers() bool {
	for _, t := range tr.list {
		switch t.Kind {
		case TriggerPortIn, TriggerPortOut, TriggerPortIO:
			return true
		}
	}
	return false
}

// List returns the table in insertion order.
func (tr *Triggers) List() []*Trigger {
	out := make([]*Trigger, len(tr.list))
	copy(out, tr.list)
	return out
}

// Add inserts a trigger. Adding an identical one (same kind, range, page
// and mask) is idempotent and returns the existing entry.
func (tr *Triggers) Add(t *Trigger) (*Trigger, error) {
	if t.Start > t.End {
		return nil, fmt.Errorf("%w: start %04X beyond end %04X", ErrBadTriggerSpec, t.Start, t.End)
	}
	if t.Mask == 0 {
		t.Mask = 0xFFFF
	}
	if existing, ok := tr.byKey[t.key()]; ok {
		return existing, nil
	}
	t.Enabled = true
	tr.list = append(tr.list, t)
	tr.byKey[t.key()] = t
	if t.Kind == TriggerExec {
		tr.rebuildExecSet()
	}
	return t, nil
}

// AddSpec parses the wire format and adds the result.
func (tr *Triggers) AddSpec(spec string) (*Trigger, error) {
	t, err := ParseTriggerSpec(spec)
	if err != nil {
		return nil, err
	}
	return tr.Add(t)
}

// Remove drops a trigger from the table.
func (tr *Triggers) Remove(t *Trigger) {
	for i, e := range tr.list {
		if e == t {
			tr.list = append(tr.list[:i], tr.list[i+1:]...)
			delete(tr.byKey, t.key())
			if t.Kind == TriggerExec {
				tr.rebuildExecSet()
			}
			return
		}
	}
}

// Clear empties the table.
func (tr *Triggers) Clear() {
	tr.list = tr.list[:0]
	tr.byKey = make(map[string]*Trigger)
	tr.execSet = make(map[uint16]struct{})
}

// rebuildExecSet regenerates the fast exec-address index. Called on every
// table mutation that touches an exec trigger.
func (tr *Triggers) rebuildExecSet() {
	tr.execSet = make(map[uint16]struct{})
	for _, t := range tr.list {
		if t.Kind != TriggerExec {
			continue
		}
		for a := int(t.Start); a <= int(t.End); a++ {
			tr.execSet[uint16(a)] = struct{}{}
		}
	}
}

// HasExec is the O(1) hot-path test for an exec trigger at pc.
func (tr *Triggers) HasExec(pc uint16) bool {
	_, ok := tr.execSet[pc]
	return ok
}

func (tr *Triggers) pageMatches(t *Trigger, addr uint16) bool {
	if t.Page < 0 {
		return true
	}
	s := tr.mem.slots[addr>>14]
	return s.source == slotRAM && s.bank == t.Page
}

// fire applies the skip counter and condition; false means no hit.
func (tr *Triggers) fire(t *Trigger, ctx *condCtx) bool {
	if t.Condition != nil && !t.Condition.Eval(ctx) {
		return false
	}
	t.HitCount++
	return t.HitCount > t.SkipCount
}

// CheckExec tests exec triggers for an instruction about to run at pc.
func (tr *Triggers) CheckExec(pc uint16) *TriggerHit {
	ctx := condCtx{core: tr.core, mem: tr.mem, val: -1, port: -1}
	for _, t := range tr.list {
		if t.Kind != TriggerExec || !t.Enabled {
			continue
		}
		if pc < t.Start || pc > t.End || !tr.pageMatches(t, pc) {
			continue
		}
		if tr.fire(t, &ctx) {
			return &TriggerHit{Trigger: t, Addr: pc, PC: pc, Tstate: tr.core.Tstates()}
		}
	}
	return nil
}

// CheckMem tests watchpoints for a data access the CPU just performed.
func (tr *Triggers) CheckMem(addr uint16, val uint8, isWrite bool) *TriggerHit {
	ctx := condCtx{core: tr.core, mem: tr.mem, val: int(val), port: -1}
	for _, t := range tr.list {
		if !t.Enabled {
			continue
		}
		switch t.Kind {
		case TriggerRead:
			if isWrite {
				continue
			}
		case TriggerWrite:
			if !isWrite {
				continue
			}
		case TriggerReadWrite:
		default:
			continue
		}
		if addr < t.Start || addr > t.End || !tr.pageMatches(t, addr) {
			continue
		}
		if tr.fire(t, &ctx) {
			return &TriggerHit{
				Trigger: t, Addr: addr, Val: val, PC: tr.core.PC(),
				Tstate: tr.core.Tstates(), IsWrite: isWrite,
			}
		}
	}
	return nil
}

// CheckPort tests port breakpoints for an IO access.
func (tr *Triggers) CheckPort(port uint16, val uint8, isOut bool) *TriggerHit {
	ctx := condCtx{core: tr.core, mem: tr.mem, val: int(val), port: int(port)}
	for _, t := range tr.list {
		if !t.Enabled {
			continue
		}
		switch t.Kind {
		case TriggerPortIn:
			if isOut {
				continue
			}
		case TriggerPortOut:
			if !isOut {
				continue
			}
		case TriggerPortIO:
		default:
			continue
		}
		p := port & t.Mask
		if p < t.Start || p > t.End {
			continue
		}
		if tr.fire(t, &ctx) {
			return &TriggerHit{
				Trigger: t, Port: port, Val: val, PC: tr.core.PC(),
				Tstate: tr.core.Tstates(), IsOut: isOut,
			}
		}
	}
	return nil
}

// ParseTriggerSpec parses the persistence format
// "[TYPE:]ADDR[-END][ if COND]" with hex addresses.
func ParseTriggerSpec(spec string) (*Trigger, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadTriggerSpec)
	}

	t := &Trigger{Kind: TriggerExec, Page: -1, Mask: 0xFFFF}

	if i := strings.Index(strings.ToLower(s), " if "); i >= 0 {
		cond, err := ParseCondition(s[i+4:])
		if err != nil {
			return nil, err
		}
		t.Condition = cond
		s = strings.TrimSpace(s[:i])
	}

	if i := strings.IndexByte(s, ':'); i >= 0 {
		switch strings.ToUpper(s[:i]) {
		case "E":
			t.Kind = TriggerExec
		case "R":
			t.Kind = TriggerRead
		case "W":
			t.Kind = TriggerWrite
		case "RW":
			t.Kind = TriggerReadWrite
		case "PI":
			t.Kind = TriggerPortIn
		case "PO":
			t.Kind = TriggerPortOut
		case "PIO":
			t.Kind = TriggerPortIO
		default:
			return nil, fmt.Errorf("%w: unknown type %q", ErrBadTriggerSpec, s[:i])
		}
		s = s[i+1:]
	}

	addrPart := s
	endPart := ""
	if i := strings.IndexByte(s, '-'); i >= 0 {
		addrPart, endPart = s[:i], s[i+1:]
	}
	start, err := strconv.ParseUint(strings.TrimSpace(addrPart), 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q", ErrBadTriggerSpec, addrPart)
	}
	t.Start = uint16(start)
	t.End = t.Start
	if endPart != "" {
		end, err := strconv.ParseUint(strings.TrimSpace(endPart), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: end address %q", ErrBadTriggerSpec, endPart)
		}
		t.End = uint16(end)
	}
	if t.Start > t.End {
		return nil, fmt.Errorf("%w: start %04X beyond end %04X", ErrBadTriggerSpec, t.Start, t.End)
	}
	return t, nil
}
