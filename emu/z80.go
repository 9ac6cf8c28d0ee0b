package emu

import (
	"github.com/remogatto/z80"
)

// RunFlags tells the driver which optional observation features are live.
// With no flags set, every hook pointer is nil and the execution hot path
// pays nothing.
type RunFlags uint8

const (
	RunTriggers RunFlags = 1 << iota
	RunAutoMap
	RunTrace
)

// callStackDepth bounds the advisory call-stack shadow.
const callStackDepth = 32

// CallFrame is one entry of the call-stack shadow.
type CallFrame struct {
	TargetPC    uint16
	CallerPC    uint16
	IsInterrupt bool
}

// Core drives the external Z80: it owns instruction and M1 accounting,
// interrupt delivery, and the best-effort call-stack shadow built from SP
// deltas. The CPU itself calls back into Memory and Ports for every
// machine cycle, which is where contention and IO decode happen.
type Core struct {
	cpu  *z80.Z80
	mem  *Memory
	prof *Profile

	instructionCount uint64

	// eiPending holds the Z80's one-instruction interrupt delay after
	// EI: an interrupt must not be accepted until the instruction
	// following EI has executed. The driver enforces this itself rather
	// than assuming the library does.
	eiPending bool

	flags     RunFlags
	callStack []CallFrame
}

// NewCore wraps a CPU built over the machine's memory and ports.
func NewCore(prof *Profile, mem *Memory, ports *Ports) *Core {
	cpu := z80.NewZ80(mem, ports)
	return &Core{
		cpu:  cpu,
		mem:  mem,
		prof: prof,
	}
}

// CPU exposes the underlying core for register access.
func (c *Core) CPU() *z80.Z80 { return c.cpu }

// Tstates returns the frame-relative T-state counter.
func (c *Core) Tstates() int { return c.cpu.Tstates }

// InstructionCount returns the number of instructions executed. HALT
// burn cycles count as instructions, mirroring the M1 fetches they make.
func (c *Core) InstructionCount() uint64 { return c.instructionCount }

// Halted reports whether the CPU is sitting on HALT.
func (c *Core) Halted() bool { return c.cpu.Halted }

// PC returns the program counter.
func (c *Core) PC() uint16 { return c.cpu.PC() }

// SetFlags updates the observation flags.
func (c *Core) SetFlags(f RunFlags) {
	c.flags = f
	if f&RunTrace == 0 {
		c.callStack = c.callStack[:0]
	}
}

// Flags returns the active observation flags.
func (c *Core) Flags() RunFlags { return c.flags }

// Reset resets the CPU and the driver's counters.
func (c *Core) Reset() {
	c.cpu.Reset()
	c.instructionCount = 0
	c.eiPending = false
	c.callStack = c.callStack[:0]
	c.mem.m1Count = 0
	c.mem.m1Pending = false
}

// EIPending reports whether the instruction just executed was EI, so the
// next interrupt check must hold off for one more instruction.
func (c *Core) EIPending() bool { return c.eiPending }

// Execute runs exactly one instruction. A halted CPU refetches HALT,
// burning one 4 T-state M1 cycle and bumping R, which is the hardware
// behavior the frame loop counts on. Executing EI arms the
// one-instruction interrupt delay; executing anything else clears it.
func (c *Core) Execute() {
	opcode := c.mem.Peek(c.cpu.PC())
	if c.flags&RunTrace == 0 {
		c.cpu.DoOpcode()
		c.instructionCount++
		c.eiPending = opcode == 0xFB
		return
	}
	oldSP := c.cpu.SP()
	oldPC := c.cpu.PC()
	c.cpu.DoOpcode()
	c.instructionCount++
	c.eiPending = opcode == 0xFB
	c.observeStack(oldSP, oldPC)
}

// Interrupt delivers a maskable interrupt. It is refused, consuming no
// T-states, when IFF1 is clear or when the EI delay is still pending.
func (c *Core) Interrupt() int {
	if c.eiPending {
		return 0
	}
	before := c.cpu.Tstates
	oldPC := c.cpu.PC()
	c.cpu.Interrupt()
	took := c.cpu.Tstates - before
	if took > 0 && c.flags&RunTrace != 0 {
		c.pushFrame(CallFrame{TargetPC: c.cpu.PC(), CallerPC: oldPC, IsInterrupt: true})
	}
	return took
}

// NMI delivers a non-maskable interrupt.
func (c *Core) NMI() int {
	before := c.cpu.Tstates
	oldPC := c.cpu.PC()
	c.cpu.NonMaskableInterrupt()
	if c.flags&RunTrace != 0 {
		c.pushFrame(CallFrame{TargetPC: c.cpu.PC(), CallerPC: oldPC, IsInterrupt: true})
	}
	return c.cpu.Tstates - before
}

// CallStack returns a copy of the shadow stack, innermost frame last.
// The shadow is advisory: a PUSH whose value happens to look like a
// return address can fool it, and nothing may depend on it being right.
func (c *Core) CallStack() []CallFrame {
	out := make([]CallFrame, len(c.callStack))
	copy(out, c.callStack)
	return out
}

func (c *Core) pushFrame(f CallFrame) {
	if len(c.callStack) >= callStackDepth {
		copy(c.callStack, c.callStack[1:])
		c.callStack = c.callStack[:callStackDepth-1]
	}
	c.callStack = append(c.callStack, f)
}

// observeStack classifies the SP movement of the instruction just
// executed. Exactly -2 with a stacked value of oldPC+1..4 reads as a
// CALL/RST; exactly +2 with the popped value equal to the new PC reads
// as a RET; any other movement invalidates the shadow.
func (c *Core) observeStack(oldSP, oldPC uint16) {
	newSP := c.cpu.SP()
	switch newSP - oldSP {
	case 0:
		return
	case 0xFFFE: // -2
		stacked := uint16(c.mem.Peek(newSP)) | uint16(c.mem.Peek(newSP+1))<<8
		diff := stacked - oldPC
		if diff >= 1 && diff <= 4 {
			c.pushFrame(CallFrame{TargetPC: c.cpu.PC(), CallerPC: oldPC})
			return
		}
	case 2:
		if len(c.callStack) > 0 {
			popped := uint16(c.mem.Peek(oldSP)) | uint16(c.mem.Peek(oldSP+1))<<8
			if popped == c.cpu.PC() {
				c.callStack = c.callStack[:len(c.callStack)-1]
				return
			}
		}
	}
	c.callStack = c.callStack[:0]
}

// --------------------------------------------------------------------------
// Register access for conditions, traps and serialization
// --------------------------------------------------------------------------

// RFull assembles the 8-bit R register from the core's split counter.
func (c *Core) RFull() uint8 {
	return uint8(c.cpu.R)&0x7F | c.cpu.R7&0x80
}

// SetRFull stores an 8-bit R value into the split counter.
func (c *Core) SetRFull(v uint8) {
	c.cpu.R = uint16(v) & 0x7F
	c.cpu.R7 = v & 0x80
}

// Register reads a 16-bit register (or 8-bit widened) by name. The bool
// result is false for names the condition language does not know.
func (c *Core) Register(name string) (uint16, bool) {
	z := c.cpu
	switch name {
	case "A":
		return uint16(z.A), true
	case "F":
		return uint16(z.F), true
	case "AF":
		return uint16(z.A)<<8 | uint16(z.F), true
	case "BC":
		return z.BC(), true
	case "DE":
		return z.DE(), true
	case "HL":
		return z.HL(), true
	case "IX":
		return z.IX(), true
	case "IY":
		return z.IY(), true
	case "SP":
		return z.SP(), true
	case "PC":
		return z.PC(), true
	case "I":
		return uint16(z.I), true
	case "R":
		return uint16(c.RFull()), true
	case "A'":
		return uint16(z.A_), true
	case "F'":
		return uint16(z.F_), true
	case "AF'":
		return uint16(z.A_)<<8 | uint16(z.F_), true
	case "BC'":
		return uint16(z.B_)<<8 | uint16(z.C_), true
	case "DE'":
		return uint16(z.D_)<<8 | uint16(z.E_), true
	case "HL'":
		return uint16(z.H_)<<8 | uint16(z.L_), true
	case "T", "TSTATES":
		return uint16(z.Tstates), true
	}
	return 0, false
}
