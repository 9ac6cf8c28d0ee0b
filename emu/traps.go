package emu

// ROM addresses the trap layer can intercept.
const (
	// LD-BYTES entry in the 48K BASIC ROM: the slow tape loader.
	tapeLoadTrapPC = 0x0556

	// TR-DOS system-call entry used by programs to run disk commands.
	trdosEntryPC = 0x3D13
)

// TR-DOS function codes (register C at 0x3D13).
const (
	trdosFnReadSectors = 0x05
)

// Traps short-circuits well-known ROM routines with instant
// implementations. A handled fetch makes the scheduler skip the CPU for
// that step; the trap has already produced the routine's visible effect.
type Traps struct {
	m *Machine

	tapeTrap  bool
	trdosTrap bool
}

// NewTraps builds the trap layer, everything disabled.
func NewTraps(m *Machine) *Traps {
	return &Traps{m: m}
}

// EnableTapeTrap switches the instant tape loader on or off.
func (t *Traps) EnableTapeTrap(on bool) { t.tapeTrap = on }

// EnableTRDOSTrap switches the instant TR-DOS sector ops on or off.
func (t *Traps) EnableTRDOSTrap(on bool) { t.trdosTrap = on }

// TryFetch gives the traps a chance to claim the instruction about to be
// fetched. Returns true when the fetch was handled.
func (t *Traps) TryFetch(pc uint16) bool {
	if t.tapeTrap && pc == tapeLoadTrapPC && t.tapeTrapApplies() {
		return t.runTapeTrap()
	}
	if t.trdosTrap && pc == trdosEntryPC && t.m.mem.TRDOSActive() {
		return t.runTRDOSTrap()
	}
	return false
}

// tapeTrapApplies requires the BASIC ROM in slot 0 (the trap address is
// meaningless in any other bank) and a block under the tape head.
func (t *Traps) tapeTrapApplies() bool {
	mem := t.m.mem
	if mem.TRDOSActive() || mem.CurrentROMBank() != t.m.prof.BasicROMBank {
		return false
	}
	_, ok := t.m.tape.CurrentBlock()
	return ok
}

// runTapeTrap performs LD-BYTES instantly: the block under the head is
// matched against the flag byte in A', copied to IX for DE bytes, and
// the routine's register/flag contract is reproduced before returning to
// the caller.
func (t *Traps) runTapeTrap() bool {
	cpu := t.m.core.CPU()
	block, _ := t.m.tape.CurrentBlock()

	wantFlag := cpu.A_
	loading := cpu.F_&0x01 != 0 // carry' clear means VERIFY

	if block.Flag() != wantFlag || len(block.Data) < 2 {
		// Flag mismatch: LD-BYTES returns with carry clear
		cpu.F &^= 0x01
		t.m.tape.SkipBlock()
		t.trapReturn()
		return true
	}

	payload := block.Data[1 : len(block.Data)-1]
	length := int(cpu.DE())
	if length > len(payload) {
		length = len(payload)
	}
	dest := cpu.IX()
	if loading {
		for i := 0; i < length; i++ {
			t.m.mem.Poke(dest+uint16(i), payload[i])
		}
	}
	cpu.SetIX(dest + uint16(length))
	cpu.SetDE(cpu.DE() - uint16(length))
	cpu.A = 0
	cpu.F |= 0x01 // success: carry set

	t.m.tape.SkipBlock()
	t.trapReturn()
	return true
}

// runTRDOSTrap serves the sector-level TR-DOS entry from the disk image
// directly. Unknown functions fall through to the ROM.
func (t *Traps) runTRDOSTrap() bool {
	cpu := t.m.core.CPU()
	disk := t.m.beta.Disk()
	if disk == nil || cpu.C != trdosFnReadSectors {
		return false
	}

	count := int(cpu.B)
	track := int(cpu.D)
	sector := int(cpu.E)
	dest := cpu.HL()

	for i := 0; i < count; i++ {
		data, ok := disk.ReadSector(track, sector)
		if !ok {
			cpu.A = 0xFF
			cpu.F |= 0x01
			t.trapReturn()
			return true
		}
		for j, b := range data {
			t.m.mem.Poke(dest+uint16(j), b)
		}
		dest += uint16(len(data))
		sector++
		if sector > 16 {
			sector = 1
			track++
		}
	}
	cpu.SetHL(dest)
	cpu.A = 0
	cpu.F &^= 0x01

	t.trapReturn()
	return true
}

// trapReturn pops the caller's address like the routine's final RET.
func (t *Traps) trapReturn() {
	cpu := t.m.core.CPU()
	sp := cpu.SP()
	lo := uint16(t.m.mem.Peek(sp))
	hi := uint16(t.m.mem.Peek(sp + 1))
	cpu.SetSP(sp + 2)
	cpu.SetPC(hi<<8 | lo)
}
