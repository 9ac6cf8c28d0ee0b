package emu

import "testing"

// TestMachine_NOPFrameWithInterrupt runs a frame of NOPs with IM 1 and
// interrupts enabled: exactly one acknowledge at frame start, the CPU
// lands in the (zero-filled, so NOP) ROM handler at 0x0038, and the
// T-state counter ends just past the frame length.
func TestMachine_NOPFrameWithInterrupt(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()
	tpf := m.Profile().TstatesPerFrame

	fillNOPs(m, 0x8000, 0x1000)
	cpu.SetPC(0x8000)
	cpu.SetSP(0xFF00)
	cpu.IFF1, cpu.IFF2 = 1, 1
	cpu.IM = 1

	if hit := m.RunFrame(); hit != nil {
		t.Fatalf("unexpected trigger hit: %+v", hit)
	}

	stats := m.Stats()
	if !stats.IntFired {
		t.Error("frame interrupt did not fire")
	}
	if cpu.IFF1 != 0 {
		t.Error("IM 1 acknowledge should clear IFF1")
	}
	if pc := cpu.PC(); pc <= 0x0038 || pc >= 0x8000 {
		t.Errorf("PC = 0x%04X, want inside the NOP run after 0x0038", pc)
	}
	if cpu.Tstates < tpf || cpu.Tstates > tpf+23 {
		t.Errorf("frame ended at T=%d, want within [%d, %d]", cpu.Tstates, tpf, tpf+23)
	}
	if stats.Scanlines != 312 {
		t.Errorf("scanlines = %d, want 312", stats.Scanlines)
	}
	if stats.Instructions < 15000 || stats.Instructions > 17600 {
		t.Errorf("instructions = %d, outside the plausible NOP-frame range", stats.Instructions)
	}

	// Second frame: IFF1 is now clear, so no further acknowledge, and
	// the overshoot carries over
	m.RunFrame()
	if m.Stats().IntFired {
		t.Error("second frame fired an interrupt with IFF1 clear")
	}
	if cpu.Tstates < tpf || cpu.Tstates > tpf+23 {
		t.Errorf("second frame ended at T=%d", cpu.Tstates)
	}
}

// TestMachine_ContentionMeasurement executes 100 NOPs from contended
// memory and requires the accumulated delay to equal the sum the
// contention table predicts for each fetch.
func TestMachine_ContentionMeasurement(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()

	const nops = 100
	fillNOPs(m, 0x4000, nops+1)
	cpu.SetPC(0x4000)
	cpu.IFF1 = 0
	cpu.Tstates = 14336

	if _, err := m.AddTriggerSpec("E:4064"); err != nil {
		t.Fatalf("AddTriggerSpec: %v", err)
	}

	// Independent prediction straight from the specification formula
	table := []int{6, 5, 4, 3, 2, 1, 0, 0}
	expected := 0
	tt := 14336
	for i := 0; i < nops; i++ {
		d := 0
		if tt >= 14335 && tt < 14335+192*224 {
			phase := (tt - 14335) % 224
			if phase&0x80 == 0 {
				d = table[phase&0x07]
			}
		}
		expected += d
		tt += d + 4
	}

	hit := m.RunFrame()
	if hit == nil {
		t.Fatal("expected the exec trigger to stop the machine")
	}
	if hit.Addr != 0x4064 {
		t.Errorf("stopped at 0x%04X, want 0x4064", hit.Addr)
	}
	if got := m.Stats().Contention; got != expected {
		t.Errorf("accumulated contention %d, want %d", got, expected)
	}
	if cpu.Tstates != 14336+4*nops+expected {
		t.Errorf("T=%d, want %d", cpu.Tstates, 14336+4*nops+expected)
	}
}

// TestMachine_PagingLockProgram runs the 128K lock sequence as machine
// code: OUT 0x20 to 0x7FFD locks, a following OUT 0x01 must not page.
func TestMachine_PagingLockProgram(t *testing.T) {
	m := newTestMachine(t, Machine128K)
	cpu := m.Core().CPU()

	m.Memory().RAMBank(0)[0x100] = 0xA0
	m.Memory().RAMBank(1)[0x100] = 0xA1

	pokeCode(m, 0x8000,
		0x01, 0xFD, 0x7F, // LD BC,0x7FFD
		0x3E, 0x20, // LD A,0x20
		0xED, 0x79, // OUT (C),A
		0x3E, 0x01, // LD A,0x01
		0xED, 0x79, // OUT (C),A
		0x76, // HALT
	)
	cpu.IFF1 = 0

	m.RunFrame()

	mem := m.Memory()
	if !mem.PagingLocked() {
		t.Fatal("paging should be locked")
	}
	if mem.CurrentRAMBank() != 0 {
		t.Errorf("RAM bank at 0xC000 = %d, want 0 (locked)", mem.CurrentRAMBank())
	}
	if got := mem.Peek(0xC100); got != 0xA0 {
		t.Errorf("0xC100 reads 0x%02X, want bank 0 tag 0xA0", got)
	}
	if !m.Stats().HaltTraced {
		t.Error("HALT was not traced")
	}
}

// TestMachine_TriggerCondition: an exec trigger with a register
// condition fires only once the register matches.
func TestMachine_TriggerCondition(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()

	fillNOPs(m, 0x8000, 0x200)
	tr, err := m.AddTriggerSpec("E:8000 if HL == 1234h")
	if err != nil {
		t.Fatalf("AddTriggerSpec: %v", err)
	}

	cpu.SetPC(0x8000)
	cpu.SetHL(0)
	cpu.IFF1 = 0
	if hit := m.RunFrame(); hit != nil {
		t.Fatalf("trigger fired with HL=0: %+v", hit)
	}
	if tr.HitCount != 0 {
		t.Errorf("hit count %d after non-matching run", tr.HitCount)
	}

	cpu.SetPC(0x8000)
	cpu.SetHL(0x1234)
	hit := m.RunFrame()
	if hit == nil {
		t.Fatal("trigger did not fire with HL=0x1234")
	}
	if hit.Addr != 0x8000 || hit.Trigger != tr {
		t.Errorf("hit %+v, want addr 0x8000 on the added trigger", hit)
	}
	if tr.HitCount != 1 {
		t.Errorf("hit count %d, want 1", tr.HitCount)
	}
	if m.LastTrigger() != hit {
		t.Error("LastTrigger should report the hit")
	}
}

// TestMachine_Watchpoint: a write watchpoint latched inside an
// instruction stops the machine after that instruction, with the frame
// closed cleanly.
func TestMachine_Watchpoint(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()

	pokeCode(m, 0x8000,
		0x3E, 0x55, // LD A,0x55
		0x32, 0x00, 0x90, // LD (0x9000),A
		0x76, // HALT
	)
	cpu.IFF1 = 0

	if _, err := m.AddTriggerSpec("W:9000"); err != nil {
		t.Fatalf("AddTriggerSpec: %v", err)
	}

	var cbHit *TriggerHit
	m.SetTriggerCallback(func(h *TriggerHit) { cbHit = h })

	hit := m.RunFrame()
	if hit == nil {
		t.Fatal("watchpoint did not fire")
	}
	if !hit.IsWrite || hit.Addr != 0x9000 || hit.Val != 0x55 {
		t.Errorf("hit %+v, want write of 0x55 at 0x9000", hit)
	}
	if cbHit != hit {
		t.Error("trigger callback not invoked with the hit")
	}
	if cpu.Tstates >= m.Profile().TstatesPerFrame {
		t.Error("machine should have stopped mid-frame")
	}
	if m.ULA().lastRenderedLine != ScreenHeight-1 {
		t.Error("frame was not closed cleanly on the trigger hit")
	}
	if got := m.Memory().Peek(0x9000); got != 0x55 {
		t.Errorf("the watched write itself must land: got 0x%02X", got)
	}
}

// TestMachine_PortTrigger: an OUT breakpoint with a low-byte mask stops
// on the border port regardless of the high byte.
func TestMachine_PortTrigger(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()

	pokeCode(m, 0x8000,
		0x3E, 0x02, // LD A,0x02
		0xD3, 0xFE, // OUT (0xFE),A
		0x76, // HALT
	)
	cpu.IFF1 = 0

	_, err := m.AddTrigger(&Trigger{
		Kind: TriggerPortOut, Start: 0x00FE, End: 0x00FE, Page: -1, Mask: 0x00FF,
	})
	if err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}

	hit := m.RunFrame()
	if hit == nil {
		t.Fatal("port trigger did not fire")
	}
	if !hit.IsOut || hit.Val != 0x02 {
		t.Errorf("hit %+v, want OUT of 0x02", hit)
	}
	if hit.Port&0x00FF != 0x00FE {
		t.Errorf("port 0x%04X, want low byte 0xFE", hit.Port)
	}
}

// TestMachine_BorderAndBeeperOut checks that an OUT to 0xFE lands in the
// border change list and the beeper edge list.
func TestMachine_BorderAndBeeperOut(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()

	pokeCode(m, 0x8000,
		0x3E, 0x15, // LD A,0x15: border cyan, beeper bit set
		0xD3, 0xFE, // OUT (0xFE),A
		0x76, // HALT
	)
	cpu.IFF1 = 0

	m.RunFrame()

	u := m.ULA()
	if u.BorderColor() != 5 {
		t.Errorf("border color %d, want 5", u.BorderColor())
	}
	edges := m.Ports().BeeperChanges()
	if len(edges) != 1 {
		t.Fatalf("beeper edges %d, want 1", len(edges))
	}
	if edges[0].value != 3 {
		t.Errorf("beeper level %d, want 3 (EAR high, MIC low)", edges[0].value)
	}
}

// TestMachine_StepFrameBoundary single-steps across the frame boundary
// and expects the deferred interrupt to fire once inside the pulse.
func TestMachine_StepFrameBoundary(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()
	tpf := m.Profile().TstatesPerFrame

	fillNOPs(m, 0x8000, 0x100)
	cpu.SetPC(0x8000)
	cpu.SetSP(0xFF00)
	cpu.IFF1, cpu.IFF2 = 1, 1
	cpu.IM = 1
	cpu.Tstates = tpf - 10

	for i := 0; i < 8 && cpu.IFF1 != 0; i++ {
		m.Step()
	}
	if cpu.IFF1 != 0 {
		t.Fatal("boundary interrupt never fired")
	}
	// The step that fired the interrupt also ran the handler's first
	// instruction, so PC sits just past 0x0038
	if pc := cpu.PC(); pc < 0x0038 || pc > 0x0040 {
		t.Errorf("PC = 0x%04X, want just past 0x0038", pc)
	}
	if cpu.Tstates >= tpf {
		t.Errorf("T-states %d not carried over", cpu.Tstates)
	}
}

// TestMachine_EIHaltIdiom runs the canonical EI \ HALT frame-sync
// sequence: the EI delay lets HALT execute before any acknowledge, and
// the next frame's interrupt wakes the CPU exactly once.
func TestMachine_EIHaltIdiom(t *testing.T) {
	m := newTestMachine(t, MachinePentagon)
	cpu := m.Core().CPU()

	pokeCode(m, 0x8000, 0xFB, 0x76) // EI; HALT
	cpu.SetSP(0xFF00)
	cpu.IFF1 = 0
	cpu.IM = 1

	m.RunFrame()
	if m.Stats().IntFired {
		t.Error("no interrupt may fire in the frame that executes EI with IFF1 initially clear")
	}
	if !m.Core().Halted() {
		t.Fatal("CPU should be parked on HALT at frame end")
	}
	if cpu.IFF1 == 0 {
		t.Fatal("EI should have set IFF1")
	}

	m.RunFrame()
	if !m.Stats().IntFired {
		t.Fatal("frame interrupt should wake the HALT")
	}
	if cpu.IFF1 != 0 {
		t.Error("acknowledge should clear IFF1")
	}
	if m.Core().Halted() {
		t.Error("CPU should have left HALT")
	}
}

// TestMachine_StepEIDelay: in single-step mode, a pending boundary
// interrupt is held off while the EI delay is armed and fires on the
// following step.
func TestMachine_StepEIDelay(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()
	tpf := m.Profile().TstatesPerFrame

	pokeCode(m, 0x8000, 0xFB, 0x00, 0x00) // EI; NOP; NOP
	cpu.SetSP(0xFF00)
	cpu.IFF1 = 0
	cpu.IM = 1
	cpu.Tstates = tpf - 2

	m.Step() // EI crosses the frame boundary
	if cpu.IFF1 == 0 || !m.Core().EIPending() {
		t.Fatal("EI should set IFF1 and arm the delay")
	}

	m.Step() // boundary arms the pending INT; the delay refuses it
	if pc := cpu.PC(); pc != 0x8002 {
		t.Fatalf("PC = 0x%04X: the interrupt must wait out the EI delay", pc)
	}
	if cpu.IFF1 == 0 {
		t.Fatal("interrupt fired during the EI delay")
	}

	m.Step() // deferred interrupt fires now
	if cpu.IFF1 != 0 {
		t.Fatal("deferred boundary interrupt never fired")
	}
	if pc := cpu.PC(); pc < 0x0038 || pc > 0x0040 {
		t.Errorf("PC = 0x%04X, want just past the IM 1 vector", pc)
	}
}

// TestMachine_HaltForever: a HALT with interrupts disabled burns whole
// frames; that is not an error.
func TestMachine_HaltForever(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()
	tpf := m.Profile().TstatesPerFrame

	pokeCode(m, 0x8000, 0x76) // HALT
	cpu.IFF1 = 0

	for i := 0; i < 3; i++ {
		if hit := m.RunFrame(); hit != nil {
			t.Fatalf("frame %d: unexpected hit", i)
		}
		if cpu.Tstates < tpf || cpu.Tstates > tpf+8 {
			t.Errorf("frame %d ended at T=%d", i, cpu.Tstates)
		}
	}
	if !m.Core().Halted() {
		t.Error("CPU should still be halted")
	}
	if !m.Stats().HaltTraced {
		t.Error("halt not traced")
	}
}

// TestMachine_EarlyIntWakesHalt: on the 48K with early timing, a halted
// CPU with interrupts enabled sees INT rise 4 T-states before the frame
// boundary.
func TestMachine_EarlyIntWakesHalt(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()

	pokeCode(m, 0x8000, 0x76)
	cpu.SetSP(0xFF00)
	cpu.IFF1, cpu.IFF2 = 1, 1
	cpu.IM = 1
	cpu.Tstates = 40 // past the pulse, so no frame-start acknowledge

	m.RunFrame()
	if pc := cpu.PC(); pc != 0x0038 {
		t.Errorf("PC = 0x%04X, want 0x0038 from the early interrupt", pc)
	}
	if cpu.IFF1 != 0 {
		t.Error("early acknowledge should clear IFF1")
	}
}

// TestMachine_StopMidFrame: a trigger hit ends the frame early; once the
// table is cleared, the next frame runs on from where the hit stopped it.
func TestMachine_StopMidFrame(t *testing.T) {
	m := newTestMachine(t, Machine48K)
	cpu := m.Core().CPU()
	fillNOPs(m, 0x8000, 0x100)
	cpu.SetPC(0x8000)
	cpu.IFF1 = 0

	if _, err := m.AddTriggerSpec("E:8010"); err != nil {
		t.Fatal(err)
	}
	if hit := m.RunFrame(); hit == nil {
		t.Fatal("expected hit at 0x8010")
	}
	before := cpu.Tstates

	m.ClearTriggers()
	if hit := m.RunFrame(); hit != nil {
		t.Fatalf("cleared table still fired: %+v", hit)
	}
	if cpu.Tstates <= before {
		t.Error("machine did not resume after the trigger stop")
	}
}
