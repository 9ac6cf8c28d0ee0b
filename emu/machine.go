package emu

// LevelChange is one audio-level edge within a frame.
type LevelChange struct {
	Tstate int
	Level  int
}

// FrameAudio is what one frame hands to the audio sink: beeper and tape
// edges plus rendered AY samples.
type FrameAudio struct {
	Beeper  []LevelChange
	TapeEar []LevelChange
	AY      []float32
	Tstates int
	ClockHz int
}

// AudioSink consumes per-frame audio deltas. Attached at frame
// boundaries only; the core never calls into it mid-frame.
type AudioSink interface {
	SampleRate() int
	PushFrame(FrameAudio)
}

// FrameStats summarizes one frame for callers and tests.
type FrameStats struct {
	Instructions uint64
	M1Cycles     uint64
	Tstates      int
	Contention   int
	Scanlines    int
	IntFired     bool
	HaltTraced   bool
}

// pendingInt tracks a frame-boundary interrupt during single-stepping.
type pendingInt struct {
	active   bool
	fireAt   int
	pulseEnd int
}

// Machine composes the CPU, memory, ULA and peripherals into the
// frame-stepping state machine. One goroutine owns a Machine; suspension
// points are frame boundaries only.
type Machine struct {
	prof Profile

	mem   *Memory
	cont  *Contention
	ula   *ULA
	ports *Ports
	core  *Core
	ay    *AY
	tape  *TapePlayer
	beta  *BetaDisk
	fdc   *FDC

	triggers *Triggers
	traps    *Traps

	running bool

	frameStartOffset int
	nextScanline     int
	intFired         bool
	haltTraced       bool

	pending pendingInt

	pendingHit  *TriggerHit
	frameHit    *TriggerHit
	lastTrigger *TriggerHit
	onTrigger   func(*TriggerHit)

	fetchObserver func(addr uint16)
	inputPoller   func()
	audioSink     AudioSink

	frameCounter uint64
	stats        FrameStats
}

// NewMachine builds a machine for the given model. An unknown model is
// fatal here; there is no default.
func NewMachine(mt MachineType) (*Machine, error) {
	prof, err := ProfileFor(mt)
	if err != nil {
		return nil, err
	}

	m := &Machine{prof: prof}
	m.cont = NewContention(&m.prof)
	m.mem = NewMemory(&m.prof)
	m.mem.cont = m.cont
	m.ula = NewULA(&m.prof, m.mem)
	m.ay = NewAY(prof.AYClockHz)
	m.beta = NewBetaDisk()
	m.fdc = NewFDC()
	m.ports = NewPorts(&m.prof, m.mem, m.ula, m.ay, m.beta, m.fdc, m.cont)
	m.core = NewCore(&m.prof, m.mem, m.ports)
	m.cont.attach(m.core.CPU(), m.mem)
	m.tape = NewTapePlayer()
	m.ula.SetEARSource(m.tape.EarBit)
	m.triggers = NewTriggers(m.core, m.mem)
	m.traps = NewTraps(m)
	m.core.Reset()
	return m, nil
}

// Profile returns the machine's constants record.
func (m *Machine) Profile() *Profile { return &m.prof }

// Core returns the CPU driver for register access.
func (m *Machine) Core() *Core { return m.core }

// Memory returns the banked memory.
func (m *Machine) Memory() *Memory { return m.mem }

// ULA returns the video/keyboard chip.
func (m *Machine) ULA() *ULA { return m.ula }

// Ports returns the IO dispatch.
func (m *Machine) Ports() *Ports { return m.ports }

// AY returns the sound chip.
func (m *Machine) AY() *AY { return m.ay }

// Tape returns the tape player.
func (m *Machine) Tape() *TapePlayer { return m.tape }

// BetaDisk returns the Beta-Disk façade.
func (m *Machine) BetaDisk() *BetaDisk { return m.beta }

// FDC returns the uPD765 façade.
func (m *Machine) FDC() *FDC { return m.fdc }

// Traps returns the PC-trap layer.
func (m *Machine) Traps() *Traps { return m.traps }

// SetAudioSink attaches (or detaches, with nil) the audio receiver.
func (m *Machine) SetAudioSink(s AudioSink) { m.audioSink = s }

// SetInputPoller installs the input snapshot callback run at frame start.
func (m *Machine) SetInputPoller(f func()) { m.inputPoller = f }

// SetFetchObserver installs the M1-address observer used by auto-map
// tooling, and enables the fetch hook that feeds it.
func (m *Machine) SetFetchObserver(f func(addr uint16)) {
	m.fetchObserver = f
	m.refreshHooks()
}

// SetTriggerCallback installs the function called when a trigger stops
// the machine.
func (m *Machine) SetTriggerCallback(f func(*TriggerHit)) { m.onTrigger = f }

// LastTrigger returns the most recent trigger hit, if any.
func (m *Machine) LastTrigger() *TriggerHit { return m.lastTrigger }

// Stats returns the last completed frame's summary.
func (m *Machine) Stats() FrameStats { return m.stats }

// FrameCounter returns the number of frames run, for RZX accounting.
func (m *Machine) FrameCounter() uint64 { return m.frameCounter }

// Stop clears the run flag; the frame loop exits before the next
// instruction.
func (m *Machine) Stop() { m.running = false }

// Reset performs a hard reset: CPU, paging latches and peripherals.
func (m *Machine) Reset() {
	m.core.Reset()
	m.mem.ResetPaging()
	m.ay.Reset()
	m.beta.Reset()
	m.fdc.Reset()
	m.pending = pendingInt{}
	m.pendingHit = nil
	m.haltTraced = false
}

// --------------------------------------------------------------------------
// Trigger table plumbing
// --------------------------------------------------------------------------

// Triggers returns the trigger table. Mutate through the Machine methods
// so the hook gating stays in sync.
func (m *Machine) Triggers() *Triggers { return m.triggers }

// AddTrigger inserts a trigger and refreshes hook gating.
func (m *Machine) AddTrigger(t *Trigger) (*Trigger, error) {
	added, err := m.triggers.Add(t)
	if err != nil {
		return nil, err
	}
	m.refreshHooks()
	return added, nil
}

// AddTriggerSpec parses and inserts a wire-format trigger.
func (m *Machine) AddTriggerSpec(spec string) (*Trigger, error) {
	added, err := m.triggers.AddSpec(spec)
	if err != nil {
		return nil, err
	}
	m.refreshHooks()
	return added, nil
}

// RemoveTrigger drops a trigger and refreshes hook gating.
func (m *Machine) RemoveTrigger(t *Trigger) {
	m.triggers.Remove(t)
	m.refreshHooks()
}

// ClearTriggers empties the table and removes every hook.
func (m *Machine) ClearTriggers() {
	m.triggers.Clear()
	m.refreshHooks()
}

// refreshHooks installs or nulls the memory/port callbacks so that an
// idle machine pays nothing for the debug machinery.
func (m *Machine) refreshHooks() {
	var flags RunFlags

	if m.triggers.HasMemTriggers() {
		flags |= RunTriggers
		m.mem.readHook = func(addr uint16, val uint8) {
			if m.pendingHit == nil {
				m.pendingHit = m.triggers.CheckMem(addr, val, false)
			}
		}
		m.mem.writeHook = func(addr uint16, val uint8) {
			if m.pendingHit == nil {
				m.pendingHit = m.triggers.CheckMem(addr, val, true)
			}
		}
	} else {
		m.mem.readHook = nil
		m.mem.writeHook = nil
	}

	if m.triggers.HasPortTriggers() {
		flags |= RunTriggers
		m.ports.inHook = func(port uint16, val uint8) {
			if m.pendingHit == nil {
				m.pendingHit = m.triggers.CheckPort(port, val, false)
			}
		}
		m.ports.outHook = func(port uint16, val uint8) {
			if m.pendingHit == nil {
				m.pendingHit = m.triggers.CheckPort(port, val, true)
			}
		}
	} else {
		m.ports.inHook = nil
		m.ports.outHook = nil
	}

	if m.fetchObserver != nil {
		flags |= RunAutoMap
		m.mem.fetchHook = m.fetchObserver
	} else {
		m.mem.fetchHook = nil
	}

	flags |= m.core.Flags() & RunTrace
	m.core.SetFlags(flags)
}

// EnableCallTrace switches the advisory call-stack shadow on or off.
func (m *Machine) EnableCallTrace(on bool) {
	if on {
		m.core.SetFlags(m.core.Flags() | RunTrace)
	} else {
		m.core.SetFlags(m.core.Flags() &^ RunTrace)
	}
}

// --------------------------------------------------------------------------
// The frame loop
// --------------------------------------------------------------------------

// RunFrame advances the machine by one display frame, or less if a
// trigger fires. It returns the hit that stopped the frame, nil on a
// full frame.
func (m *Machine) RunFrame() *TriggerHit {
	cpu := m.core.CPU()
	tpf := m.prof.TstatesPerFrame

	// Carry the previous frame's overshoot into this one
	if cpu.Tstates >= tpf {
		cpu.Tstates -= tpf
		m.tape.AdjustFrameBoundary(tpf)
	}
	if cpu.Tstates < 0 || cpu.Tstates >= tpf {
		cpu.Tstates = 0
	}
	cpu.EventNextEvent = tpf

	m.frameStartOffset = cpu.Tstates
	m.cont.ResetAccumulated()
	m.ports.StartFrame()
	m.pendingHit = nil
	m.frameHit = nil
	m.haltTraced = false
	m.intFired = false
	m.pending = pendingInt{}
	startM1 := m.mem.M1Count()
	startInstr := m.core.InstructionCount()

	if m.inputPoller != nil {
		m.inputPoller()
	}
	m.ula.StartFrame()
	m.nextScanline = 0

	earlyIntPoint := tpf
	if m.prof.EarlyIntTiming {
		earlyIntPoint = tpf - 4
	}

	// Fire the frame interrupt while the pulse is still high. An EI
	// executed as the previous frame's last instruction holds the
	// acknowledge off for one more instruction.
	if cpu.Tstates < m.prof.IntPulseDuration && cpu.IFF1 != 0 && !m.core.EIPending() {
		if m.core.Halted() {
			// One HALT NOP completes before the acknowledge
			m.core.Execute()
		}
		if m.core.Interrupt() > 0 {
			m.intFired = true
		}
	}

	m.running = true
	checkExec := !m.triggers.Empty()

	for cpu.Tstates < tpf && m.running {
		m.emitScanlines(cpu.Tstates)

		pc := cpu.PC()
		if m.ports.BetaDiskEnabled() {
			m.mem.UpdateTRDOSOverlay(pc)
		}

		if checkExec && m.triggers.HasExec(pc) {
			if hit := m.triggers.CheckExec(pc); hit != nil {
				m.finishOnTrigger(hit)
				break
			}
		}

		if m.traps.TryFetch(pc) {
			continue
		}

		if m.core.Halted() && m.prof.EarlyIntTiming &&
			cpu.Tstates >= earlyIntPoint && cpu.IFF1 != 0 {
			// 48K early timing: a halted CPU sees INT rise 4 T-states
			// before the frame boundary and leaves HALT within the
			// same cycle
			if m.core.Interrupt() > 0 {
				continue
			}
		}

		m.core.Execute()
		if m.core.Halted() && !m.haltTraced {
			m.haltTraced = true
		}

		m.tape.Update(cpu.Tstates)

		if m.pendingHit != nil {
			m.finishOnTrigger(m.pendingHit)
			break
		}
	}

	m.ula.EndFrame()
	m.pushAudio(cpu.Tstates - m.frameStartOffset)
	m.frameCounter++

	m.stats = FrameStats{
		Instructions: m.core.InstructionCount() - startInstr,
		M1Cycles:     m.mem.M1Count() - startM1,
		Tstates:      cpu.Tstates - m.frameStartOffset,
		Contention:   m.cont.Accumulated(),
		Scanlines:    tpf / m.prof.TstatesPerLine,
		IntFired:     m.intFired,
		HaltTraced:   m.haltTraced,
	}
	return m.frameHit
}

// emitScanlines renders every visible row whose T-states have fully
// elapsed. Emission happens strictly between instructions.
func (m *Machine) emitScanlines(t int) {
	for m.nextScanline < ScreenHeight {
		end := m.prof.LineStartTstate(m.nextScanline) + ScreenWidth/2
		if end > t {
			return
		}
		m.ula.RenderScanline(m.nextScanline)
		m.nextScanline++
	}
}

// finishOnTrigger closes the frame cleanly on a trigger hit: rendering
// is finalized by the common frame-end path, the machine stops, and the
// caller is notified.
func (m *Machine) finishOnTrigger(hit *TriggerHit) {
	m.pendingHit = nil
	m.frameHit = hit
	m.lastTrigger = hit
	m.running = false
	if m.onTrigger != nil {
		m.onTrigger(hit)
	}
}

// pushAudio assembles the frame's audio deltas for the sink.
func (m *Machine) pushAudio(tstates int) {
	if m.audioSink == nil {
		return
	}
	audio := FrameAudio{
		Tstates: tstates,
		ClockHz: m.prof.CPUClockHz,
	}
	for _, c := range m.ports.BeeperChanges() {
		audio.Beeper = append(audio.Beeper, LevelChange{c.tstate - m.frameStartOffset, c.value})
	}
	for _, c := range m.tape.EarChanges() {
		audio.TapeEar = append(audio.TapeEar, LevelChange{c.tstate - m.frameStartOffset, c.value})
	}
	if m.prof.HasAY {
		rate := m.audioSink.SampleRate()
		n := int(int64(rate) * int64(tstates) / int64(m.prof.CPUClockHz))
		audio.AY = m.ay.Render(n, rate)
	}
	m.audioSink.PushFrame(audio)
}

// --------------------------------------------------------------------------
// Single stepping
// --------------------------------------------------------------------------

// Step executes one instruction, handling the frame boundary and the
// deferred interrupt the way the frame loop would.
func (m *Machine) Step() {
	m.handleFrameBoundary()

	pc := m.core.PC()
	if m.ports.BetaDiskEnabled() {
		m.mem.UpdateTRDOSOverlay(pc)
	}
	if m.traps.TryFetch(pc) {
		return
	}
	m.core.Execute()
	m.tape.Update(m.core.Tstates())
}

// handleFrameBoundary mirrors the frame loop's interrupt logic for
// single-step mode: crossing the boundary arms a pending interrupt that
// fires on a later step once the CPU is inside the pulse with
// interrupts enabled.
func (m *Machine) handleFrameBoundary() {
	cpu := m.core.CPU()
	tpf := m.prof.TstatesPerFrame

	if cpu.Tstates >= tpf && !m.pending.active {
		cpu.Tstates -= tpf
		m.tape.AdjustFrameBoundary(tpf)
		m.ula.EndFrame()
		m.ula.StartFrame()
		m.nextScanline = 0
		m.ports.StartFrame()
		m.cont.ResetAccumulated()
		m.frameStartOffset = 0
		m.frameCounter++
		m.pending = pendingInt{
			active:   true,
			fireAt:   0,
			pulseEnd: m.prof.IntPulseDuration,
		}
	}

	if m.pending.active {
		switch {
		case cpu.Tstates >= m.pending.pulseEnd:
			m.pending.active = false
		case cpu.Tstates >= m.pending.fireAt:
			// Refused acknowledges (IFF1 clear, or the EI delay still
			// pending) leave the interrupt armed for the next step
			if m.core.Interrupt() > 0 {
				m.pending.active = false
			}
		}
	}
}
