package emu

import (
	"errors"
	"fmt"
)

// BankSize is the size of one ROM or RAM bank.
const BankSize = 0x4000

// ErrBadROMSize is returned when a ROM image is not exactly one bank.
var ErrBadROMSize = errors.New("ROM image must be 16384 bytes")

// ErrBadBank is returned for a bank index outside the current profile.
var ErrBadBank = errors.New("bank index out of range for profile")

// slotSource says what backs a 16 KiB slot
type slotSource int

const (
	slotROM slotSource = iota
	slotRAM
	slotTRDOS
)

type slot struct {
	source   slotSource
	bank     int
	writable bool
}

// Memory implements the banked Spectrum memory map: four 16 KiB slots over
// ROM banks, RAM banks and the TR-DOS overlay, driven by the per-model
// paging latches. It also implements z80.MemoryAccessor, so every CPU
// memory cycle flows through here and picks up its MREQ timing.
type Memory struct {
	prof *Profile

	romBanks [][]uint8
	ramBanks [][]uint8
	trdosROM []uint8

	slots [4]slot

	port7FFD       uint8
	port1FFD       uint8
	currentROMBank int
	currentRAMBank int // slot 3
	screenBank     int // 5 or 7 on 128K-class machines
	pagingLocked   bool
	trdosActive    bool
	specialPaging  bool
	specialProfile int // +2A/+3 only, 0..3
	ramOverROM     bool
	pentagonHigh   int // Pentagon 1024 extra RAM selector bits

	cont *Contention
	ula  *ULA

	// Hooks are nil unless a Machine feature (triggers, auto-map) is
	// active; the hot path pays a single nil check.
	readHook  func(addr uint16, val uint8)
	writeHook func(addr uint16, val uint8)
	fetchHook func(addr uint16)

	// M1 bookkeeping: ContendRead with a 4 T-state cycle is an opcode
	// fetch; the flag marks the next internal read as M1.
	m1Pending bool
	m1Count   uint64
}

// NewMemory allocates the bank set the profile calls for. ROM contents are
// loaded separately via LoadROM / LoadTRDOSROM.
func NewMemory(prof *Profile) *Memory {
	m := &Memory{prof: prof}
	m.romBanks = make([][]uint8, prof.ROMBankCount)
	for i := range m.romBanks {
		m.romBanks[i] = make([]uint8, BankSize)
	}
	m.ramBanks = make([][]uint8, prof.RAMBankCount)
	for i := range m.ramBanks {
		m.ramBanks[i] = make([]uint8, BankSize)
	}
	m.currentROMBank = prof.BasicROMBank
	m.currentRAMBank = prof.Slot3DefaultBank
	m.screenBank = prof.ScreenBank
	m.updateSlots()
	return m
}

// LoadROM installs a 16 KiB image into a ROM bank.
func (m *Memory) LoadROM(bank int, data []byte) error {
	if len(data) != BankSize {
		return fmt.Errorf("%w: got %d", ErrBadROMSize, len(data))
	}
	if bank < 0 || bank >= len(m.romBanks) {
		return fmt.Errorf("%w: ROM bank %d on %s", ErrBadBank, bank, m.prof.Machine)
	}
	copy(m.romBanks[bank], data)
	return nil
}

// LoadTRDOSROM installs the Beta-Disk ROM used by the overlay.
func (m *Memory) LoadTRDOSROM(data []byte) error {
	if len(data) != BankSize {
		return fmt.Errorf("%w: got %d", ErrBadROMSize, len(data))
	}
	m.trdosROM = make([]uint8, BankSize)
	copy(m.trdosROM, data)
	return nil
}

// RAMBank exposes a RAM bank for the ULA and for serialization.
func (m *Memory) RAMBank(i int) []uint8 {
	if i < 0 || i >= len(m.ramBanks) {
		return nil
	}
	return m.ramBanks[i]
}

// ScreenBank returns the RAM bank the ULA is displaying.
func (m *Memory) ScreenBank() int { return m.screenBank }

// updateSlots recomputes the slot map from the paging latches.
func (m *Memory) updateSlots() {
	if m.specialPaging {
		// +2A all-RAM mode: four banks chosen by the 2-bit profile
		banks := specialPagingBanks[m.specialProfile&3]
		for s := 0; s < 4; s++ {
			m.slots[s] = slot{source: slotRAM, bank: banks[s], writable: true}
		}
		return
	}

	switch {
	case m.trdosActive && m.trdosROM != nil:
		m.slots[0] = slot{source: slotTRDOS}
	case m.ramOverROM:
		m.slots[0] = slot{source: slotRAM, bank: 0, writable: true}
	default:
		m.slots[0] = slot{source: slotROM, bank: m.currentROMBank}
	}
	m.slots[1] = slot{source: slotRAM, bank: m.prof.Slot1Bank, writable: true}
	m.slots[2] = slot{source: slotRAM, bank: m.prof.Slot2Bank, writable: true}
	m.slots[3] = slot{source: slotRAM, bank: m.currentRAMBank, writable: true}
}

// specialPagingBanks: +2A/+3 port 0x1FFD bits 1..2 select one of these
// four all-RAM slot layouts.
var specialPagingBanks = [4][4]int{
	{0, 1, 2, 3},
	{4, 5, 6, 7},
	{4, 5, 6, 3},
	{4, 7, 6, 3},
}

func (m *Memory) bankFor(s slot) []uint8 {
	switch s.source {
	case slotTRDOS:
		return m.trdosROM
	case slotROM:
		return m.romBanks[s.bank]
	default:
		return m.ramBanks[s.bank]
	}
}

// readInternal performs a banked read with no timing and no hooks.
func (m *Memory) readInternal(addr uint16) uint8 {
	s := m.slots[addr>>14]
	return m.bankFor(s)[addr&0x3FFF]
}

// writeInternal performs a banked write with no timing. Writes to ROM
// slots are silently ignored.
func (m *Memory) writeInternal(addr uint16, val uint8) {
	s := m.slots[addr>>14]
	if !s.writable {
		return
	}
	offset := addr & 0x3FFF
	m.ramBanks[s.bank][offset] = val
	if m.ula != nil && s.bank == m.screenBank && offset >= attrBase && offset < attrBase+attrSize {
		m.ula.SetAttrAt(int(offset-attrBase), val, m.cont.Tstates())
	}
}

// IsContended reports whether an address currently maps to a bank the ULA
// fetches from. Slot 1's bank is contended even though the slot is fixed.
func (m *Memory) IsContended(addr uint16) bool {
	if !m.prof.HasContention {
		return false
	}
	s := m.slots[addr>>14]
	if s.source != slotRAM {
		return false
	}
	switch m.prof.Paging {
	case PagingNone:
		return addr >= 0x4000 && addr <= 0x7FFF
	case PagingPlus2A:
		// Banks 4..7 are contended wherever they appear, which also
		// covers bank 5 in the fixed slot 1
		return s.bank >= 4
	default: // Standard128K
		if addr >= 0x4000 && addr <= 0x7FFF {
			return true
		}
		return addr >= 0xC000 && s.bank&1 == 1
	}
}

// --------------------------------------------------------------------------
// Paging latches
// --------------------------------------------------------------------------

// WritePaging7FFD applies a write to the primary 128K paging latch.
// Bit 5 locks the latch until hard reset; a locked latch is a silent no-op.
func (m *Memory) WritePaging7FFD(val uint8) {
	if m.prof.Paging == PagingNone || m.pagingLocked {
		return
	}
	m.port7FFD = val
	m.currentRAMBank = m.ramSelectorBank(val)
	if val&0x08 != 0 {
		m.screenBank = m.prof.ShadowScreenBank
	} else {
		m.screenBank = m.prof.ScreenBank
	}
	m.currentROMBank = m.romSelectorBank()
	if val&0x20 != 0 {
		m.pagingLocked = true
	}
	m.updateSlots()
	if m.ula != nil {
		m.ula.SetScreenBankAt(m.screenBank, m.cont.Tstates())
	}
}

// ramSelectorBank combines 0x7FFD bits 0..2 with any model-specific high
// bits into the slot 3 RAM bank.
func (m *Memory) ramSelectorBank(val7FFD uint8) int {
	bank := int(val7FFD & 0x07)
	switch m.prof.Paging {
	case PagingScorpion:
		if m.port1FFD&0x10 != 0 {
			bank |= 0x08
		}
	case PagingPentagon1024:
		bank |= m.pentagonHigh << 3
	}
	if bank >= len(m.ramBanks) {
		bank &= len(m.ramBanks) - 1
	}
	return bank
}

// romSelectorBank computes the slot 0 ROM bank from the current latches.
func (m *Memory) romSelectorBank() int {
	switch m.prof.Paging {
	case PagingPlus2A:
		return int((m.port1FFD&0x04)>>1 | (m.port7FFD&0x10)>>4)
	case PagingScorpion:
		if m.port1FFD&0x01 != 0 {
			return 2 // service ROM
		}
		return int((m.port7FFD & 0x10) >> 4)
	default:
		bank := int((m.port7FFD & 0x10) >> 4)
		if bank >= len(m.romBanks) {
			bank = len(m.romBanks) - 1
		}
		return bank
	}
}

// WritePaging1FFD applies a +2A/+3 write to the secondary latch.
// Bit 0 enables special all-RAM paging with the layout in bits 1..2;
// bit 2 otherwise contributes the high ROM select bit. Bit 3 (FDC motor)
// is the machine's concern, not memory's.
func (m *Memory) WritePaging1FFD(val uint8) {
	if m.pagingLocked {
		return
	}
	m.port1FFD = val
	m.specialPaging = val&0x01 != 0
	m.specialProfile = int((val >> 1) & 0x03)
	if !m.specialPaging {
		m.currentROMBank = m.romSelectorBank()
	}
	m.updateSlots()
}

// WritePagingScorpion1FFD applies the Scorpion's extended latch: bit 0
// pages the service ROM, bit 1 maps RAM bank 0 over ROM, bit 4 is the
// high bit of the 256 KiB RAM selector.
func (m *Memory) WritePagingScorpion1FFD(val uint8) {
	if m.pagingLocked {
		return
	}
	m.port1FFD = val
	m.ramOverROM = val&0x02 != 0
	m.currentROMBank = m.romSelectorBank()
	m.currentRAMBank = m.ramSelectorBank(m.port7FFD)
	m.updateSlots()
}

// WritePagingPentagon1024 widens the RAM selector: bits 0..2 become bits
// 3..5 of the slot 3 bank.
func (m *Memory) WritePagingPentagon1024(val uint8) {
	m.pentagonHigh = int(val & 0x07)
	m.currentRAMBank = m.ramSelectorBank(m.port7FFD)
	m.updateSlots()
}

// SetTRDOSActive pages the TR-DOS ROM over slot 0.
func (m *Memory) SetTRDOSActive(active bool) {
	if m.trdosActive == active {
		return
	}
	m.trdosActive = active
	m.updateSlots()
}

// TRDOSActive reports whether the overlay is paged in.
func (m *Memory) TRDOSActive() bool { return m.trdosActive }

// UpdateTRDOSOverlay applies the overlay rule for an opcode fetch address:
// fetching inside [0x3D00, 0x3DFF] with the BASIC ROM paged activates the
// overlay; fetching at or above 0x4000 deactivates it.
func (m *Memory) UpdateTRDOSOverlay(pc uint16) {
	if m.trdosROM == nil {
		return
	}
	if !m.trdosActive {
		if pc >= 0x3D00 && pc <= 0x3DFF && m.currentROMBank == m.prof.BasicROMBank {
			m.SetTRDOSActive(true)
		}
	} else if pc >= 0x4000 {
		m.SetTRDOSActive(false)
	}
}

// --------------------------------------------------------------------------
// Paging state snapshot
// --------------------------------------------------------------------------

// PagingState captures the latches needed to rebuild the slot map.
type PagingState struct {
	Port7FFD       uint8
	Port1FFD       uint8
	PentagonHigh   uint8
	TRDOSActive    bool
	PagingLocked   bool
	SpecialPaging  bool
	SpecialProfile uint8
	RAMOverROM     bool
}

// GetPagingState returns the current latch values.
func (m *Memory) GetPagingState() PagingState {
	return PagingState{
		Port7FFD:       m.port7FFD,
		Port1FFD:       m.port1FFD,
		PentagonHigh:   uint8(m.pentagonHigh),
		TRDOSActive:    m.trdosActive,
		PagingLocked:   m.pagingLocked,
		SpecialPaging:  m.specialPaging,
		SpecialProfile: uint8(m.specialProfile),
		RAMOverROM:     m.ramOverROM,
	}
}

// SetPagingState restores latches and recomputes the slot map. The slot
// map itself is never trusted from serialized data.
func (m *Memory) SetPagingState(s PagingState) {
	m.port7FFD = s.Port7FFD
	m.port1FFD = s.Port1FFD
	m.pentagonHigh = int(s.PentagonHigh)
	m.trdosActive = s.TRDOSActive
	m.specialPaging = s.SpecialPaging
	m.specialProfile = int(s.SpecialProfile)
	m.ramOverROM = s.RAMOverROM
	m.pagingLocked = false
	m.currentRAMBank = m.ramSelectorBank(s.Port7FFD)
	if s.Port7FFD&0x08 != 0 {
		m.screenBank = m.prof.ShadowScreenBank
	} else {
		m.screenBank = m.prof.ScreenBank
	}
	m.currentROMBank = m.romSelectorBank()
	m.pagingLocked = s.PagingLocked
	m.updateSlots()
}

// ResetPaging returns the latches to their power-on state.
func (m *Memory) ResetPaging() {
	m.port7FFD = 0
	m.port1FFD = 0
	m.pentagonHigh = 0
	m.pagingLocked = false
	m.trdosActive = false
	m.specialPaging = false
	m.specialProfile = 0
	m.ramOverROM = false
	m.currentROMBank = m.prof.BasicROMBank
	m.currentRAMBank = m.prof.Slot3DefaultBank
	m.screenBank = m.prof.ScreenBank
	m.updateSlots()
}

// CurrentROMBank returns the slot 0 ROM bank index.
func (m *Memory) CurrentROMBank() int { return m.currentROMBank }

// CurrentRAMBank returns the slot 3 RAM bank index.
func (m *Memory) CurrentRAMBank() int { return m.currentRAMBank }

// PagingLocked reports whether bit 5 of 0x7FFD has latched.
func (m *Memory) PagingLocked() bool { return m.pagingLocked }

// --------------------------------------------------------------------------
// Untimed access for tooling
// --------------------------------------------------------------------------

// Peek reads a byte with no timing and no hooks. Used by the condition
// evaluator, the traps and tests.
func (m *Memory) Peek(addr uint16) uint8 { return m.readInternal(addr) }

// Poke writes a byte with no timing and no hooks, still honoring ROM
// protection.
func (m *Memory) Poke(addr uint16, val uint8) {
	s := m.slots[addr>>14]
	if !s.writable {
		return
	}
	m.ramBanks[s.bank][addr&0x3FFF] = val
}

// Fetch performs an M1 opcode read outside the CPU's own fetch path:
// identical to Peek but it runs the fetch hook used for auto-map
// tracking.
func (m *Memory) Fetch(addr uint16) uint8 {
	if m.fetchHook != nil {
		m.fetchHook(addr)
	}
	return m.readInternal(addr)
}

// M1Count returns the number of opcode-fetch cycles observed. HALT burn
// cycles count too, which is what RZX frame accounting wants.
func (m *Memory) M1Count() uint64 { return m.m1Count }

// --------------------------------------------------------------------------
// z80.MemoryAccessor
// --------------------------------------------------------------------------

// ReadByte is a timed MREQ read: contention plus 3 T-states, then the
// banked read.
func (m *Memory) ReadByte(addr uint16) uint8 {
	m.ContendRead(addr, 3)
	return m.ReadByteInternal(addr)
}

// ReadByteInternal performs the read half of a memory cycle whose timing
// has already been accounted for.
func (m *Memory) ReadByteInternal(addr uint16) uint8 {
	val := m.readInternal(addr)
	if m.m1Pending {
		m.m1Pending = false
		if m.fetchHook != nil {
			m.fetchHook(addr)
		}
	} else if m.readHook != nil {
		m.readHook(addr, val)
	}
	return val
}

// WriteByte is a timed MREQ write.
func (m *Memory) WriteByte(addr uint16, val uint8) {
	m.cont.ContendMreq(addr)
	m.cont.AddTstates(3)
	m.WriteByteInternal(addr, val)
}

// WriteByteInternal performs the write half of a memory cycle whose timing
// has already been accounted for.
func (m *Memory) WriteByteInternal(addr uint16, val uint8) {
	m.writeInternal(addr, val)
	if m.writeHook != nil {
		m.writeHook(addr, val)
	}
}

// ContendRead applies MREQ contention and the cycle's base T-states. A
// 4 T-state cycle is an M1 opcode fetch.
func (m *Memory) ContendRead(addr uint16, time int) {
	if time == 4 {
		m.m1Pending = true
		m.m1Count++
	}
	m.cont.ContendMreq(addr)
	m.cont.AddTstates(time)
}

// ContendReadNoMreq contends one internal CPU cycle spent holding addr on
// the bus. Gate-array machines do not contend internal cycles.
func (m *Memory) ContendReadNoMreq(addr uint16, time int) {
	m.cont.ContendInternal(addr)
	m.cont.AddTstates(time)
}

// ContendReadNoMreq_loop contends a run of internal cycles one at a time,
// re-evaluating the delay at each step.
func (m *Memory) ContendReadNoMreq_loop(addr uint16, time int, count uint) {
	for i := uint(0); i < count; i++ {
		m.cont.ContendInternal(addr)
		m.cont.AddTstates(time)
	}
}

// ContendWriteNoMreq mirrors ContendReadNoMreq for write-side internal
// cycles.
func (m *Memory) ContendWriteNoMreq(addr uint16, time int) {
	m.cont.ContendInternal(addr)
	m.cont.AddTstates(time)
}

// ContendWriteNoMreq_loop mirrors ContendReadNoMreq_loop.
func (m *Memory) ContendWriteNoMreq_loop(addr uint16, time int, count uint) {
	for i := uint(0); i < count; i++ {
		m.cont.ContendInternal(addr)
		m.cont.AddTstates(time)
	}
}

// Read is the accessor's untimed read entry point.
func (m *Memory) Read(addr uint16) uint8 { return m.readInternal(addr) }

// Write is the accessor's untimed write entry point.
func (m *Memory) Write(addr uint16, val uint8, protectROM bool) {
	if protectROM {
		m.Poke(addr, val)
		return
	}
	s := m.slots[addr>>14]
	if s.source == slotRAM {
		m.ramBanks[s.bank][addr&0x3FFF] = val
	}
}

// Data assembles the current 64 KiB address-space view. Diagnostic only.
func (m *Memory) Data() []byte {
	out := make([]byte, 0x10000)
	for s := 0; s < 4; s++ {
		copy(out[s*BankSize:], m.bankFor(m.slots[s]))
	}
	return out
}
