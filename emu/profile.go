package emu

import (
	"errors"
	"fmt"
)

// MachineType identifies the emulated Spectrum model
type MachineType int

const (
	Machine48K MachineType = iota
	Machine128K
	MachinePlus2
	MachinePlus2A
	MachinePlus3
	MachinePentagon
	MachinePentagon1024
	MachineScorpion
)

func (m MachineType) String() string {
	switch m {
	case Machine48K:
		return "48K"
	case Machine128K:
		return "128K"
	case MachinePlus2:
		return "+2"
	case MachinePlus2A:
		return "+2A"
	case MachinePlus3:
		return "+3"
	case MachinePentagon:
		return "Pentagon"
	case MachinePentagon1024:
		return "Pentagon 1024"
	case MachineScorpion:
		return "Scorpion"
	default:
		return "Unknown"
	}
}

// ParseMachineType resolves a model tag string ("48k", "pentagon", ...)
func ParseMachineType(tag string) (MachineType, error) {
	switch tag {
	case "48k", "48K":
		return Machine48K, nil
	case "128k", "128K":
		return Machine128K, nil
	case "+2", "plus2":
		return MachinePlus2, nil
	case "+2a", "plus2a":
		return MachinePlus2A, nil
	case "+3", "plus3":
		return MachinePlus3, nil
	case "pentagon":
		return MachinePentagon, nil
	case "pentagon1024":
		return MachinePentagon1024, nil
	case "scorpion":
		return MachineScorpion, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMachine, tag)
}

// ErrUnknownMachine is returned when a machine-type tag has no profile.
var ErrUnknownMachine = errors.New("unknown machine type")

// ContentionPattern selects the per-T-state delay table the ULA applies
type ContentionPattern int

const (
	ContentionNone ContentionPattern = iota
	ContentionEarly65432100
	ContentionLate76543210
)

// PagingModel selects which paging latches the memory honors
type PagingModel int

const (
	PagingNone PagingModel = iota
	PagingStandard128K
	PagingPlus2A
	PagingScorpion
	PagingPentagon1024
)

// BorderQuantization rounds border-change timestamps the way the ULA
// latches them
type BorderQuantization int

const (
	BorderExact BorderQuantization = iota
	BorderFourTStates
)

// Display geometry shared by every profile: 48-pixel side borders around
// the 256x192 paper area, 48 border lines above and 56 below.
const (
	ScreenWidth      = 352
	ScreenHeight     = 296
	BorderLeft       = 48
	BorderTop        = 48
	PaperWidth       = 256
	PaperHeight      = 192
	LeftBorderTstate = 24 // T-states of left border output before a line's paper fetch
)

// Profile holds every model-specific constant used by the core.
// Components receive a Profile and never branch on MachineType directly.
type Profile struct {
	Machine MachineType

	CPUClockHz int
	AYClockHz  int

	TstatesPerLine  int
	TstatesPerFrame int
	FirstScreenLine int

	ContentionStartTstate int
	Contention            ContentionPattern
	HasContention         bool
	HasIOContention       bool
	ContendInternalCycles bool

	IntPulseDuration int
	EarlyIntTiming   bool

	Paging       PagingModel
	ROMBankCount int
	RAMBankCount int
	BasicROMBank int

	// Fixed slot assignments for normal paging mode. Slot 3's bank is the
	// reset value of the 0x7FFD RAM selector.
	Slot1Bank        int
	Slot2Bank        int
	Slot3DefaultBank int
	ScreenBank       int
	ShadowScreenBank int

	HasAY           bool
	HasFDC          bool
	BetaDiskDefault bool
	HasFloatingBus  bool

	BorderQuantization BorderQuantization
}

var profiles = map[MachineType]Profile{
	Machine48K: {
		Machine:               Machine48K,
		CPUClockHz:            3500000,
		AYClockHz:             1750000,
		TstatesPerLine:        224,
		TstatesPerFrame:       69888,
		FirstScreenLine:       64,
		ContentionStartTstate: 14335,
		Contention:            ContentionEarly65432100,
		HasContention:         true,
		HasIOContention:       true,
		ContendInternalCycles: true,
		IntPulseDuration:      32,
		EarlyIntTiming:        true,
		Paging:                PagingNone,
		ROMBankCount:          1,
		RAMBankCount:          3,
		BasicROMBank:          0,
		Slot1Bank:             0,
		Slot2Bank:             1,
		Slot3DefaultBank:      2,
		ScreenBank:            0,
		ShadowScreenBank:      0,
		HasFloatingBus:        true,
		BorderQuantization:    BorderExact,
	},
	Machine128K: {
		Machine:               Machine128K,
		CPUClockHz:            3546900,
		AYClockHz:             1773450,
		TstatesPerLine:        228,
		TstatesPerFrame:       70908,
		FirstScreenLine:       63,
		ContentionStartTstate: 14361,
		Contention:            ContentionEarly65432100,
		HasContention:         true,
		HasIOContention:       true,
		ContendInternalCycles: true,
		IntPulseDuration:      36,
		Paging:                PagingStandard128K,
		ROMBankCount:          2,
		RAMBankCount:          8,
		BasicROMBank:          1,
		Slot1Bank:             5,
		Slot2Bank:             2,
		Slot3DefaultBank:      0,
		ScreenBank:            5,
		ShadowScreenBank:      7,
		HasAY:                 true,
		BorderQuantization:    BorderExact,
	},
	MachinePentagon: {
		Machine:            MachinePentagon,
		CPUClockHz:         3500000,
		AYClockHz:          1750000,
		TstatesPerLine:     224,
		TstatesPerFrame:    71680,
		FirstScreenLine:    80,
		Contention:         ContentionNone,
		IntPulseDuration:   36,
		Paging:             PagingStandard128K,
		ROMBankCount:       2,
		RAMBankCount:       8,
		BasicROMBank:       1,
		Slot1Bank:          5,
		Slot2Bank:          2,
		Slot3DefaultBank:   0,
		ScreenBank:         5,
		ShadowScreenBank:   7,
		HasAY:              true,
		BetaDiskDefault:    true,
		BorderQuantization: BorderExact,
	},
}

func init() {
	// +2 is a 128K in a different case
	p := profiles[Machine128K]
	p.Machine = MachinePlus2
	profiles[MachinePlus2] = p

	// +2A/+3: gate-array machines. Late contention table, no IO or
	// internal-cycle contention, four ROM banks, strict 0x7FFD decode.
	p = profiles[Machine128K]
	p.Machine = MachinePlus2A
	p.Contention = ContentionLate76543210
	p.HasIOContention = false
	p.ContendInternalCycles = false
	p.Paging = PagingPlus2A
	p.ROMBankCount = 4
	p.BasicROMBank = 3
	p.HasFDC = true
	p.BorderQuantization = BorderFourTStates
	profiles[MachinePlus2A] = p
	p.Machine = MachinePlus3
	profiles[MachinePlus3] = p

	// Pentagon 1024: Pentagon timing, 1 MiB of RAM behind a wider latch
	p = profiles[MachinePentagon]
	p.Machine = MachinePentagon1024
	p.Paging = PagingPentagon1024
	p.RAMBankCount = 64
	profiles[MachinePentagon1024] = p

	// Scorpion ZS-256: Pentagon-style timing, 256 KiB RAM, service ROM
	p = profiles[MachinePentagon]
	p.Machine = MachineScorpion
	p.Paging = PagingScorpion
	p.ROMBankCount = 4
	p.RAMBankCount = 16
	profiles[MachineScorpion] = p
}

// ProfileFor returns the constants record for a machine type.
// An unknown type is fatal at construction time, never defaulted.
func ProfileFor(m MachineType) (Profile, error) {
	p, ok := profiles[m]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %d", ErrUnknownMachine, int(m))
	}
	return p, nil
}

// ScanlineCount returns how many complete scanlines one frame emits.
func (p *Profile) ScanlineCount() int {
	return p.TstatesPerFrame / p.TstatesPerLine
}

// LineStartTstate returns the frame-relative T-state at which the ULA
// begins outputting visible row `line` (0 is the first border row shown,
// BorderTop is the first paper row). The left border of a row is output
// LeftBorderTstate T-states before the row's paper fetch position.
func (p *Profile) LineStartTstate(line int) int {
	machineLine := p.FirstScreenLine - BorderTop + line
	return machineLine*p.TstatesPerLine - LeftBorderTstate
}
