package emu

// uPD765 main status bits.
const (
	fdcRQM  = 0x80 // request for master: ready for data transfer
	fdcDIO  = 0x40 // direction: set when the FDC has bytes for the CPU
	fdcBusy = 0x10
)

// FDC is the +2A/+3 uPD765 façade: the main status register at 0x2FFD and
// the data FIFO at 0x3FFD, plus the motor flag bit 3 of 0x1FFD drives.
// Commands are consumed and answered with empty results, which is enough
// for +3DOS to conclude no disk is present.
type FDC struct {
	motor bool

	// Command byte in flight, bytes still expected for it, and the
	// queued result phase bytes.
	lastCmd uint8
	expect  int
	results []uint8
}

// NewFDC builds the façade.
func NewFDC() *FDC {
	return &FDC{}
}

// SetMotor reflects 0x1FFD bit 3.
func (f *FDC) SetMotor(on bool) { f.motor = on }

// Motor reports drive motor state.
func (f *FDC) Motor() bool { return f.motor }

// ReadStatus returns the main status register.
func (f *FDC) ReadStatus() uint8 {
	s := uint8(fdcRQM)
	if len(f.results) > 0 {
		s |= fdcDIO | fdcBusy
	} else if f.expect > 0 {
		s |= fdcBusy
	}
	return s
}

// commandLength maps a command byte to its total byte count.
func commandLength(cmd uint8) int {
	switch cmd & 0x1F {
	case 0x02, 0x05, 0x06, 0x09, 0x0A, 0x0C, 0x0D, 0x11, 0x19, 0x1D:
		return 9
	case 0x03:
		return 3
	case 0x04, 0x0F:
		return 2
	case 0x07:
		return 2
	case 0x08:
		return 1
	default:
		return 1
	}
}

// WriteData feeds one byte of the command phase.
func (f *FDC) WriteData(val uint8) {
	if f.expect == 0 {
		f.expect = commandLength(val) - 1
		if f.expect == 0 {
			f.finish(val)
		}
		f.lastCmd = val
		return
	}
	f.expect--
	if f.expect == 0 {
		f.finish(f.lastCmd)
	}
}

// ReadData pops one result byte, 0xFF when the FIFO is dry.
func (f *FDC) ReadData() uint8 {
	if len(f.results) == 0 {
		return 0xFF
	}
	v := f.results[0]
	f.results = f.results[1:]
	return v
}

// finish queues the result phase for a completed command: "drive not
// ready" for anything that touches the media.
func (f *FDC) finish(cmd uint8) {
	switch cmd & 0x1F {
	case 0x08: // SENSE INTERRUPT STATUS
		f.results = append(f.results[:0], 0x80, 0x00) // ST0: invalid
	case 0x04: // SENSE DRIVE STATUS
		f.results = append(f.results[:0], 0x00)
	case 0x0F: // SEEK - no result phase
		f.results = f.results[:0]
	default:
		// ST0 abnormal, ST1 no data, ST2 clear, C/H/R zeroed, N = 2
		f.results = append(f.results[:0], 0x48, 0x04, 0x00, 0x00, 0x00, 0x00, 0x02)
	}
}

// Reset clears the FIFO and motor.
func (f *FDC) Reset() {
	f.motor = false
	f.expect = 0
	f.results = f.results[:0]
	f.lastCmd = 0
}
