package emu

// Standard ROM loader pulse timings, in T-states.
const (
	tapePilotPulse     = 2168
	tapeSync1Pulse     = 667
	tapeSync2Pulse     = 735
	tapeBit0Pulse      = 855
	tapeBit1Pulse      = 1710
	tapePilotHeader    = 8063
	tapePilotData      = 3223
	tapePauseTstates   = 3500000 // ~1s between blocks
	tapeEdgeFlushLimit = 0x10000 // ignore catch-up gaps longer than this
)

// TapeBlock is one data block as delivered by an external format parser:
// the flag byte, the payload, and the trailing checksum byte are all in
// Data (flag first, checksum last), matching what the ROM loader sees.
type TapeBlock struct {
	Data []byte
}

// Flag returns the block's flag byte (0x00 header, 0xFF data).
func (b TapeBlock) Flag() uint8 {
	if len(b.Data) == 0 {
		return 0
	}
	return b.Data[0]
}

// TapePlayer turns a block list into EAR edge transitions, fast-forwarded
// to the CPU's T-state clock by the scheduler after every instruction.
type TapePlayer struct {
	blocks []TapeBlock
	block  int

	playing  bool
	earLevel uint8

	// Pulse stream for the block being played, and the T-state position
	// within the current pulse.
	pulses   []int
	pulseIdx int
	pulsePos int

	lastUpdate int

	// earChanges collects frame-relative edge timestamps for audio.
	earChanges []tChange
}

// NewTapePlayer builds an empty player.
func NewTapePlayer() *TapePlayer {
	return &TapePlayer{}
}

// Load replaces the block list and rewinds.
func (t *TapePlayer) Load(blocks []TapeBlock) {
	t.blocks = blocks
	t.Rewind()
}

// Rewind returns to the start of the first block.
func (t *TapePlayer) Rewind() {
	t.block = 0
	t.playing = false
	t.pulses = nil
	t.pulseIdx = 0
	t.pulsePos = 0
	t.earLevel = 0
}

// Play starts (or resumes) playback from the current block.
func (t *TapePlayer) Play() {
	if t.block >= len(t.blocks) {
		return
	}
	if t.pulses == nil {
		t.pulses = blockPulses(t.blocks[t.block])
		t.pulseIdx = 0
		t.pulsePos = 0
	}
	t.playing = true
}

// Stop pauses playback.
func (t *TapePlayer) Stop() { t.playing = false }

// Playing reports whether the tape is rolling.
func (t *TapePlayer) Playing() bool { return t.playing }

// EarBit returns the current EAR level (0 or 1).
func (t *TapePlayer) EarBit() uint8 { return t.earLevel }

// CurrentBlock returns the block the head is over, if any.
func (t *TapePlayer) CurrentBlock() (TapeBlock, bool) {
	if t.block >= len(t.blocks) {
		return TapeBlock{}, false
	}
	return t.blocks[t.block], true
}

// SkipBlock moves the head past the current block. Used by the instant
// load trap after it has consumed the block.
func (t *TapePlayer) SkipBlock() {
	if t.block < len(t.blocks) {
		t.block++
		t.pulses = nil
		t.pulseIdx = 0
		t.pulsePos = 0
	}
}

// AdjustFrameBoundary mirrors the scheduler's T-state carry-over on the
// player's clock.
func (t *TapePlayer) AdjustFrameBoundary(tstatesPerFrame int) {
	t.lastUpdate -= tstatesPerFrame
	if t.lastUpdate < 0 {
		t.lastUpdate = 0
	}
}

// EarChanges returns and clears the edge list collected this frame.
func (t *TapePlayer) EarChanges() []tChange {
	out := t.earChanges
	t.earChanges = nil
	return out
}

// Update fast-forwards the edge clock to frame T-state now.
func (t *TapePlayer) Update(now int) {
	elapsed := now - t.lastUpdate
	t.lastUpdate = now
	if !t.playing || elapsed <= 0 {
		return
	}
	if elapsed > tapeEdgeFlushLimit {
		// Machine was paused or seeking; do not spin through the gap
		elapsed = 0
	}
	for elapsed > 0 {
		if t.pulseIdx >= len(t.pulses) {
			t.block++
			if t.block >= len(t.blocks) {
				t.playing = false
				t.earLevel = 0
				return
			}
			t.pulses = blockPulses(t.blocks[t.block])
			t.pulseIdx = 0
			t.pulsePos = 0
		}
		remain := t.pulses[t.pulseIdx] - t.pulsePos
		if elapsed < remain {
			t.pulsePos += elapsed
			return
		}
		elapsed -= remain
		t.pulseIdx++
		t.pulsePos = 0
		t.earLevel ^= 1
		t.earChanges = append(t.earChanges, tChange{now - elapsed, int(t.earLevel)})
	}
}

// blockPulses expands a block into its pulse-duration stream: pilot tone,
// two sync pulses, two pulses per data bit, then the inter-block pause.
func blockPulses(b TapeBlock) []int {
	pilotCount := tapePilotData
	if b.Flag() == 0x00 {
		pilotCount = tapePilotHeader
	}
	pulses := make([]int, 0, pilotCount+2+len(b.Data)*16+1)
	for i := 0; i < pilotCount; i++ {
		pulses = append(pulses, tapePilotPulse)
	}
	pulses = append(pulses, tapeSync1Pulse, tapeSync2Pulse)
	for _, by := range b.Data {
		for bit := 7; bit >= 0; bit-- {
			p := tapeBit0Pulse
			if by&(1<<uint(bit)) != 0 {
				p = tapeBit1Pulse
			}
			pulses = append(pulses, p, p)
		}
	}
	pulses = append(pulses, tapePauseTstates)
	return pulses
}
