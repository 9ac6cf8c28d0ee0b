package emu

import (
	"image"
	"image/color"
)

// Screen RAM layout within a bank: 6 KiB bitmap then 768 attribute bytes.
const (
	attrBase = 0x1800
	attrSize = 768
)

// flashPeriod is how many frames pass between FLASH attribute toggles.
const flashPeriod = 16

// tChange is a timestamped value change within the current frame.
type tChange struct {
	tstate int
	value  int
}

// attrChange is a timestamped attribute-cell write.
type attrChange struct {
	tstate int
	offset int
	value  uint8
}

// standardPalette holds the 16 ULA colors: normal 0..7, bright 8..15.
var standardPalette = [16]color.RGBA{
	{0x00, 0x00, 0x00, 0xFF},
	{0x00, 0x00, 0xD7, 0xFF},
	{0xD7, 0x00, 0x00, 0xFF},
	{0xD7, 0x00, 0xD7, 0xFF},
	{0x00, 0xD7, 0x00, 0xFF},
	{0x00, 0xD7, 0xD7, 0xFF},
	{0xD7, 0xD7, 0x00, 0xFF},
	{0xD7, 0xD7, 0xD7, 0xFF},
	{0x00, 0x00, 0x00, 0xFF},
	{0x00, 0x00, 0xFF, 0xFF},
	{0xFF, 0x00, 0x00, 0xFF},
	{0xFF, 0x00, 0xFF, 0xFF},
	{0x00, 0xFF, 0x00, 0xFF},
	{0x00, 0xFF, 0xFF, 0xFF},
	{0xFF, 0xFF, 0x00, 0xFF},
	{0xFF, 0xFF, 0xFF, 0xFF},
}

// ULA models the video half of the chip: scanline rendering with
// T-state-accurate border and attribute history, the floating bus, the
// keyboard matrix and the ULAplus register file.
type ULA struct {
	prof *Profile
	mem  *Memory

	framebuffer *image.RGBA

	borderColor int

	borderChanges []tChange
	bankChanges   []tChange
	attrChanges   []attrChange

	// Attribute area as it was at frame start; attrView replays the
	// change list on top of it as rendering advances through the frame.
	attrSnapshot [attrSize]uint8
	attrView     [attrSize]uint8

	// Replay cursors, monotonic within one frame render.
	borderIdx int
	bankIdx   int
	attrIdx   int
	renderCur int // render bank during replay

	lastRenderedLine int

	flashState bool
	frameCount int

	keyboard Keyboard
	earIn    func() uint8 // tape EAR level, 0 or 1; ReadKeyboard maps it to bit 6

	// ULAplus
	ulaplusMode bool
	ulaplusReg  uint8
	ulaplusCLUT [64]uint8

	// borderOnly paints the paper area with border colors, for
	// border-effect inspection overlays.
	borderOnly bool
}

// NewULA builds the chip for a profile over the machine's memory.
func NewULA(prof *Profile, mem *Memory) *ULA {
	u := &ULA{
		prof:             prof,
		mem:              mem,
		framebuffer:      image.NewRGBA(image.Rect(0, 0, ScreenWidth, ScreenHeight)),
		lastRenderedLine: -1,
	}
	mem.ula = u
	return u
}

// Framebuffer returns the RGBA output buffer (scanline-major, borders
// included).
func (u *ULA) Framebuffer() *image.RGBA { return u.framebuffer }

// Keyboard returns the key matrix for input plumbing.
func (u *ULA) Keyboard() *Keyboard { return &u.keyboard }

// BorderColor returns the current border color index.
func (u *ULA) BorderColor() int { return u.borderColor }

// GetTiming returns the profile the ULA was built for.
func (u *ULA) GetTiming() *Profile { return u.prof }

// CalculateLineStartTstate returns the frame-relative T-state at which
// the ULA begins outputting visible row `line`.
func (u *ULA) CalculateLineStartTstate(line int) int {
	return u.prof.LineStartTstate(line)
}

// StartFrame resets the change lists, seeding the border list with the
// color carried over from the previous frame, and snapshots the
// attribute area of the displayed bank.
func (u *ULA) StartFrame() {
	u.borderChanges = u.borderChanges[:0]
	u.bankChanges = u.bankChanges[:0]
	u.attrChanges = u.attrChanges[:0]
	u.borderChanges = append(u.borderChanges, tChange{0, u.borderColor})
	u.renderCur = u.mem.ScreenBank()
	copy(u.attrSnapshot[:], u.mem.RAMBank(u.renderCur)[attrBase:attrBase+attrSize])
	copy(u.attrView[:], u.attrSnapshot[:])
	u.borderIdx = 0
	u.bankIdx = 0
	u.attrIdx = 0
	u.lastRenderedLine = -1
}

// quantize rounds a change timestamp the way the ULA latches it.
func (u *ULA) quantize(t int) int {
	if u.prof.BorderQuantization == BorderFourTStates {
		return t &^ 3
	}
	return t
}

// SetBorderAt records a border color change at a frame T-state.
func (u *ULA) SetBorderAt(clr int, t int) {
	u.borderChanges = append(u.borderChanges, tChange{u.quantize(t), clr & 7})
}

// SetScreenBankAt records a display bank switch at a frame T-state.
func (u *ULA) SetScreenBankAt(bank int, t int) {
	u.bankChanges = append(u.bankChanges, tChange{t, bank})
}

// SetAttrAt records an attribute-cell write at a frame T-state. Called by
// Memory for writes landing in the displayed bank's attribute area.
func (u *ULA) SetAttrAt(offset int, val uint8, t int) {
	u.attrChanges = append(u.attrChanges, attrChange{t, offset, val})
}

// advanceTo applies every recorded change with a timestamp at or before t.
// Rendering sweeps t monotonically, so each list is consumed once.
func (u *ULA) advanceTo(t int) {
	for u.borderIdx < len(u.borderChanges) && u.borderChanges[u.borderIdx].tstate <= t {
		u.borderColor = u.borderChanges[u.borderIdx].value
		u.borderIdx++
	}
	for u.bankIdx < len(u.bankChanges) && u.bankChanges[u.bankIdx].tstate <= t {
		if bank := u.bankChanges[u.bankIdx].value; bank != u.renderCur {
			u.renderCur = bank
			// The attribute history belongs to the old bank; restart
			// the view from the new bank's current contents
			copy(u.attrView[:], u.mem.RAMBank(bank)[attrBase:attrBase+attrSize])
		}
		u.bankIdx++
	}
	for u.attrIdx < len(u.attrChanges) && u.attrChanges[u.attrIdx].tstate <= t {
		ch := u.attrChanges[u.attrIdx]
		u.attrView[ch.offset] = ch.value
		u.attrIdx++
	}
}

// bitmapOffset maps a paper line and character column to the interleaved
// bitmap address within the screen bank.
func bitmapOffset(py, col int) int {
	return (py&0xC0)<<5 | (py&0x07)<<8 | (py&0x38)<<2 | col
}

func attrOffset(py, col int) int {
	return (py>>3)*32 + col
}

// inkPaper resolves an attribute byte to ink and paper colors, honoring
// FLASH and BRIGHT (or the ULAplus CLUT when enabled).
func (u *ULA) inkPaper(attr uint8) (color.RGBA, color.RGBA) {
	if u.ulaplusMode {
		clut := int(attr>>6) * 16
		ink := u.clutColor(clut + int(attr&0x07))
		paper := u.clutColor(clut + 8 + int((attr>>3)&0x07))
		return ink, paper
	}
	ink := int(attr & 0x07)
	paper := int((attr >> 3) & 0x07)
	if attr&0x40 != 0 {
		ink += 8
		paper += 8
	}
	if attr&0x80 != 0 && u.flashState {
		ink, paper = paper, ink
	}
	return standardPalette[ink], standardPalette[paper]
}

// clutColor expands a ULAplus G3R3B2 palette entry to RGBA.
func (u *ULA) clutColor(i int) color.RGBA {
	v := u.ulaplusCLUT[i&0x3F]
	g := (v >> 5) & 0x07
	r := (v >> 2) & 0x07
	b := v & 0x03
	return color.RGBA{
		R: r<<5 | r<<2 | r>>1,
		G: g<<5 | g<<2 | g>>1,
		B: b<<6 | b<<4 | b<<2 | b,
		A: 0xFF,
	}
}

func (u *ULA) borderRGBA() color.RGBA {
	if u.ulaplusMode {
		return u.clutColor(8 + u.borderColor)
	}
	return standardPalette[u.borderColor]
}

// RenderScanline draws one visible row. Rows must be rendered in order;
// the scheduler calls this for every row whose T-states have elapsed.
func (u *ULA) RenderScanline(line int) {
	if line < 0 || line >= ScreenHeight || line <= u.lastRenderedLine {
		return
	}
	u.lastRenderedLine = line

	lineStart := u.prof.LineStartTstate(line)
	machineLine := u.prof.FirstScreenLine - BorderTop + line
	py := machineLine - u.prof.FirstScreenLine
	paper := py >= 0 && py < PaperHeight

	for x := 0; x < ScreenWidth; x++ {
		t := lineStart + x/2
		u.advanceTo(t)
		if paper && !u.borderOnly && x >= BorderLeft && x < BorderLeft+PaperWidth {
			px := x - BorderLeft
			col := px >> 3
			bank := u.mem.RAMBank(u.renderCur)
			bits := bank[bitmapOffset(py, col)]
			attr := u.attrView[attrOffset(py, col)]
			ink, paperClr := u.inkPaper(attr)
			if bits&(0x80>>uint(px&7)) != 0 {
				u.framebuffer.SetRGBA(x, line, ink)
			} else {
				u.framebuffer.SetRGBA(x, line, paperClr)
			}
		} else {
			u.framebuffer.SetRGBA(x, line, u.borderRGBA())
		}
	}
}

// FinishFrame renders any rows not yet emitted.
func (u *ULA) FinishFrame() {
	for line := u.lastRenderedLine + 1; line < ScreenHeight; line++ {
		u.RenderScanline(line)
	}
}

// EndFrame closes the frame: remaining rows are drawn, the FLASH clock
// ticks, and the final border color is latched for the next frame's seed
// entry. Returns the pixel buffer.
func (u *ULA) EndFrame() *image.RGBA {
	u.FinishFrame()
	// Apply any changes recorded after the last rendered pixel so the
	// carried-over border color is the one in effect at frame end.
	u.advanceTo(int(^uint(0) >> 1))
	u.frameCount++
	if u.frameCount%flashPeriod == 0 {
		u.flashState = !u.flashState
	}
	return u.framebuffer
}

// FlashState reports the current FLASH phase.
func (u *ULA) FlashState() bool { return u.flashState }

// SetBorderOnly switches the border-inspection mode: the paper area is
// painted with the border color history instead of screen data.
func (u *ULA) SetBorderOnly(on bool) { u.borderOnly = on }

// --------------------------------------------------------------------------
// Floating bus
// --------------------------------------------------------------------------

// FloatingBus returns the byte the ULA is fetching at T-state t, or 0xFF
// when the bus is idle. Only the 48K exposes this; the pattern is four
// fetch T-states {bitmap, attr, bitmap, attr} then four idle, 16 times
// per paper line.
func (u *ULA) FloatingBus(t int) uint8 {
	phaseStart := u.prof.ContentionStartTstate + 3
	if !u.prof.EarlyIntTiming {
		phaseStart = u.prof.ContentionStartTstate + 4
	}
	offset := t - phaseStart
	if offset < 0 {
		return 0xFF
	}
	py := offset / u.prof.TstatesPerLine
	pos := offset % u.prof.TstatesPerLine
	if py >= PaperHeight || pos >= 128 {
		return 0xFF
	}
	bank := u.mem.RAMBank(u.mem.ScreenBank())
	col := (pos >> 3) * 2
	switch pos & 7 {
	case 0:
		return bank[bitmapOffset(py, col)]
	case 1:
		return bank[attrBase+attrOffset(py, col)]
	case 2:
		return bank[bitmapOffset(py, col+1)]
	case 3:
		return bank[attrBase+attrOffset(py, col+1)]
	}
	return 0xFF
}

// --------------------------------------------------------------------------
// Keyboard + EAR
// --------------------------------------------------------------------------

// SetEARSource installs the tape player's EAR-level callback.
func (u *ULA) SetEARSource(f func() uint8) { u.earIn = f }

// ReadKeyboard resolves a port 0xFE read: bits 0..4 are the active-low
// AND of the half-rows selected by the inverted high byte, bits 5 and 7
// are high, bit 6 is the tape EAR level.
func (u *ULA) ReadKeyboard(high uint8) uint8 {
	res := u.keyboard.rowsFor(high)
	res |= 0xA0
	if u.earIn != nil && u.earIn() != 0 {
		res |= 0x40
	}
	return res
}

// --------------------------------------------------------------------------
// ULAplus
// --------------------------------------------------------------------------

// WriteULAplusRegister selects a CLUT entry (group 0) or the mode group.
func (u *ULA) WriteULAplusRegister(val uint8) { u.ulaplusReg = val }

// WriteULAplusData writes the selected CLUT entry or toggles palette mode.
func (u *ULA) WriteULAplusData(val uint8) {
	switch u.ulaplusReg >> 6 {
	case 0: // palette group
		u.ulaplusCLUT[u.ulaplusReg&0x3F] = val
	case 1: // mode group
		u.ulaplusMode = val&0x01 != 0
	}
}

// ReadULAplusData reads back the selected CLUT entry or the mode flag.
func (u *ULA) ReadULAplusData() uint8 {
	switch u.ulaplusReg >> 6 {
	case 0:
		return u.ulaplusCLUT[u.ulaplusReg&0x3F]
	case 1:
		if u.ulaplusMode {
			return 0x01
		}
		return 0x00
	}
	return 0xFF
}

// ULAplusActive reports whether the extended palette is in use.
func (u *ULA) ULAplusActive() bool { return u.ulaplusMode }
