// Package wavwriter renders a Machine's per-frame audio deltas into a
// WAV file. It implements emu.AudioSink, so it can be attached to a
// machine in place of a real audio device.
package wavwriter

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/user-none/espectrum/emu"
)

// beeperAmplitude scales the four beeper levels (EAR/MIC combinations)
// into sample space.
var beeperAmplitude = [5]float32{0.0, 0.03, 0.0, 0.25, 0.28}

// tapeAmplitude is the EAR-in contribution while a tape plays.
const tapeAmplitude = 0.05

// WavWriter accumulates frames and writes 16-bit mono PCM.
type WavWriter struct {
	f    *os.File
	enc  *wav.Encoder
	rate int

	beeperLevel int
	tapeLevel   int
}

// New creates the output file and encoder.
func New(path string, sampleRate int) (*WavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavwriter: %w", err)
	}
	return &WavWriter{
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		rate: sampleRate,
	}, nil
}

// SampleRate implements emu.AudioSink.
func (w *WavWriter) SampleRate() int { return w.rate }

// PushFrame implements emu.AudioSink: the frame's beeper and tape edges
// are flattened into samples, AY samples are mixed in, and the result is
// appended to the file.
func (w *WavWriter) PushFrame(fa emu.FrameAudio) {
	if fa.Tstates <= 0 || fa.ClockHz <= 0 {
		return
	}
	n := int(int64(w.rate) * int64(fa.Tstates) / int64(fa.ClockHz))
	if n == 0 {
		return
	}

	samples := make([]int, n)
	bi, ti := 0, 0
	for i := 0; i < n; i++ {
		t := int(int64(i) * int64(fa.Tstates) / int64(n))
		for bi < len(fa.Beeper) && fa.Beeper[bi].Tstate <= t {
			w.beeperLevel = fa.Beeper[bi].Level
			bi++
		}
		for ti < len(fa.TapeEar) && fa.TapeEar[ti].Tstate <= t {
			w.tapeLevel = fa.TapeEar[ti].Level
			ti++
		}

		lvl := w.beeperLevel
		if lvl < 0 || lvl >= len(beeperAmplitude) {
			lvl = 0
		}
		s := beeperAmplitude[lvl] + float32(w.tapeLevel)*tapeAmplitude
		if i < len(fa.AY) {
			s += fa.AY[i] * 0.5
		}
		if s > 1 {
			s = 1
		}
		samples[i] = int(s * 32767)
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: w.rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	// Encoding errors surface at Close; a frame push has no failure path
	_ = w.enc.Write(buf)
}

// Close finalizes the WAV header and closes the file.
func (w *WavWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("wavwriter: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("wavwriter: %w", err)
	}
	return nil
}
