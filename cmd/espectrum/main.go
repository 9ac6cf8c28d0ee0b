// Command espectrum is a headless runner for the machine core: it loads
// ROM images, runs a number of frames, and can dump the framebuffer to
// PNG, capture audio to WAV, and install debug triggers from their wire
// format.
package main

import (
	"fmt"
	"image/png"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user-none/espectrum/emu"
	"github.com/user-none/espectrum/wavwriter"
)

type options struct {
	machine  string
	roms     []string
	trdosROM string
	loads    []string
	frames   int
	pngOut   string
	wavOut   string
	triggers []string
	kempston bool
	trace    bool
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:   "espectrum",
		Short: "Headless cycle-accurate ZX Spectrum machine core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&opts.machine, "machine", "m", "48k", "machine model (48k, 128k, +2, +2a, +3, pentagon, pentagon1024, scorpion)")
	root.Flags().StringArrayVarP(&opts.roms, "rom", "r", nil, "16K ROM image, one per bank in order")
	root.Flags().StringVar(&opts.trdosROM, "trdos-rom", "", "TR-DOS ROM image for the Beta-Disk overlay")
	root.Flags().StringArrayVar(&opts.loads, "load", nil, "raw binary to poke into RAM, as file@hexaddr")
	root.Flags().IntVarP(&opts.frames, "frames", "n", 50, "number of frames to run")
	root.Flags().StringVar(&opts.pngOut, "png", "", "write the final framebuffer to this PNG file")
	root.Flags().StringVar(&opts.wavOut, "wav", "", "capture beeper/AY audio to this WAV file")
	root.Flags().StringArrayVarP(&opts.triggers, "trigger", "t", nil, `debug trigger spec, e.g. "E:8000 if HL == 1234h"`)
	root.Flags().BoolVar(&opts.kempston, "kempston", false, "enable the Kempston joystick port")
	root.Flags().BoolVar(&opts.trace, "trace", false, "enable the call-stack shadow")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts *options) error {
	mt, err := emu.ParseMachineType(opts.machine)
	if err != nil {
		return err
	}
	m, err := emu.NewMachine(mt)
	if err != nil {
		return err
	}

	for bank, path := range opts.roms {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := m.Memory().LoadROM(bank, data); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if opts.trdosROM != "" {
		data, err := os.ReadFile(opts.trdosROM)
		if err != nil {
			return err
		}
		if err := m.Memory().LoadTRDOSROM(data); err != nil {
			return fmt.Errorf("%s: %w", opts.trdosROM, err)
		}
	}
	for _, spec := range opts.loads {
		if err := loadBinary(m, spec); err != nil {
			return err
		}
	}

	for _, spec := range opts.triggers {
		if _, err := m.AddTriggerSpec(spec); err != nil {
			return err
		}
	}
	m.Ports().EnableKempston(opts.kempston)
	m.EnableCallTrace(opts.trace)

	if opts.wavOut != "" {
		ww, err := wavwriter.New(opts.wavOut, 44100)
		if err != nil {
			return err
		}
		defer func() {
			if err := ww.Close(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
		}()
		m.SetAudioSink(ww)
	}

	out := cmd.OutOrStdout()
	for frame := 0; frame < opts.frames; frame++ {
		if hit := m.RunFrame(); hit != nil {
			fmt.Fprintf(out, "frame %d: trigger %s hit at PC=%04X T=%d\n",
				frame, hit.Trigger, hit.PC, hit.Tstate)
			break
		}
	}

	stats := m.Stats()
	cpu := m.Core().CPU()
	fmt.Fprintf(out, "%s: %d frames, PC=%04X, last frame %d instructions, %d T-states (%d contended)\n",
		m.Profile().Machine, m.FrameCounter(), cpu.PC(),
		stats.Instructions, stats.Tstates, stats.Contention)

	if opts.pngOut != "" {
		f, err := os.Create(opts.pngOut)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := png.Encode(f, m.ULA().Framebuffer()); err != nil {
			return err
		}
	}
	return nil
}

// loadBinary pokes a raw file into memory at file@hexaddr.
func loadBinary(m *emu.Machine, spec string) error {
	i := strings.LastIndexByte(spec, '@')
	if i < 0 {
		return fmt.Errorf("bad --load %q: want file@hexaddr", spec)
	}
	addr, err := strconv.ParseUint(spec[i+1:], 16, 16)
	if err != nil {
		return fmt.Errorf("bad --load address %q", spec[i+1:])
	}
	data, err := os.ReadFile(spec[:i])
	if err != nil {
		return err
	}
	mem := m.Memory()
	for j, b := range data {
		mem.Poke(uint16(addr)+uint16(j), b)
	}
	return nil
}
