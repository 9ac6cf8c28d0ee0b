package emu

import "testing"

// newTestMachine builds a machine with zero-filled ROM banks (every ROM
// byte is a NOP), failing the test on a construction error.
func newTestMachine(t *testing.T, mt MachineType) *Machine {
	t.Helper()
	m, err := NewMachine(mt)
	if err != nil {
		t.Fatalf("NewMachine(%v): %v", mt, err)
	}
	return m
}

// createTestROMBank creates a 16KB ROM bank filled with the given byte,
// so tests can verify which bank a slot maps to.
func createTestROMBank(fill byte) []byte {
	rom := make([]byte, BankSize)
	for i := range rom {
		rom[i] = fill
	}
	return rom
}

// pokeCode installs a byte sequence at an address and points PC at it.
func pokeCode(m *Machine, addr uint16, code ...byte) {
	for i, b := range code {
		m.Memory().Poke(addr+uint16(i), b)
	}
	m.Core().CPU().SetPC(addr)
}

// fillNOPs pokes a run of NOPs starting at addr.
func fillNOPs(m *Machine, addr uint16, n int) {
	for i := 0; i < n; i++ {
		m.Memory().Poke(addr+uint16(i), 0x00)
	}
}

// tapeBlockWithPayload builds a data block (flag 0xFF) around a payload,
// with the trailing checksum byte the ROM loader expects.
func tapeBlockWithPayload(payload []byte) TapeBlock {
	data := make([]byte, 0, len(payload)+2)
	data = append(data, 0xFF)
	data = append(data, payload...)
	check := byte(0xFF)
	for _, b := range payload {
		check ^= b
	}
	data = append(data, check)
	return TapeBlock{Data: data}
}
