package registers

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// Map is a named register address table, the DAQ analogue of the
// teacher pack's Object Dictionary (parsed from an .ini file the same
// way, via gopkg.in/ini.v1, per SPEC_FULL.md §4.G).
type Map struct {
	byName map[string]uint32
}

// DefaultMap returns the excerpt of the register map spec.md §6
// enumerates, so callers that don't ship a custom .ini file still get
// working names.
func DefaultMap() *Map {
	return &Map{byName: map[string]uint32{
		"start_stop_mask":       0x01010002,
		"start_stop_semaphore":  0x01010004,
		"realtime_counter":      0x0101000c,
		"reset_pulse":           0x01010012,
		"event_output_disable":  0x01010100,
		"waveform_sample_count": 0x01010116,
		"event_fifo":            0x10000000,
		"event_fifo_data_count": 0x20000000,
		"gps_time":              0x20000002,
	}}
}

// LoadMap reads a register name -> address table from an .ini file.
// Each section is a register name; its "address" key holds a hex or
// decimal literal, e.g.:
//
//	[start_stop_mask]
//	address = 0x01010002
func LoadMap(path string) (*Map, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("registers: load map %s: %w", path, err)
	}
	m := &Map{byName: make(map[string]uint32)}
	for _, section := range f.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}
		key := section.Key("address")
		if key.String() == "" {
			continue
		}
		addr, err := strconv.ParseUint(key.String(), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("registers: register %q has invalid address %q: %w", name, key.String(), err)
		}
		m.byName[name] = uint32(addr)
	}
	return m, nil
}

// Address looks up a register by name.
func (m *Map) Address(name string) (uint32, error) {
	addr, ok := m.byName[name]
	if !ok {
		return 0, fmt.Errorf("registers: unknown register %q", name)
	}
	return addr, nil
}
