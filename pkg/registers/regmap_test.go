package registers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMapMatchesSpecExcerpt(t *testing.T) {
	m := DefaultMap()
	addr, err := m.Address("event_fifo_data_count")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000000), addr)

	addr, err = m.Address("waveform_sample_count")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01010116), addr)

	_, err = m.Address("does_not_exist")
	assert.Error(t, err)
}

func TestLoadMapFromIni(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registers.ini")
	contents := "[custom_reg]\naddress = 0x01020304\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	m, err := LoadMap(path)
	require.NoError(t, err)
	addr, err := m.Address("custom_reg")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), addr)
}
