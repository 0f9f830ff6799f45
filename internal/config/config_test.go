package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, Validate(&cfg))
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	cfg.Scripts.Dir = ""
	cfg.Limits.MaxActions = 0
	cfg.Modbus = []ModbusDeviceConfig{{Name: "", Conn: "bogus", Address: ""}}

	err := Validate(&cfg)
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "schema_version")
	require.Contains(t, msg, "scripts.dir")
	require.Contains(t, msg, "max_actions_per_run")
	require.Contains(t, msg, "modbus[0].name")
	require.Contains(t, msg, "modbus[0].conn")
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schema_version: "1"
node_id: edge-01
modbus:
  - name: plc1
    conn: tcp
    address: "10.0.0.5:502"
    registers:
      - name: temp
        address: 100
        data_type: u16
        scale: 0.1
        unit: C
`), 0o640))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "edge-01", cfg.NodeID)
	require.Equal(t, 30, cfg.Scripts.ReloadTicks, "unset fields still take the default value")
	require.Len(t, cfg.Modbus, 1)
	require.Equal(t, "plc1", cfg.Modbus[0].Name)
	require.Len(t, cfg.Modbus[0].Registers, 1)
	require.Equal(t, "temp", cfg.Modbus[0].Registers[0].Name)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: \"9\"\n"), 0o640))

	_, err := Load(path)
	require.Error(t, err)
}
