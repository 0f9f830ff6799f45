package conflict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoConflictSingleScript(t *testing.T) {
	d := New()
	r := d.CheckGPIOWrite("gpio.17", "script-a", BoolValue(true))
	require.Equal(t, NoConflict, r.Kind)

	r = d.CheckGPIOWrite("gpio.17", "script-a", BoolValue(false))
	require.Equal(t, NoConflict, r.Kind, "same script updating its own claim is never a conflict")
}

func TestConflictDifferentScriptsDifferentValues(t *testing.T) {
	d := New()
	r := d.CheckGPIOWrite("gpio.17", "script-a", BoolValue(true))
	require.Equal(t, NoConflict, r.Kind)

	r = d.CheckGPIOWrite("gpio.17", "script-b", BoolValue(false))
	require.Equal(t, Conflict, r.Kind)
	require.Contains(t, r.Message, "script-a")
	require.Contains(t, r.Message, "script-b")
}

func TestDuplicateSameValue(t *testing.T) {
	d := New()
	d.CheckGPIOWrite("gpio.17", "script-a", BoolValue(true))

	r := d.CheckGPIOWrite("gpio.17", "script-b", BoolValue(true))
	require.Equal(t, Duplicate, r.Kind)
}

func TestModbusConflict(t *testing.T) {
	d := New()
	d.CheckModbusWrite("plc1.hr.40001", "script-a", U16Value(100))

	r := d.CheckModbusWrite("plc1.hr.40001", "script-b", U16Value(200))
	require.Equal(t, Conflict, r.Kind)
}

func TestConflictUpdatesPendingValueForLastWriteWins(t *testing.T) {
	d := New()
	d.CheckGPIOWrite("gpio.17", "script-a", BoolValue(true))

	r := d.CheckGPIOWrite("gpio.17", "script-b", BoolValue(false))
	require.Equal(t, Conflict, r.Kind)

	// A third writer proposing script-b's value must now see it as a
	// duplicate of the most recent write, not a conflict against script-a's
	// now-superseded value.
	r = d.CheckGPIOWrite("gpio.17", "script-c", BoolValue(false))
	require.Equal(t, Duplicate, r.Kind)
}

func TestResetClearsState(t *testing.T) {
	d := New()
	d.CheckGPIOWrite("gpio.17", "script-a", BoolValue(true))
	d.CheckModbusWrite("plc1.hr.40001", "script-a", U16Value(1))

	d.Reset()

	gpio, modbus, coil := d.PendingSummary()
	require.Zero(t, gpio)
	require.Zero(t, modbus)
	require.Zero(t, coil)

	r := d.CheckGPIOWrite("gpio.17", "script-b", BoolValue(false))
	require.Equal(t, NoConflict, r.Kind, "reset must clear the previous tick's claims")
}
