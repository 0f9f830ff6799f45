package scriptcontext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetValueMissingIsNil(t *testing.T) {
	c := New()
	require.Nil(t, c.GetValue("sensor.unknown"))
	require.Nil(t, c.GetValue("not-a-path"))
}

func TestSensorGPIOVarRoundtrip(t *testing.T) {
	c := New()
	c.SetSensor("temp1", 42.5)
	c.SetGPIO("17", true)
	c.SetVariable("counter", 3.0)

	require.Equal(t, 42.5, c.GetValue("sensor.temp1"))
	require.Equal(t, true, c.GetValue("gpio.17"))
	require.Equal(t, 3.0, c.GetValue("var.counter"))
}

func TestTimeFields(t *testing.T) {
	c := New()
	require.NotNil(t, c.GetValue("time.hour"))
	require.NotNil(t, c.GetValue("time.weekday"))
	require.Nil(t, c.GetValue("time.bogus"))
}

func TestInterpolate(t *testing.T) {
	c := New()
	c.SetSensor("temp1", 99.0)
	out := c.Interpolate("reading is {sensor.temp1} degrees")
	require.Equal(t, "reading is 99 degrees", out)
}
