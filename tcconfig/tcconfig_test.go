package tcconfig

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcdpm"
	"github.com/lumenlamp/go-typec/tcpe"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, tcdpm.DefaultLimits, c.Limits())

	caps, err := c.Capabilities()
	require.NoError(t, err)
	def := tcpe.DefaultCapabilities()
	assert.Equal(t, def.DefaultRole, caps.DefaultRole)
	assert.Equal(t, def.DualRole, caps.DualRole)
	assert.Equal(t, def.Pullup, caps.Pullup)
	assert.Equal(t, def.Identity, caps.Identity)
	assert.Equal(t, def.SourcePDOs, caps.SourcePDOs)
	require.Len(t, caps.SinkPDOs, len(def.SinkPDOs))
	assert.Equal(t, def.SinkPDOs[0], caps.SinkPDOs[0])
	for i, p := range caps.SinkPDOs {
		assert.Equal(t, pdmsg.FixedSupplyPDO(def.SinkPDOs[i]).Voltage(), pdmsg.FixedSupplyPDO(p).Voltage())
	}
}

func TestParseEmpty(t *testing.T) {
	c, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParse(t *testing.T) {
	doc := `
port:
  default_role: source
  dual_role: toggle-on
  try_src: true
  no_vbus_sense: true
  pullup: 3.0A
  source_pdos:
    - {mv: 5000, ma: 3000}
    - {mv: 9000, ma: 2000}
policy:
  max_voltage_mv: 9000
  prefer_lower_voltage: true
identity:
  vid: 0x1209
  pid: 0x5d0c
hardware:
  i2c_bus: "I2C1"
  part: fusb302b01mpx
trace:
  serial: /dev/ttyS1
store: /var/lib/lamppd/port.cbor
`
	c, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "I2C1", c.Hardware.I2CBus)
	assert.Equal(t, "/var/lib/lamppd/port.cbor", c.Store)
	assert.Equal(t, 115200, c.Trace.SerialBaud, "default kept")

	caps, err := c.Capabilities()
	require.NoError(t, err)
	assert.Equal(t, pdmsg.PowerRoleSource, caps.DefaultRole)
	assert.Equal(t, tcpe.DualRoleToggleOn, caps.DualRole)
	assert.True(t, caps.TrySrc)
	assert.True(t, caps.NoVBusSense)
	assert.Equal(t, typec.Rp3A0, caps.Pullup)
	assert.Equal(t, uint16(0x5d0c), caps.Identity.PID)
	require.Len(t, caps.SourcePDOs, 2)

	first := pdmsg.FixedSupplyPDO(caps.SourcePDOs[0])
	assert.Equal(t, uint16(3000), first.MaxCurrent())
	assert.True(t, first.DualRolePower())
	assert.True(t, first.USBCommunication())
	second := pdmsg.FixedSupplyPDO(caps.SourcePDOs[1])
	assert.Equal(t, uint16(9000), second.Voltage())
	assert.False(t, second.DualRolePower(), "flags only on the first PDO")

	l := c.Limits()
	assert.Equal(t, uint32(9000), l.MaxVoltageMV)
	assert.True(t, l.PreferLowerVoltage)
	assert.Equal(t, tcdpm.DefaultLimits.MaxCurrentMA, l.MaxCurrentMA)
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse(strings.NewReader("port:\n  colour: red\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("port: [1, 2"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"role", func(c *Config) { c.Port.DefaultRole = "both" }, ErrRole},
		{"dual role", func(c *Config) { c.Port.DualRole = "sometimes" }, tcpe.ErrDualRole},
		{"pullup", func(c *Config) { c.Port.Pullup = "2A" }, ErrPullup},
		{"soc", func(c *Config) { c.Port.TrySrcMinSOC = 101 }, ErrSOC},
		{"voltage", func(c *Config) { c.Port.SinkPDOs[1].MV = 25000 }, ErrSupply},
		{"current", func(c *Config) { c.Port.SourcePDOs[0].MA = 5001 }, ErrSupply},
		{"first pdo", func(c *Config) { c.Port.SinkPDOs = c.Port.SinkPDOs[1:] }, tcpe.ErrFirstPDO},
		{"no sink pdo", func(c *Config) { c.Port.SinkPDOs = nil }, tcpe.ErrNoSinkPDO},
		{"no source pdo", func(c *Config) { c.Port.SourcePDOs = nil }, tcpe.ErrNoSourcePDO},
		{"part", func(c *Config) { c.Hardware.Part = "tcpm" }, ErrPart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			assert.ErrorIs(t, c.Validate(), tt.want)
		})
	}

	c := Default()
	c.Policy.MaxVoltageMV = 3000
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lamppd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port:\n  ping: true\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.True(t, c.Port.Ping)

	require.NoError(t, os.WriteFile(path, []byte("port:\n  default_role: drain\n"), 0o644))
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrRole)
	assert.Contains(t, err.Error(), path)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
