// Package tcconfig loads the port configuration of the lamp from YAML.
//
// Every field has a default, so an empty document is a valid configuration:
//
//	port:
//	  default_role: sink
//	  dual_role: toggle-off
//	  source_pdos: [{mv: 5000, ma: 1500}]
//	policy:
//	  max_voltage_mv: 15000
//	hardware:
//	  i2c_bus: "1"
//	  part: fusb302b
package tcconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lumenlamp/go-typec"
	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcdpm"
	"github.com/lumenlamp/go-typec/tcpcdriver/fusb302"
	"github.com/lumenlamp/go-typec/tcpe"
	"github.com/lumenlamp/go-typec/tcvdm"
)

var (
	// ErrRole is returned for an unknown power role.
	ErrRole = errors.New("tcconfig: unknown power role")

	// ErrPullup is returned for an unknown Rp value.
	ErrPullup = errors.New("tcconfig: unknown pullup")

	// ErrSupply is returned for a fixed supply out of range.
	ErrSupply = errors.New("tcconfig: invalid fixed supply")

	// ErrSOC is returned for a battery percentage over 100.
	ErrSOC = errors.New("tcconfig: state of charge over 100%")

	// ErrPart is returned for an unknown port controller part.
	ErrPart = errors.New("tcconfig: unknown port controller part")
)

// Supply is a fixed supply capability.
type Supply struct {
	MV uint16 `yaml:"mv"`
	MA uint16 `yaml:"ma"`
}

// Port holds the feature switches and capabilities of the port.
type Port struct {
	DefaultRole  string   `yaml:"default_role"`
	DualRole     string   `yaml:"dual_role"`
	AutoToggle   bool     `yaml:"auto_toggle"`
	TrySrc       bool     `yaml:"try_src"`
	TrySrcMinSOC uint8    `yaml:"try_src_min_soc"`
	ResetMinSOC  uint8    `yaml:"reset_min_soc"`
	Rev30        bool     `yaml:"rev30"`
	Ping         bool     `yaml:"ping"`
	NoVBusSense  bool     `yaml:"no_vbus_sense"`
	VconnSwap    bool     `yaml:"vconn_swap"`
	PowerSwap    bool     `yaml:"power_swap"`
	Pullup       string   `yaml:"pullup"`
	SourcePDOs   []Supply `yaml:"source_pdos"`
	SinkPDOs     []Supply `yaml:"sink_pdos"`
	MaxRequestMV uint32   `yaml:"max_request_mv"`
}

// Policy bounds what is requested from a source.
type Policy struct {
	MaxVoltageMV       uint32 `yaml:"max_voltage_mv"`
	MaxCurrentMA       uint32 `yaml:"max_current_ma"`
	MaxPowerMW         uint32 `yaml:"max_power_mw"`
	OperatingPowerMW   uint32 `yaml:"operating_power_mw"`
	PreferLowerVoltage bool   `yaml:"prefer_lower_voltage"`
}

// Identity is reported to partners discovering ours.
type Identity struct {
	VID       uint16 `yaml:"vid"`
	PID       uint16 `yaml:"pid"`
	XID       uint32 `yaml:"xid"`
	BCDDevice uint16 `yaml:"bcd_device"`
}

// Hardware locates the port controller.
type Hardware struct {
	I2CBus string `yaml:"i2c_bus"`
	Part   string `yaml:"part"`
}

// Trace selects where the protocol trace goes. Empty means nowhere.
type Trace struct {
	File       string `yaml:"file"`
	Serial     string `yaml:"serial"`
	SerialBaud int    `yaml:"serial_baud"`
}

// Config is the whole configuration of the lamp port daemon.
type Config struct {
	Port     Port     `yaml:"port"`
	Policy   Policy   `yaml:"policy"`
	Identity Identity `yaml:"identity"`
	Hardware Hardware `yaml:"hardware"`
	Trace    Trace    `yaml:"trace"`

	// Store is the file saving the port flags across restarts. Empty keeps
	// them in memory.
	Store string `yaml:"store"`
}

// Default returns the configuration matching tcpe.DefaultCapabilities and
// tcdpm.DefaultLimits.
func Default() Config {
	caps := tcpe.DefaultCapabilities()
	l := tcdpm.DefaultLimits
	return Config{
		Port: Port{
			DefaultRole:  roleName(caps.DefaultRole),
			DualRole:     caps.DualRole.String(),
			AutoToggle:   caps.AutoToggle,
			TrySrc:       caps.TrySrc,
			TrySrcMinSOC: caps.TrySrcMinSOC,
			ResetMinSOC:  caps.ResetMinSOC,
			Rev30:        caps.Rev30,
			Ping:         caps.Ping,
			NoVBusSense:  caps.NoVBusSense,
			VconnSwap:    caps.VconnSwap,
			PowerSwap:    caps.PowerSwap,
			Pullup:       "1.5A",
			SourcePDOs:   supplies(caps.SourcePDOs),
			SinkPDOs:     supplies(caps.SinkPDOs),
			MaxRequestMV: caps.MaxRequestMV,
		},
		Policy: Policy{
			MaxVoltageMV:       l.MaxVoltageMV,
			MaxCurrentMA:       l.MaxCurrentMA,
			MaxPowerMW:         l.MaxPowerMW,
			OperatingPowerMW:   l.OperatingPowerMW,
			PreferLowerVoltage: l.PreferLowerVoltage,
		},
		Identity: Identity{
			VID:       caps.Identity.VID,
			PID:       caps.Identity.PID,
			XID:       caps.Identity.XID,
			BCDDevice: caps.Identity.BCDDevice,
		},
		Hardware: Hardware{I2CBus: "", Part: "fusb302b"},
		Trace:    Trace{SerialBaud: 115200},
	}
}

func supplies(pdos []pdmsg.PDO) []Supply {
	s := make([]Supply, 0, len(pdos))
	for _, p := range pdos {
		f := pdmsg.FixedSupplyPDO(p)
		s = append(s, Supply{MV: f.Voltage(), MA: f.MaxCurrent()})
	}
	return s
}

// Parse decodes a YAML document over the defaults. Unknown fields are
// rejected.
func Parse(r io.Reader) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("tcconfig: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tcconfig: %w", err)
	}
	c, err := Parse(bytes.NewReader(b))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks every field and the capabilities they make.
func (c Config) Validate() error {
	if _, err := parseRole(c.Port.DefaultRole); err != nil {
		return err
	}
	if _, err := tcpe.ParseDualRole(c.Port.DualRole); err != nil {
		return err
	}
	if _, err := parsePullup(c.Port.Pullup); err != nil {
		return err
	}
	if c.Port.TrySrcMinSOC > 100 || c.Port.ResetMinSOC > 100 {
		return ErrSOC
	}
	for _, l := range [][]Supply{c.Port.SourcePDOs, c.Port.SinkPDOs} {
		for _, s := range l {
			if s.MV < 5000 || s.MV > 20000 || s.MV%50 != 0 || s.MA > 5000 || s.MA%10 != 0 {
				return fmt.Errorf("%w: %dmV %dmA", ErrSupply, s.MV, s.MA)
			}
		}
	}
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("tcconfig: policy: %w", err)
	}
	if _, err := fusb302.ParseMPN(c.Hardware.Part); err != nil {
		return fmt.Errorf("%w: %q", ErrPart, c.Hardware.Part)
	}
	caps, _ := c.Capabilities()
	return caps.Validate()
}

// Limits returns the policy limits.
func (c Config) Limits() tcdpm.Limits {
	return tcdpm.Limits{
		MaxVoltageMV:       c.Policy.MaxVoltageMV,
		MaxCurrentMA:       c.Policy.MaxCurrentMA,
		MaxPowerMW:         c.Policy.MaxPowerMW,
		OperatingPowerMW:   c.Policy.OperatingPowerMW,
		PreferLowerVoltage: c.Policy.PreferLowerVoltage,
	}
}

// Capabilities converts the port section to engine capabilities. The first
// PDO of each list carries the dual role and USB communication flags.
func (c Config) Capabilities() (tcpe.Capabilities, error) {
	role, err := parseRole(c.Port.DefaultRole)
	if err != nil {
		return tcpe.Capabilities{}, err
	}
	drp, err := tcpe.ParseDualRole(c.Port.DualRole)
	if err != nil {
		return tcpe.Capabilities{}, err
	}
	rp, err := parsePullup(c.Port.Pullup)
	if err != nil {
		return tcpe.Capabilities{}, err
	}
	return tcpe.Capabilities{
		DefaultRole:  role,
		DualRole:     drp,
		AutoToggle:   c.Port.AutoToggle,
		TrySrc:       c.Port.TrySrc,
		TrySrcMinSOC: c.Port.TrySrcMinSOC,
		ResetMinSOC:  c.Port.ResetMinSOC,
		Rev30:        c.Port.Rev30,
		Ping:         c.Port.Ping,
		NoVBusSense:  c.Port.NoVBusSense,
		VconnSwap:    c.Port.VconnSwap,
		PowerSwap:    c.Port.PowerSwap,
		Pullup:       rp,
		SourcePDOs:   pdos(c.Port.SourcePDOs),
		SinkPDOs:     pdos(c.Port.SinkPDOs),
		MaxRequestMV: c.Port.MaxRequestMV,
		Identity: tcvdm.Identity{
			VID:       c.Identity.VID,
			PID:       c.Identity.PID,
			XID:       c.Identity.XID,
			BCDDevice: c.Identity.BCDDevice,
		},
	}, nil
}

func pdos(s []Supply) []pdmsg.PDO {
	if len(s) == 0 {
		return nil
	}
	out := make([]pdmsg.PDO, len(s))
	for i, v := range s {
		f := pdmsg.Fixed(v.MV, v.MA)
		if i == 0 {
			f = tcpe.FixedFlags(f)
		}
		out[i] = pdmsg.PDO(f)
	}
	return out
}

func parseRole(s string) (pdmsg.PowerRole, error) {
	switch s {
	case "sink":
		return pdmsg.PowerRoleSink, nil
	case "source":
		return pdmsg.PowerRoleSource, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrRole, s)
}

func roleName(r pdmsg.PowerRole) string {
	if r == pdmsg.PowerRoleSource {
		return "source"
	}
	return "sink"
}

func parsePullup(s string) (typec.RpValue, error) {
	switch s {
	case "default":
		return typec.RpDefault, nil
	case "1.5A":
		return typec.Rp1A5, nil
	case "3.0A":
		return typec.Rp3A0, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrPullup, s)
}
