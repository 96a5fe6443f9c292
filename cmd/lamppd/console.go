package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/lumenlamp/go-typec/tcdpm"
	"github.com/lumenlamp/go-typec/tcpe"
)

// port is the part of the policy engine the console drives.
type port interface {
	statusSource
	RequestPowerSwap()
	RequestDataSwap()
	RequestVconnSwap()
	SetBatterySOC(percent uint8)
	Suspend()
	Resume()
	Enable()
	Disable()
	SetDualRole(tcpe.DualRole)
	RequestPower(mv uint32)
}

// console is the interactive command line of lamppd.
type console struct {
	port   port
	rl     *readline.Instance
	out    io.Writer
	cancel context.CancelFunc
}

func newConsole(cancel context.CancelFunc) (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lamp> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &console{rl: rl, out: rl.Stdout(), cancel: cancel}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
func (c *console) Stdout() io.Writer { return c.rl.Stdout() }

// Stderr returns a writer that properly coordinates with the readline input.
func (c *console) Stderr() io.Writer { return c.rl.Stderr() }

// Run reads commands until ctx is done or the user quits.
func (c *console) Run(ctx context.Context) {
	defer c.rl.Close()
	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			c.cancel()
			return
		}
		if c.exec(line) {
			c.cancel()
			return
		}
	}
}

// exec runs one command line and returns true if the user quit.
func (c *console) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus(c.port.Status())
	case "caps":
		st := c.port.Status()
		if len(st.SourceCaps) == 0 {
			fmt.Fprintln(c.out, "No source capabilities")
			break
		}
		for i, d := range tcdpm.DescribeCaps(st.SourceCaps) {
			fmt.Fprintf(c.out, "  %d) %s\n", i+1, d)
		}
	case "prswap":
		c.port.RequestPowerSwap()
	case "drswap":
		c.port.RequestDataSwap()
	case "vconnswap":
		c.port.RequestVconnSwap()
	case "soc":
		n, err := c.uintArg(args, 100)
		if err != nil {
			fmt.Fprintln(c.out, "Usage: soc <0-100>")
			break
		}
		c.port.SetBatterySOC(uint8(n))
	case "power":
		n, err := c.uintArg(args, 20000)
		if err != nil {
			fmt.Fprintln(c.out, "Usage: power <mV, 0 for maximum>")
			break
		}
		c.port.RequestPower(uint32(n))
	case "drp":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: drp <toggle-off|toggle-on|freeze|force-sink|force-source>")
			break
		}
		d, err := tcpe.ParseDualRole(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			break
		}
		c.port.SetDualRole(d)
	case "suspend":
		c.port.Suspend()
	case "resume":
		c.port.Resume()
	case "enable":
		c.port.Enable()
	case "disable":
		c.port.Disable()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *console) uintArg(args []string, limit uint64) (uint64, error) {
	if len(args) != 1 {
		return 0, strconv.ErrSyntax
	}
	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, err
	}
	if n > limit {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func (c *console) printStatus(st tcpe.Status) {
	fmt.Fprintf(c.out, "State:      %s\n", st.State)
	if st.Parked {
		fmt.Fprintln(c.out, "Port parked after hardware faults, use 'enable'")
	}
	fmt.Fprintf(c.out, "Connected:  %v\n", st.Connected)
	fmt.Fprintf(c.out, "Roles:      %s, %s (%s)\n", st.PowerRole, st.DataRole, st.DualRole)
	if !st.Connected {
		return
	}
	fmt.Fprintf(c.out, "Revision:   %s\n", st.Revision)
	fmt.Fprintf(c.out, "VBUS:       %d mV\n", st.VBusMV)
	switch {
	case st.AvailableVoltageMV > 0:
		fmt.Fprintf(c.out, "Contract:   sink %d mV @ %d mA\n", st.AvailableVoltageMV, st.AvailableCurrentMA)
	case st.SourcingMV > 0:
		fmt.Fprintf(c.out, "Contract:   source %d mV @ %d mA\n", st.SourcingMV, st.SourcingMA)
	case st.TypeCCurrentMA > 0:
		fmt.Fprintf(c.out, "Type-C:     %d mA\n", st.TypeCCurrentMA)
	}
	fmt.Fprintf(c.out, "Battery:    %d%%\n", st.SOC)
	if st.HardResets > 0 {
		fmt.Fprintf(c.out, "Hard resets: %d\n", st.HardResets)
	}
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
Lamp port commands:
  status             - Show the port status
  caps               - List the partner's source capabilities
  prswap / drswap    - Request a power / data role swap
  vconnswap          - Request a VCONN swap
  soc <percent>      - Report the battery state of charge
  power <mV>         - Cap the requested voltage (0 for maximum)
  drp <mode>         - Set the dual role mode
  suspend / resume   - Release / retake the port
  disable / enable   - Open the CC lines / reinitialize the port
  quit               - Exit`)
}
