// Lamppd runs the USB-C power delivery port of the lamp on a FUSB302
// attached to an I²C bus of a Linux board.
//
// Usage:
//
//	lamppd -config /etc/lamppd.yaml [-i] [-trace-serial /dev/ttyS1]
//	lamppd -dump trace.cbor
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tarm/serial"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/lumenlamp/go-typec/pdmsg"
	"github.com/lumenlamp/go-typec/tcconfig"
	"github.com/lumenlamp/go-typec/tcdpm"
	"github.com/lumenlamp/go-typec/tclog"
	"github.com/lumenlamp/go-typec/tcpcdriver/fusb302"
	"github.com/lumenlamp/go-typec/tcpe"
	"github.com/lumenlamp/go-typec/tcstore"
)

var (
	configPath  = flag.String("config", "", "Configuration file path (defaults if empty)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	interactive = flag.Bool("i", false, "Interactive console")
	traceFile   = flag.String("trace", "", "Append the protocol trace to this file")
	traceSerial = flag.String("trace-serial", "", "Stream the protocol trace to this serial port")
	soc         = flag.Uint("soc", 100, "Initial battery state of charge in percent")
	dump        = flag.String("dump", "", "Print a protocol trace file and exit")
)

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	if *dump != "" {
		if err := dumpTrace(*dump, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "lamppd: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := run(logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func loadConfig() (tcconfig.Config, error) {
	if *configPath == "" {
		c := tcconfig.Default()
		return c, c.Validate()
	}
	return tcconfig.Load(*configPath)
}

func run(logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *traceFile != "" {
		cfg.Trace.File = *traceFile
	}
	if *traceSerial != "" {
		cfg.Trace.Serial = *traceSerial
	}
	caps, err := cfg.Capabilities()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var con *console
	var policy tcdpm.Policy = cfg.Limits()
	if *interactive {
		con, err = newConsole(cancel)
		if err != nil {
			return err
		}
		logger = slog.New(slog.NewTextHandler(con.Stderr(), &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
		policy = tcdpm.NewLogger(con.Stdout(), "\n", policy)
	}

	trace, closeTrace, err := openTrace(cfg.Trace, logger)
	if err != nil {
		return err
	}
	defer closeTrace()

	pc, closePort, err := openPort(cfg.Hardware)
	if err != nil {
		return err
	}
	defer closePort()

	pe := tcpe.New(pc, caps,
		tcpe.WithLogger(logger),
		tcpe.WithTrace(trace),
		tcpe.WithPolicy(policy),
	)
	pe.SetBatterySOC(uint8(min(*soc, 100)))
	psu := &supply{log: logger.With("component", "supply")}
	pe.SetPowerSupply(psu)
	pe.SetSourceCapsHandler(tcpe.SourceCapsHandlerFunc(func(pdos []pdmsg.PDO) {
		logger.Info("source capabilities", "pdos", tcdpm.DescribeCaps(pdos))
	}))
	if cfg.Store != "" {
		pe.SetStore(tcstore.NewFileStore(cfg.Store))
	} else {
		pe.SetStore(&tcstore.MemoryStore{})
	}

	go monitor(ctx, pe, logger.With("component", "input"))
	done := make(chan struct{})
	go func() {
		pe.Run(ctx)
		close(done)
	}()
	if con != nil {
		con.port = pe
		go con.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()
	<-done

	// Release the port: supply off and CC lines quiet.
	pe.Suspend()
	pe.Tick(context.Background())
	return nil
}

// openPort opens the I²C bus and the FUSB302 on it.
func openPort(hw tcconfig.Hardware) (*fusb302.FUSB302, func(), error) {
	mpn, err := fusb302.ParseMPN(hw.Part)
	if err != nil {
		return nil, nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("host init: %w", err)
	}
	b, err := i2creg.Open(hw.I2CBus)
	if err != nil {
		return nil, nil, fmt.Errorf("open i2c bus %q: %w", hw.I2CBus, err)
	}
	if err := b.SetSpeed(physic.MegaHertz); err != nil {
		b.Close()
		return nil, nil, fmt.Errorf("i2c speed: %w", err)
	}
	return fusb302.New(b, mpn), func() { b.Close() }, nil
}

// openTrace opens every configured trace destination. Debug logging also
// gets the trace.
func openTrace(t tcconfig.Trace, logger *slog.Logger) (tclog.Logger, func(), error) {
	var loggers tclog.MultiLogger
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	if t.File != "" {
		fl, err := tclog.NewFileLogger(t.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace: %w", err)
		}
		loggers = append(loggers, fl)
		closers = append(closers, fl)
	}
	if t.Serial != "" {
		s, err := serial.OpenPort(&serial.Config{Name: t.Serial, Baud: t.SerialBaud})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open trace port %s: %w", t.Serial, err)
		}
		sl := tclog.NewStreamLogger(s)
		loggers = append(loggers, sl)
		closers = append(closers, sl)
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		loggers = append(loggers, tclog.NewSlogAdapter(logger))
	}
	return loggers, closeAll, nil
}

// dumpTrace prints every event of a trace file.
func dumpTrace(path string, w io.Writer) error {
	r, err := tclog.OpenFile(path)
	if err != nil {
		return err
	}
	defer r.Close()
	evs, err := r.ReadAll()
	a := tclog.NewSlogAdapter(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})))
	for _, ev := range evs {
		a.Log(ev)
	}
	return err
}
