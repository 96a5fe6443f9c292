// Package tcpcdriver holds what the USB Type-C port controller drivers
// share: the bus they are attached to and register access over it.
package tcpcdriver

// I2C is the minimum an I²C bus provides to a driver. periph.io's i2c.Bus
// and TinyGo's machine.I2C both implement it.
type I2C interface {

	// Tx writes w then reads into r in a single transaction with the
	// device at addr. A nil w or r skips that half. Tx must be safe to call
	// concurrently from multiple goroutines.
	Tx(addr uint16, w, r []byte) error
}

// MaxTransfer is the largest register block Regs moves in one transaction.
const MaxTransfer = 40

// Regs accesses the 8-bit registers of one device. Transfers go through an
// internal buffer so that none allocates. A Regs must only be used from one
// goroutine.
type Regs struct {
	bus  I2C
	addr uint16
	buf  [MaxTransfer + 1]byte
}

// NewRegs returns register access to the device at addr on bus.
func NewRegs(bus I2C, addr uint16) *Regs {
	return &Regs{bus: bus, addr: addr}
}

// Addr returns the device address.
func (r *Regs) Addr() uint16 { return r.addr }

// Write sets register reg to v.
func (r *Regs) Write(reg, v uint8) error {
	r.buf[0], r.buf[1] = reg, v
	return r.bus.Tx(r.addr, r.buf[:2], nil)
}

// Read returns the value of register reg.
func (r *Regs) Read(reg uint8) (uint8, error) {
	r.buf[0] = reg
	err := r.bus.Tx(r.addr, r.buf[:1], r.buf[1:2])
	return r.buf[1], err
}

// WriteMany writes d starting at reg. Whether the device increments the
// register address or streams into a FIFO is up to the device. d is cut to
// MaxTransfer bytes.
func (r *Regs) WriteMany(reg uint8, d []byte) error {
	r.buf[0] = reg
	n := copy(r.buf[1:], d)
	return r.bus.Tx(r.addr, r.buf[:n+1], nil)
}

// ReadMany fills d starting at reg. d is cut to MaxTransfer bytes.
func (r *Regs) ReadMany(reg uint8, d []byte) error {
	r.buf[0] = reg
	n := min(len(d), MaxTransfer)
	err := r.bus.Tx(r.addr, r.buf[:1], r.buf[1:n+1])
	if err == nil {
		copy(d, r.buf[1:n+1])
	}
	return err
}
