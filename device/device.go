// Package device maps symbolic register names onto bus addresses and issues
// the actual transfers through a register-access connection. Registers are
// 32-bit little-endian words with optional named bit fields.
package device

import (
	"encoding/binary"
	"fmt"
)

// RegisterAccess is the blocking read/write contract underneath the facade.
type RegisterAccess interface {
	ReadRegister(addr uint64, sizeBytes int) ([]byte, error)
	WriteRegister(addr uint64, data []byte, posted bool) error
}

type mask struct {
	name  string
	value uint32
	shift uint
}

func newMask(name string, value uint32) mask {
	shift := uint(0)
	for i := uint(0); i < 32; i++ {
		if value&(1<<i) != 0 {
			shift = i
			break
		}
	}
	return mask{name: name, value: value, shift: shift}
}

// Register is one named 32-bit word in the device address space.
type Register struct {
	Name string
	Addr uint64

	masks map[string]mask
}

func (r *Register) String() string {
	return fmt.Sprintf("%s at %#x", r.Name, r.Addr)
}

// ReadMask extracts the named field's value from a full register word.
func (r *Register) ReadMask(name string, word uint32) (uint32, error) {
	m, ok := r.masks[name]
	if !ok {
		return 0, fmt.Errorf("device: register %s has no field %s", r.Name, name)
	}
	return (word & m.value) >> m.shift, nil
}

// WriteMask merges a field value into a full register word.
func (r *Register) WriteMask(name string, word, value uint32) (uint32, error) {
	m, ok := r.masks[name]
	if !ok {
		return 0, fmt.Errorf("device: register %s has no field %s", r.Name, name)
	}
	return word&^m.value | value<<m.shift&m.value, nil
}

// Device is the register map plus its access path.
type Device struct {
	access    RegisterAccess
	registers map[string]*Register
}

func New(access RegisterAccess) *Device {
	return &Device{
		access:    access,
		registers: make(map[string]*Register),
	}
}

// AddRegister declares one register; fields maps field names onto their bit
// masks within the word.
func (d *Device) AddRegister(name string, addr uint64, fields map[string]uint32) *Register {
	reg := &Register{
		Name:  name,
		Addr:  addr,
		masks: make(map[string]mask),
	}
	for fieldName, value := range fields {
		reg.masks[fieldName] = newMask(fieldName, value)
	}
	d.registers[name] = reg
	return reg
}

func (d *Device) register(name string) (*Register, error) {
	reg, ok := d.registers[name]
	if !ok {
		return nil, fmt.Errorf("device: unknown register %s", name)
	}
	return reg, nil
}

// ReadReg reads the full 32-bit word of a named register.
func (d *Device) ReadReg(name string) (uint32, error) {
	reg, err := d.register(name)
	if err != nil {
		return 0, err
	}
	data, err := d.access.ReadRegister(reg.Addr, 4)
	if err != nil {
		return 0, fmt.Errorf("device: reading %s: %w", name, err)
	}
	return binary.LittleEndian.Uint32(data), nil
}

// WriteReg writes the full 32-bit word of a named register.
func (d *Device) WriteReg(name string, value uint32, posted bool) error {
	reg, err := d.register(name)
	if err != nil {
		return err
	}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	if err := d.access.WriteRegister(reg.Addr, data, posted); err != nil {
		return fmt.Errorf("device: writing %s: %w", name, err)
	}
	return nil
}

// ReadField reads a register and extracts one named field.
func (d *Device) ReadField(regName, fieldName string) (uint32, error) {
	reg, err := d.register(regName)
	if err != nil {
		return 0, err
	}
	word, err := d.ReadReg(regName)
	if err != nil {
		return 0, err
	}
	return reg.ReadMask(fieldName, word)
}

// WriteField does a read-modify-write of one named field, leaving the other
// bits of the word untouched. Always acked, since the readback makes a
// posted write pointless.
func (d *Device) WriteField(regName, fieldName string, value uint32) error {
	reg, err := d.register(regName)
	if err != nil {
		return err
	}
	word, err := d.ReadReg(regName)
	if err != nil {
		return err
	}
	merged, err := reg.WriteMask(fieldName, word, value)
	if err != nil {
		return err
	}
	return d.WriteReg(regName, merged, false)
}

// ReadBlock and WriteBlock pass arbitrary-length transfers straight through.
func (d *Device) ReadBlock(addr uint64, sizeBytes int) ([]byte, error) {
	return d.access.ReadRegister(addr, sizeBytes)
}

func (d *Device) WriteBlock(addr uint64, data []byte, posted bool) error {
	return d.access.WriteRegister(addr, data, posted)
}
