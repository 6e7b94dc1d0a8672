package modbus

import "math"

// DataType names the wire representation a RegisterView converts a scaled
// float64 to/from: one holding register for the 16-bit types, two
// (big-endian word order: high word first) for the 32-bit types.
type DataType int

const (
	DataTypeUint16 DataType = iota
	DataTypeInt16
	DataTypeUint32
	DataTypeInt32
	DataTypeFloat32
)

// RegisterView is a typed, scaled window onto a span of a DataBank's
// holding registers. It exists for callers that model a physical quantity
// (voltage, energy, ...) rather than raw 16-bit words.
// Scale has no effect on DataTypeFloat32, whose IEEE-754 bits are carried
// unscaled.
type RegisterView struct {
	Bank    *DataBank
	Address uint16
	Type    DataType
	Scale   float64
}

// Width reports how many consecutive holding registers this view spans.
func (v RegisterView) Width() uint16 {
	switch v.Type {
	case DataTypeUint32, DataTypeInt32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// SetScaled writes value, converting it to this view's DataType and scale.
func (v RegisterView) SetScaled(value float64, origin Origin) error {
	scale := v.Scale
	if scale == 0 {
		scale = 1
	}

	switch v.Type {
	case DataTypeUint16:
		return v.Bank.SetHoldingRegisters(v.Address, []uint16{uint16(value * scale)}, origin)
	case DataTypeInt16:
		return v.Bank.SetHoldingRegisters(v.Address, []uint16{uint16(int16(value * scale))}, origin)
	case DataTypeUint32:
		return v.Bank.SetHoldingRegisters(v.Address, words32(uint32(value*scale)), origin)
	case DataTypeInt32:
		return v.Bank.SetHoldingRegisters(v.Address, words32(uint32(int32(value*scale))), origin)
	case DataTypeFloat32:
		return v.Bank.SetHoldingRegisters(v.Address, words32(math.Float32bits(float32(value))), origin)
	default:
		return ErrBadValue
	}
}

// Scaled reads this view's current value, converted from its DataType and
// scale back to a float64.
func (v RegisterView) Scaled() (float64, error) {
	scale := v.Scale
	if scale == 0 {
		scale = 1
	}

	words, err := v.Bank.GetHoldingRegisters(v.Address, v.Width())
	if err != nil {
		return 0, err
	}

	switch v.Type {
	case DataTypeUint16:
		return float64(words[0]) / scale, nil
	case DataTypeInt16:
		return float64(int16(words[0])) / scale, nil
	case DataTypeUint32:
		return float64(unwords32(words)) / scale, nil
	case DataTypeInt32:
		return float64(int32(unwords32(words))) / scale, nil
	case DataTypeFloat32:
		return float64(math.Float32frombits(unwords32(words))), nil
	default:
		return 0, ErrBadValue
	}
}

func words32(v uint32) []uint16 {
	return []uint16{uint16(v >> 16), uint16(v)}
}

func unwords32(words []uint16) uint32 {
	return uint32(words[0])<<16 | uint32(words[1])
}
