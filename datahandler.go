package modbus

import (
	"errors"
	"net"
)

// DataHandler is the stateless policy layer between a Server and a
// DataBank: it validates each request, maps it to DataBank operations, and
// turns DataBank failures into Modbus exceptions. Every per-FC entry point
// is an exported function field defaulting to a DataBank-backed
// implementation, so callers can override one (e.g. for per-unit address
// spaces, write protection, or command routing) while the rest keep their
// default behavior. The contract any override must preserve: return a
// decoded value on success, or an error (ErrBadAddress/ErrBadValue/other)
// on failure — Serve does the PDU encoding either way.
type DataHandler struct {
	Bank *DataBank

	// AllowedIPs, if non-empty, restricts which client source addresses
	// this handler will serve; others are rejected before any DataBank
	// access. See Server, which closes the connection outright rather
	// than answering with an exception.
	AllowedIPs []net.IPNet

	// AcceptUnitID reports whether unitID should be served. Default:
	// accept all.
	AcceptUnitID func(unitID byte) bool

	// DeviceIdentification lists the Basic objects served for FC
	// 0x2B/0x0E (vendor name, product code, revision, ...).
	DeviceIdentification []DeviceIDObject

	OnReadCoils                  func(unitID byte, start, qty uint16) ([]bool, error)
	OnReadDiscreteInputs         func(unitID byte, start, qty uint16) ([]bool, error)
	OnReadHoldingRegisters       func(unitID byte, start, qty uint16) ([]uint16, error)
	OnReadInputRegisters         func(unitID byte, start, qty uint16) ([]uint16, error)
	OnWriteSingleCoil            func(unitID byte, addr uint16, value bool, origin Origin) error
	OnWriteSingleRegister        func(unitID byte, addr, value uint16, origin Origin) error
	OnWriteMultipleCoils         func(unitID byte, start uint16, values []bool, origin Origin) error
	OnWriteMultipleRegisters     func(unitID byte, start uint16, values []uint16, origin Origin) error
	OnReadWriteMultipleRegisters func(unitID byte, rStart, rQty, wStart uint16, wValues []uint16, origin Origin) ([]uint16, error)
}

// NewDataHandler builds a DataHandler whose per-FC entry points read and
// write bank directly.
func NewDataHandler(bank *DataBank) *DataHandler {
	h := &DataHandler{Bank: bank}
	h.OnReadCoils = func(_ byte, start, qty uint16) ([]bool, error) { return bank.GetCoils(start, qty) }
	h.OnReadDiscreteInputs = func(_ byte, start, qty uint16) ([]bool, error) {
		return bank.GetDiscreteInputs(start, qty)
	}
	h.OnReadHoldingRegisters = func(_ byte, start, qty uint16) ([]uint16, error) {
		return bank.GetHoldingRegisters(start, qty)
	}
	h.OnReadInputRegisters = func(_ byte, start, qty uint16) ([]uint16, error) {
		return bank.GetInputRegisters(start, qty)
	}
	h.OnWriteSingleCoil = func(_ byte, addr uint16, value bool, origin Origin) error {
		return bank.SetCoils(addr, []bool{value}, origin)
	}
	h.OnWriteSingleRegister = func(_ byte, addr, value uint16, origin Origin) error {
		return bank.SetHoldingRegisters(addr, []uint16{value}, origin)
	}
	h.OnWriteMultipleCoils = func(_ byte, start uint16, values []bool, origin Origin) error {
		return bank.SetCoils(start, values, origin)
	}
	h.OnWriteMultipleRegisters = func(_ byte, start uint16, values []uint16, origin Origin) error {
		return bank.SetHoldingRegisters(start, values, origin)
	}
	// Write commits before the read samples the holding registers, so an
	// overlapping read observes the values this same request just wrote.
	h.OnReadWriteMultipleRegisters = func(_ byte, rStart, rQty, wStart uint16, wValues []uint16, origin Origin) ([]uint16, error) {
		if err := bank.SetHoldingRegisters(wStart, wValues, origin); err != nil {
			return nil, err
		}
		return bank.GetHoldingRegisters(rStart, rQty)
	}
	return h
}

// Allowed reports whether remoteAddr (a connection's "ip:port") is
// permitted to talk to this handler, per AllowedIPs.
func (h *DataHandler) Allowed(remoteAddr string) bool {
	if len(h.AllowedIPs) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range h.AllowedIPs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Serve dispatches one decoded request PDU against the DataBank and
// returns either a response PDU or an exception PDU; it never returns an
// error, since a malformed-but-addressable request is itself answered as a
// Modbus exception. Framing-level errors are the Server's concern,
// handled before Serve is ever called.
func (h *DataHandler) Serve(unitID byte, pdu PDU, origin Origin) PDU {
	if h.AcceptUnitID != nil && !h.AcceptUnitID(unitID) {
		return EncodeException(pdu.FunctionCode, ExcIllegalFunction)
	}

	switch pdu.FunctionCode {
	case FuncCodeReadCoils:
		return h.serveReadBits(unitID, pdu, h.OnReadCoils)
	case FuncCodeReadDiscreteInputs:
		return h.serveReadBits(unitID, pdu, h.OnReadDiscreteInputs)
	case FuncCodeReadHoldingRegisters:
		return h.serveReadRegisters(unitID, pdu, h.OnReadHoldingRegisters)
	case FuncCodeReadInputRegisters:
		return h.serveReadRegisters(unitID, pdu, h.OnReadInputRegisters)
	case FuncCodeWriteSingleCoil:
		return h.serveWriteSingleCoil(unitID, pdu, origin)
	case FuncCodeWriteSingleRegister:
		return h.serveWriteSingleRegister(unitID, pdu, origin)
	case FuncCodeWriteMultipleCoils:
		return h.serveWriteMultipleCoils(unitID, pdu, origin)
	case FuncCodeWriteMultipleRegisters:
		return h.serveWriteMultipleRegisters(unitID, pdu, origin)
	case FuncCodeReadWriteMultipleRegisters:
		return h.serveReadWriteMultipleRegisters(unitID, pdu, origin)
	case FuncCodeEncapsulatedInterfaceTransport:
		return h.serveReadDeviceIdentification(pdu)
	default:
		return EncodeException(pdu.FunctionCode, ExcIllegalFunction)
	}
}

func (h *DataHandler) serveReadBits(unitID byte, pdu PDU, op func(byte, uint16, uint16) ([]bool, error)) PDU {
	start, qty, err := DecodeReadBitsRequest(pdu.Data)
	if err != nil {
		return EncodeException(pdu.FunctionCode, ExcIllegalDataValue)
	}
	if err := checkQty(start, qty, MinReadBitsQty, MaxReadBitsQty); err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	values, err := op(unitID, start, qty)
	if err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	return EncodeBitsResponse(pdu.FunctionCode, values)
}

func (h *DataHandler) serveReadRegisters(unitID byte, pdu PDU, op func(byte, uint16, uint16) ([]uint16, error)) PDU {
	start, qty, err := DecodeReadRegistersRequest(pdu.Data)
	if err != nil {
		return EncodeException(pdu.FunctionCode, ExcIllegalDataValue)
	}
	if err := checkQty(start, qty, MinReadRegsQty, MaxReadRegsQty); err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	values, err := op(unitID, start, qty)
	if err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	return EncodeRegistersResponse(pdu.FunctionCode, values)
}

func (h *DataHandler) serveWriteSingleCoil(unitID byte, pdu PDU, origin Origin) PDU {
	addr, value, err := DecodeWriteSingleCoilRequest(pdu.Data)
	if err != nil {
		return EncodeException(pdu.FunctionCode, ExcIllegalDataValue)
	}
	if err := h.OnWriteSingleCoil(unitID, addr, value, origin); err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	return EncodeWriteSingleCoilRequest(addr, value)
}

func (h *DataHandler) serveWriteSingleRegister(unitID byte, pdu PDU, origin Origin) PDU {
	addr, value, err := DecodeWriteSingleRegisterRequest(pdu.Data)
	if err != nil {
		return EncodeException(pdu.FunctionCode, ExcIllegalDataValue)
	}
	if err := h.OnWriteSingleRegister(unitID, addr, value, origin); err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	return EncodeWriteSingleRegisterRequest(addr, value)
}

func (h *DataHandler) serveWriteMultipleCoils(unitID byte, pdu PDU, origin Origin) PDU {
	start, values, err := DecodeWriteMultipleCoilsRequest(pdu.Data)
	if err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	if err := h.OnWriteMultipleCoils(unitID, start, values, origin); err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	return EncodeWriteMultipleCoilsResponse(start, uint16(len(values)))
}

func (h *DataHandler) serveWriteMultipleRegisters(unitID byte, pdu PDU, origin Origin) PDU {
	start, values, err := DecodeWriteMultipleRegistersRequest(pdu.Data)
	if err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	if err := h.OnWriteMultipleRegisters(unitID, start, values, origin); err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	return EncodeWriteMultipleRegistersResponse(start, uint16(len(values)))
}

func (h *DataHandler) serveReadWriteMultipleRegisters(unitID byte, pdu PDU, origin Origin) PDU {
	rStart, rQty, wStart, wValues, err := DecodeReadWriteMultipleRegistersRequest(pdu.Data)
	if err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	values, err := h.OnReadWriteMultipleRegisters(unitID, rStart, rQty, wStart, wValues, origin)
	if err != nil {
		return EncodeException(pdu.FunctionCode, toException(err))
	}
	return EncodeReadWriteMultipleRegistersResponse(values)
}

func (h *DataHandler) serveReadDeviceIdentification(pdu PDU) PDU {
	readCode, _, err := DecodeReadDeviceIdentificationRequest(pdu.Data)
	if err != nil {
		return EncodeException(pdu.FunctionCode, ExcIllegalDataValue)
	}
	return EncodeReadDeviceIdentificationResponse(readCode, ConformityBasic, false, 0, h.DeviceIdentification)
}

// toException maps a DataBank/decode error to its Modbus exception code.
func toException(err error) byte {
	switch {
	case errors.Is(err, ErrBadAddress):
		return ExcIllegalDataAddress
	case errors.Is(err, ErrBadValue):
		return ExcIllegalDataValue
	default:
		return ExcServerDeviceFailure
	}
}
