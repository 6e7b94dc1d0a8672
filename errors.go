package modbus

import "fmt"

// Modbus function codes supported by this stack.
const (
	FuncCodeReadCoils                      = 0x01
	FuncCodeReadDiscreteInputs             = 0x02
	FuncCodeReadHoldingRegisters           = 0x03
	FuncCodeReadInputRegisters             = 0x04
	FuncCodeWriteSingleCoil                = 0x05
	FuncCodeWriteSingleRegister            = 0x06
	FuncCodeWriteMultipleCoils             = 0x0F
	FuncCodeWriteMultipleRegisters         = 0x10
	FuncCodeReadWriteMultipleRegisters     = 0x17
	FuncCodeEncapsulatedInterfaceTransport = 0x2B

	// MEITypeReadDeviceID is the only MEI sub-function of FC 0x2B this
	// stack supports.
	MEITypeReadDeviceID = 0x0E

	// exceptionFlag is OR-ed into a request's function code to mark a
	// response PDU as an exception response.
	exceptionFlag = 0x80
)

// Modbus exception codes, as returned in the second byte of an exception
// response PDU.
const (
	ExcNone                      = 0x00
	ExcIllegalFunction           = 0x01
	ExcIllegalDataAddress        = 0x02
	ExcIllegalDataValue          = 0x03
	ExcServerDeviceFailure       = 0x04
	ExcAcknowledge               = 0x05
	ExcServerDeviceBusy          = 0x06
	ExcNegativeAcknowledge       = 0x07
	ExcMemoryParityError         = 0x08
	ExcGatewayPathUnavailable    = 0x0A
	ExcGatewayTargetDeviceFailed = 0x0B
)

// excText holds the short, human-readable name of an exception code.
var excText = map[byte]string{
	ExcNone:                      "no exception",
	ExcIllegalFunction:           "illegal function",
	ExcIllegalDataAddress:        "illegal data address",
	ExcIllegalDataValue:          "illegal data value",
	ExcServerDeviceFailure:       "server device failure",
	ExcAcknowledge:               "acknowledge",
	ExcServerDeviceBusy:          "server device busy",
	ExcNegativeAcknowledge:       "negative acknowledge",
	ExcMemoryParityError:         "memory parity error",
	ExcGatewayPathUnavailable:    "gateway path unavailable",
	ExcGatewayTargetDeviceFailed: "gateway target device failed to respond",
}

// ExceptionText returns the short human-readable name of a Modbus exception
// code, or "unknown exception" if the code is not recognized.
func ExceptionText(code byte) string {
	if s, ok := excText[code]; ok {
		return s
	}
	return "unknown exception"
}

// Exception is the error type returned when a well-framed response carries
// an exception (its function code has the high bit set). It is distinct
// from a transport error: the peer answered, it just refused the request.
type Exception struct {
	FunctionCode byte
	Code         byte
}

func (e *Exception) Error() string {
	return fmt.Sprintf("modbus: exception %#x (%s) on function %#x", e.Code, ExceptionText(e.Code), e.FunctionCode)
}

// ErrorCode enumerates the client's last-error classification, mirroring
// the MB_*_ERR codes of the protocol this stack ports.
type ErrorCode int

const (
	ErrNoError ErrorCode = iota
	ErrResolve
	ErrConnect
	ErrSend
	ErrRecv
	ErrTimeout
	ErrFrame
	ErrExcept
	ErrSockClose
)

var errCodeText = map[ErrorCode]string{
	ErrNoError:   "no error",
	ErrResolve:   "host resolving error",
	ErrConnect:   "connect error",
	ErrSend:      "send error",
	ErrRecv:      "receive error",
	ErrTimeout:   "timeout error",
	ErrFrame:     "frame error",
	ErrExcept:    "modbus exception",
	ErrSockClose: "socket close error",
}

// String returns the human-readable text of a client error code.
func (c ErrorCode) String() string {
	if s, ok := errCodeText[c]; ok {
		return s
	}
	return "unknown error"
}

// TransportError wraps an underlying transport failure (resolve, connect,
// send, recv, timeout) with its ErrorCode classification. It never wraps a
// Modbus exception response; see Exception for that case.
type TransportError struct {
	Code ErrorCode
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("modbus: %s", e.Code)
	}
	return fmt.Sprintf("modbus: %s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrBadAddress is returned by DataBank getters/setters when the requested
// range does not fit inside the array's fixed capacity. DataHandler
// translates it to ExcIllegalDataAddress.
var ErrBadAddress = fmt.Errorf("modbus: address out of range")

// ErrBadValue is returned by PDU decoders and DataHandler validation when a
// field carries a value the protocol forbids (wrong byte count, illegal
// single-coil value, ...). DataHandler translates it to ExcIllegalDataValue.
var ErrBadValue = fmt.Errorf("modbus: illegal data value")

// ErrBadFrame marks a malformed frame or PDU: a response header whose
// Length field is outside the protocol's legal range or whose Protocol ID is
// not zero (the Client then closes the connection), a frame too short to
// hold a function code (DecodeFrame), or a PDU payload whose length does not
// fit its function code (the PDU decoders). TakeFrame reports the header
// cases as FrameBad rather than as an error.
var ErrBadFrame = fmt.Errorf("modbus: malformed frame")
