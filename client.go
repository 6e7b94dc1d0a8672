package modbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client is a synchronous Modbus/TCP client: at most one transaction is
// ever in flight on its socket, so callers must serialize requests on a
// single Client instance. Multiple Client instances are independent.
type Client struct {
	mu  sync.Mutex
	cfg ClientConfig

	conn         net.Conn
	explicitOpen bool
	txID         uint16

	lastError     ErrorCode
	lastException byte

	logger *zap.Logger
}

// NewClient builds a Client from cfg. logger may be nil, in which case a
// no-op logger is used.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Config returns a copy of the Client's current configuration.
func (c *Client) Config() ClientConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetHost changes the target host. If the Client is connected, it is
// closed first.
func (c *Client) SetHost(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if host == "" {
		return fmt.Errorf("%w: host must not be empty", ErrBadValue)
	}
	if !validHost(host) {
		return fmt.Errorf("%w: host %q is not a valid IPv4/IPv6 address or hostname", ErrBadValue, host)
	}
	c.closeLocked()
	c.cfg.Host = host
	return nil
}

// SetPort changes the target port, in [1, 65535]. If the Client is
// connected, it is closed first.
func (c *Client) SetPort(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range [1, 65535]", ErrBadValue, port)
	}
	c.closeLocked()
	c.cfg.Port = port
	return nil
}

// SetUnitID changes the unit id used on subsequent requests.
func (c *Client) SetUnitID(id byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.UnitID = id
}

// SetTimeout changes the per-request socket timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Timeout = d
}

// SetAutoOpen toggles whether a request transparently opens the connection.
func (c *Client) SetAutoOpen(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.AutoOpen = v
}

// SetAutoClose toggles whether a request closes the connection afterward.
func (c *Client) SetAutoClose(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.AutoClose = v
}

// IsOpen reports whether the Client currently holds a live connection.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// LastError returns the ErrorCode of the most recent failure: a transport
// failure, or ErrExcept when the last response was an exception. It is
// ErrNoError after a successful request.
func (c *Client) LastError() ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// LastErrorText returns the human-readable text of LastError.
func (c *Client) LastErrorText() string { return c.LastError().String() }

// LastException returns the Modbus exception code of the last response
// received, or ExcNone if that response was not an exception. A transport
// failure leaves it unchanged.
func (c *Client) LastException() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastException
}

// LastExceptionText returns the human-readable text of LastException.
func (c *Client) LastExceptionText() string { return ExceptionText(c.LastException()) }

// Open explicitly opens the connection. The caller owns it until Close is
// called: AutoClose has no effect on a connection Open opened.
func (c *Client) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.explicitOpen = true
	return c.openLocked()
}

// Close closes the connection, if any. Safe to call from any goroutine and
// when already closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.explicitOpen = false
	return c.closeLocked()
}

func (c *Client) openLocked() error {
	if c.conn != nil {
		return nil
	}
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, c.cfg.Timeout)
	if err != nil {
		var dnsErr *net.DNSError
		code := ErrConnect
		if errors.As(err, &dnsErr) {
			code = ErrResolve
		}
		c.lastError = code
		return &TransportError{Code: code, Err: err}
	}
	c.conn = conn
	c.lastError = ErrNoError
	return nil
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return &TransportError{Code: ErrSockClose, Err: err}
	}
	return nil
}

func (c *Client) nextTxID() uint16 {
	c.txID++
	return c.txID
}

// roundTrip sends pdu and returns the decoded response PDU, handling
// auto-open/auto-close policy, transaction correlation and timeouts. It
// never returns an exception response as success: a high-bit FC becomes an
// *Exception error, with LastError/LastException updated accordingly.
// A connection the peer has closed is detected only when a request on it
// fails: that request returns a TransportError and closes the socket, and
// with AutoOpen the next request opens a new connection.
func (c *Client) roundTrip(pdu PDU) (PDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if !c.cfg.AutoOpen {
			err := &TransportError{Code: ErrConnect, Err: fmt.Errorf("not connected and auto_open is disabled")}
			c.lastError = ErrConnect
			return PDU{}, err
		}
		if err := c.openLocked(); err != nil {
			return PDU{}, err
		}
	}

	if c.cfg.AutoClose && !c.explicitOpen {
		defer c.closeLocked()
	}

	txID := c.nextTxID()
	frame := EncodeFrame(txID, c.cfg.UnitID, pdu)

	if c.cfg.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	c.logger.Debug("modbus: send", zap.Binary("frame", frame))
	if _, err := c.conn.Write(frame); err != nil {
		c.lastError = ErrSend
		c.closeLocked()
		return PDU{}, &TransportError{Code: ErrSend, Err: err}
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		code := classifyRecvErr(err)
		c.lastError = code
		c.closeLocked()
		return PDU{}, &TransportError{Code: code, Err: err}
	}
	h := DecodeHeader(header)
	if h.ProtocolID != 0x0000 || h.Length < 2 || int(h.Length) > maxADUSize-headerSize+1 {
		c.lastError = ErrFrame
		c.closeLocked()
		return PDU{}, &TransportError{Code: ErrFrame, Err: ErrBadFrame}
	}

	body := make([]byte, h.Length-1)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		code := classifyRecvErr(err)
		c.lastError = code
		c.closeLocked()
		return PDU{}, &TransportError{Code: code, Err: err}
	}
	c.logger.Debug("modbus: recv", zap.Binary("frame", append(header, body...)))

	if h.TransactionID != txID || h.UnitID != c.cfg.UnitID {
		c.lastError = ErrRecv
		c.closeLocked()
		return PDU{}, &TransportError{Code: ErrRecv, Err: fmt.Errorf("response tx/unit mismatch: got (%#x,%d) want (%#x,%d)", h.TransactionID, h.UnitID, txID, c.cfg.UnitID)}
	}

	resp := PDU{FunctionCode: body[0], Data: body[1:]}
	if IsException(resp) {
		code, _ := DecodeException(resp)
		c.lastError = ErrExcept
		c.lastException = code
		return PDU{}, &Exception{FunctionCode: resp.FunctionCode &^ exceptionFlag, Code: code}
	}

	c.lastError = ErrNoError
	c.lastException = ExcNone
	return resp, nil
}

func classifyRecvErr(err error) ErrorCode {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrRecv
}

// ReadCoils reads qty coils starting at start.
func (c *Client) ReadCoils(start, qty uint16) ([]bool, error) {
	req, err := EncodeReadBitsRequest(FuncCodeReadCoils, start, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	return DecodeBitsResponse(resp.Data, qty)
}

// ReadDiscreteInputs reads qty discrete inputs starting at start.
func (c *Client) ReadDiscreteInputs(start, qty uint16) ([]bool, error) {
	req, err := EncodeReadBitsRequest(FuncCodeReadDiscreteInputs, start, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	return DecodeBitsResponse(resp.Data, qty)
}

// ReadHoldingRegisters reads qty holding registers starting at start.
func (c *Client) ReadHoldingRegisters(start, qty uint16) ([]uint16, error) {
	req, err := EncodeReadRegistersRequest(FuncCodeReadHoldingRegisters, start, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	return DecodeRegistersResponse(resp.Data, qty)
}

// ReadInputRegisters reads qty input registers starting at start.
func (c *Client) ReadInputRegisters(start, qty uint16) ([]uint16, error) {
	req, err := EncodeReadRegistersRequest(FuncCodeReadInputRegisters, start, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	return DecodeRegistersResponse(resp.Data, qty)
}

// WriteSingleCoil writes value to the coil at addr.
func (c *Client) WriteSingleCoil(addr uint16, value bool) error {
	req := EncodeWriteSingleCoilRequest(addr, value)
	_, err := c.roundTrip(req)
	return err
}

// WriteSingleRegister writes value to the holding register at addr.
func (c *Client) WriteSingleRegister(addr, value uint16) error {
	req := EncodeWriteSingleRegisterRequest(addr, value)
	_, err := c.roundTrip(req)
	return err
}

// WriteMultipleCoils writes values starting at start.
func (c *Client) WriteMultipleCoils(start uint16, values []bool) error {
	req, err := EncodeWriteMultipleCoilsRequest(start, values)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(req)
	return err
}

// WriteMultipleRegisters writes values starting at start.
func (c *Client) WriteMultipleRegisters(start uint16, values []uint16) error {
	req, err := EncodeWriteMultipleRegistersRequest(start, values)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(req)
	return err
}

// WriteReadMultipleRegisters performs FC 0x17: it writes wValues starting
// at wStart, then reads rQty registers starting at rStart, returning the
// values read.
func (c *Client) WriteReadMultipleRegisters(wStart uint16, wValues []uint16, rStart, rQty uint16) ([]uint16, error) {
	req, err := EncodeReadWriteMultipleRegistersRequest(rStart, rQty, wStart, wValues)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	return DecodeReadWriteMultipleRegistersResponse(resp.Data, rQty)
}

// ReadDeviceIdentification reads device identification objects for
// readCode, starting at objectID, following the "more follows" pagination
// until the server signals completion.
func (c *Client) ReadDeviceIdentification(readCode byte, objectID byte) (map[byte][]byte, error) {
	objects := make(map[byte][]byte)
	for {
		req := EncodeReadDeviceIdentificationRequest(readCode, objectID)
		resp, err := c.roundTrip(req)
		if err != nil {
			return nil, err
		}
		_, _, more, next, objs, err := DecodeReadDeviceIdentificationResponse(resp.Data)
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			objects[o.ID] = o.Value
		}
		if !more {
			return objects, nil
		}
		objectID = next
	}
}

// CustomRequest sends a caller-built PDU verbatim, bypassing all
// function-specific validation. It is the client's escape hatch for
// function codes this package does not otherwise expose.
func (c *Client) CustomRequest(functionCode byte, data []byte) ([]byte, error) {
	resp, err := c.roundTrip(PDU{FunctionCode: functionCode, Data: data})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
