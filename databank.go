package modbus

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// defaultArraySize is the DataBank's default per-array capacity, matching
// the full 16-bit Modbus address space.
const defaultArraySize = 0x10000

// ChangeKind identifies which wire-writable DataBank array a ChangeEvent
// describes. Discrete inputs and input registers are read-only via the wire
// protocol and never produce change events.
type ChangeKind int

const (
	ChangeCoils ChangeKind = iota
	ChangeHoldingRegisters
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCoils:
		return "coils"
	case ChangeHoldingRegisters:
		return "holding"
	default:
		return "unknown"
	}
}

// Origin distinguishes an internal mutation (made by calling code directly)
// from one driven by a client request over the wire.
type Origin struct {
	// RemoteAddr is the client's "ip:port" for wire-driven writes, empty
	// for internal writes.
	RemoteAddr string
}

func (o Origin) isInternal() bool { return o.RemoteAddr == "" }

// ChangeEvent describes one committed mutation of a wire-writable array.
// Address and the value slice cover exactly the sub-range whose values
// actually changed, which may be narrower than the range the caller wrote.
type ChangeEvent struct {
	Kind    ChangeKind
	Address uint16
	Bits    []bool   // set when Kind == ChangeCoils
	Words   []uint16 // set when Kind == ChangeHoldingRegisters
	Origin  Origin
}

// SubscriptionToken identifies a DataBank subscriber for Unsubscribe. The
// DataBank holds no reference back to the subscriber beyond this token and
// its callback, so a subscriber that also references the DataBank does not
// create an ownership cycle.
type SubscriptionToken int64

// DataBank is the in-memory, thread-safe Modbus data space: four fixed-size
// arrays (coils, discrete inputs, holding registers, input registers),
// each independently locked so unrelated mutations proceed concurrently.
type DataBank struct {
	coilsMu sync.RWMutex
	coils   []bool

	discreteMu sync.RWMutex
	discrete   []bool

	holdingMu sync.RWMutex
	holding   []uint16

	inputMu sync.RWMutex
	input   []uint16

	subMu     sync.Mutex
	subs      map[SubscriptionToken]func(ChangeEvent)
	nextToken atomic.Int64
}

// Option configures a DataBank at construction time.
type Option func(*databankConfig)

type databankConfig struct {
	coilsSize, discreteSize, holdingSize, inputSize int
	coilsDefault, discreteDefault                   bool
	holdingDefault, inputDefault                    uint16
}

// WithCoilsSize sets the coil array's fixed capacity (default 0x10000).
func WithCoilsSize(n int) Option { return func(c *databankConfig) { c.coilsSize = n } }

// WithDiscreteInputsSize sets the discrete input array's fixed capacity.
func WithDiscreteInputsSize(n int) Option { return func(c *databankConfig) { c.discreteSize = n } }

// WithHoldingRegistersSize sets the holding register array's fixed capacity.
func WithHoldingRegistersSize(n int) Option { return func(c *databankConfig) { c.holdingSize = n } }

// WithInputRegistersSize sets the input register array's fixed capacity.
func WithInputRegistersSize(n int) Option { return func(c *databankConfig) { c.inputSize = n } }

// WithCoilsDefault sets the coil array's initial value (default false).
func WithCoilsDefault(v bool) Option { return func(c *databankConfig) { c.coilsDefault = v } }

// WithDiscreteInputsDefault sets the discrete input array's initial value.
func WithDiscreteInputsDefault(v bool) Option {
	return func(c *databankConfig) { c.discreteDefault = v }
}

// WithHoldingRegistersDefault sets the holding register array's initial value.
func WithHoldingRegistersDefault(v uint16) Option {
	return func(c *databankConfig) { c.holdingDefault = v }
}

// WithInputRegistersDefault sets the input register array's initial value.
func WithInputRegistersDefault(v uint16) Option {
	return func(c *databankConfig) { c.inputDefault = v }
}

// NewDataBank builds a DataBank. Arrays default to 0x10000 entries, coils
// and discrete inputs default to false, registers default to 0.
func NewDataBank(opts ...Option) *DataBank {
	cfg := databankConfig{
		coilsSize:    defaultArraySize,
		discreteSize: defaultArraySize,
		holdingSize:  defaultArraySize,
		inputSize:    defaultArraySize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := &DataBank{
		coils:    make([]bool, cfg.coilsSize),
		discrete: make([]bool, cfg.discreteSize),
		holding:  make([]uint16, cfg.holdingSize),
		input:    make([]uint16, cfg.inputSize),
		subs:     make(map[SubscriptionToken]func(ChangeEvent)),
	}
	if cfg.coilsDefault {
		fillBool(db.coils, true)
	}
	if cfg.discreteDefault {
		fillBool(db.discrete, true)
	}
	if cfg.holdingDefault != 0 {
		fillU16(db.holding, cfg.holdingDefault)
	}
	if cfg.inputDefault != 0 {
		fillU16(db.input, cfg.inputDefault)
	}
	return db
}

func fillBool(s []bool, v bool) {
	for i := range s {
		s[i] = v
	}
}

func fillU16(s []uint16, v uint16) {
	for i := range s {
		s[i] = v
	}
}

// Subscribe registers fn to be called, synchronously and outside any
// DataBank lock, after every committed SetCoils/SetHoldingRegisters
// mutation that changed at least one value. No DataBank lock is held while
// fn runs, so fn may call back into the DataBank; a setter called from fn
// that changes a value notifies every subscriber again, recursively, before
// the outer setter returns.
func (db *DataBank) Subscribe(fn func(ChangeEvent)) SubscriptionToken {
	token := SubscriptionToken(db.nextToken.Add(1))
	db.subMu.Lock()
	db.subs[token] = fn
	db.subMu.Unlock()
	return token
}

// Unsubscribe removes a subscriber registered with Subscribe.
func (db *DataBank) Unsubscribe(token SubscriptionToken) {
	db.subMu.Lock()
	delete(db.subs, token)
	db.subMu.Unlock()
}

func (db *DataBank) notify(ev ChangeEvent) {
	db.subMu.Lock()
	fns := make([]func(ChangeEvent), 0, len(db.subs))
	for _, fn := range db.subs {
		fns = append(fns, fn)
	}
	db.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// --- Coils -------------------------------------------------------------------

// GetCoils reads qty coils starting at start. ErrBadAddress if the range
// extends past the array's capacity.
func (db *DataBank) GetCoils(start, qty uint16) ([]bool, error) {
	db.coilsMu.RLock()
	defer db.coilsMu.RUnlock()
	return readBools(db.coils, start, qty)
}

// SetCoils writes values starting at start and emits a ChangeCoils event
// covering the sub-range whose values actually changed, if any.
func (db *DataBank) SetCoils(start uint16, values []bool, origin Origin) error {
	db.coilsMu.Lock()
	firstChanged, lastChanged, ok, err := writeBools(db.coils, start, values)
	db.coilsMu.Unlock()
	if err != nil {
		return err
	}
	if ok {
		db.notify(ChangeEvent{
			Kind:    ChangeCoils,
			Address: uint16(int(start) + firstChanged),
			Bits:    values[firstChanged : lastChanged+1],
			Origin:  origin,
		})
	}
	return nil
}

// GetDiscreteInputs reads qty discrete inputs starting at start.
func (db *DataBank) GetDiscreteInputs(start, qty uint16) ([]bool, error) {
	db.discreteMu.RLock()
	defer db.discreteMu.RUnlock()
	return readBools(db.discrete, start, qty)
}

// SetDiscreteInputs writes values starting at start. Discrete inputs are
// read-only over the wire; this exists for internal/simulation use and
// never emits a change notification.
func (db *DataBank) SetDiscreteInputs(start uint16, values []bool) error {
	db.discreteMu.Lock()
	defer db.discreteMu.Unlock()
	_, _, _, err := writeBools(db.discrete, start, values)
	return err
}

// --- Registers ----------------------------------------------------------------

// GetHoldingRegisters reads qty holding registers starting at start.
func (db *DataBank) GetHoldingRegisters(start, qty uint16) ([]uint16, error) {
	db.holdingMu.RLock()
	defer db.holdingMu.RUnlock()
	return readWords(db.holding, start, qty)
}

// SetHoldingRegisters writes values starting at start and emits a
// ChangeHoldingRegisters event covering the sub-range that actually changed,
// if any.
func (db *DataBank) SetHoldingRegisters(start uint16, values []uint16, origin Origin) error {
	db.holdingMu.Lock()
	firstChanged, lastChanged, ok, err := writeWords(db.holding, start, values)
	db.holdingMu.Unlock()
	if err != nil {
		return err
	}
	if ok {
		db.notify(ChangeEvent{
			Kind:    ChangeHoldingRegisters,
			Address: uint16(int(start) + firstChanged),
			Words:   values[firstChanged : lastChanged+1],
			Origin:  origin,
		})
	}
	return nil
}

// GetInputRegisters reads qty input registers starting at start.
func (db *DataBank) GetInputRegisters(start, qty uint16) ([]uint16, error) {
	db.inputMu.RLock()
	defer db.inputMu.RUnlock()
	return readWords(db.input, start, qty)
}

// SetInputRegisters writes values starting at start. Input registers are
// read-only over the wire; this exists for internal/simulation use and
// never emits a change notification.
func (db *DataBank) SetInputRegisters(start uint16, values []uint16) error {
	db.inputMu.Lock()
	defer db.inputMu.Unlock()
	_, _, _, err := writeWords(db.input, start, values)
	return err
}

func readBools(arr []bool, start, qty uint16) ([]bool, error) {
	if int(start)+int(qty) > len(arr) {
		return nil, fmt.Errorf("%w: bits [%d, %d) exceed capacity %d", ErrBadAddress, start, int(start)+int(qty), len(arr))
	}
	out := make([]bool, qty)
	copy(out, arr[start:int(start)+int(qty)])
	return out, nil
}

func readWords(arr []uint16, start, qty uint16) ([]uint16, error) {
	if int(start)+int(qty) > len(arr) {
		return nil, fmt.Errorf("%w: registers [%d, %d) exceed capacity %d", ErrBadAddress, start, int(start)+int(qty), len(arr))
	}
	out := make([]uint16, qty)
	copy(out, arr[start:int(start)+int(qty)])
	return out, nil
}

// writeBools writes values into arr starting at start, returning the
// [first,last] index range (relative to values) whose value actually
// changed, and whether any change happened at all.
func writeBools(arr []bool, start uint16, values []bool) (first, last int, changed bool, err error) {
	if int(start)+len(values) > len(arr) {
		return 0, 0, false, fmt.Errorf("%w: bits [%d, %d) exceed capacity %d", ErrBadAddress, start, int(start)+len(values), len(arr))
	}
	first, last = -1, -1
	for i, v := range values {
		idx := int(start) + i
		if arr[idx] != v {
			if first == -1 {
				first = i
			}
			last = i
			arr[idx] = v
		}
	}
	return first, last, first != -1, nil
}

func writeWords(arr []uint16, start uint16, values []uint16) (first, last int, changed bool, err error) {
	if int(start)+len(values) > len(arr) {
		return 0, 0, false, fmt.Errorf("%w: registers [%d, %d) exceed capacity %d", ErrBadAddress, start, int(start)+len(values), len(arr))
	}
	first, last = -1, -1
	for i, v := range values {
		idx := int(start) + i
		if arr[idx] != v {
			if first == -1 {
				first = i
			}
			last = i
			arr[idx] = v
		}
	}
	return first, last, first != -1, nil
}
