// Package modbus implements a Modbus/TCP protocol stack: a PDU codec, an
// MBAP framer, an in-memory DataBank, a policy DataHandler, a concurrent
// Server and a Client with auto-open/auto-close connection management.
//
// Serial Modbus (RTU/ASCII) is out of scope; this package only speaks
// Modbus/TCP.
package modbus
