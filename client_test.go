package modbus

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackServer(t *testing.T) (*Server, *DataBank, ClientConfig) {
	t.Helper()
	bank := NewDataBank(WithCoilsSize(100), WithHoldingRegistersSize(100))
	srv := NewServer(NewDataHandler(bank), nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { srv.Stop() })

	addr := srv.Addr().(*net.TCPAddr)
	cfg := DefaultClientConfig()
	cfg.Host, cfg.Port = addr.IP.String(), addr.Port
	cfg.Timeout = 2 * time.Second
	return srv, bank, cfg
}

func TestClient_ReadWriteRoundtrip(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	client := NewClient(cfg, nil)
	defer client.Close()

	require.NoError(t, client.WriteSingleRegister(10, 4242))
	values, err := client.ReadHoldingRegisters(10, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4242}, values)

	require.NoError(t, client.WriteSingleCoil(3, true))
	coils, err := client.ReadCoils(3, 1)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, coils)
}

func TestClient_WriteMultipleThenReadBack(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	client := NewClient(cfg, nil)
	defer client.Close()

	require.NoError(t, client.WriteMultipleRegisters(0, []uint16{1, 2, 3, 4}))
	values, err := client.ReadHoldingRegisters(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3, 4}, values)

	require.NoError(t, client.WriteMultipleCoils(0, []bool{true, false, true}))
	coils, err := client.ReadCoils(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, coils)
}

func TestClient_WriteReadMultipleRegisters(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	client := NewClient(cfg, nil)
	defer client.Close()

	require.NoError(t, client.WriteMultipleRegisters(0, []uint16{0, 0, 0}))
	values, err := client.WriteReadMultipleRegisters(0, []uint16{7, 8}, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 8, 0}, values)
}

func TestClient_IllegalAddress_ReturnsException(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	client := NewClient(cfg, nil)
	defer client.Close()

	_, err := client.ReadHoldingRegisters(90, 100)
	require.Error(t, err)

	var exc *Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, byte(ExcIllegalDataAddress), exc.Code)
	assert.Equal(t, ErrExcept, client.LastError())
	assert.Equal(t, byte(ExcIllegalDataAddress), client.LastException())
}

func TestClient_AutoOpenAfterConnectionDropped(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	cfg.AutoOpen = true
	client := NewClient(cfg, nil)
	defer client.Close()

	require.NoError(t, client.Open())
	require.True(t, client.IsOpen())

	// drop the connection by closing the client's socket directly (bypassing
	// Close, so the explicit-open flag stays set), then confirm auto_open
	// transparently reconnects on the next request.
	client.mu.Lock()
	require.NoError(t, client.closeLocked())
	client.mu.Unlock()

	_, err := client.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)
	assert.True(t, client.IsOpen())
}

func TestClient_AutoOpenDisabled_FailsWhenNotConnected(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	cfg.AutoOpen = false
	client := NewClient(cfg, nil)
	defer client.Close()

	_, err := client.ReadHoldingRegisters(0, 1)
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ErrConnect, te.Code)
}

func TestClient_AutoClose_ClosesAfterEachRequest(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	cfg.AutoClose = true
	client := NewClient(cfg, nil)
	defer client.Close()

	_, err := client.ReadHoldingRegisters(0, 1)
	require.NoError(t, err)
	assert.False(t, client.IsOpen())
}

func TestClient_SetHostWhileConnected_ForcesClose(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	client := NewClient(cfg, nil)
	defer client.Close()

	require.NoError(t, client.Open())
	require.True(t, client.IsOpen())

	require.NoError(t, client.SetHost(cfg.Host))
	assert.False(t, client.IsOpen())
}

func TestClient_SetHost_RejectsMalformedHostnameWithoutTouchingSocket(t *testing.T) {
	_, _, cfg := newLoopbackServer(t)
	client := NewClient(cfg, nil)
	defer client.Close()

	require.NoError(t, client.Open())
	require.True(t, client.IsOpen())

	err := client.SetHost("not a host!!")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadValue))
	assert.True(t, client.IsOpen(), "a rejected SetHost must not close the existing connection")
}
