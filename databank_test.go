package modbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataBank_DefaultsAndCapacity(t *testing.T) {
	bank := NewDataBank(
		WithCoilsSize(10),
		WithHoldingRegistersSize(10),
		WithCoilsDefault(true),
		WithHoldingRegistersDefault(7),
	)

	coils, err := bank.GetCoils(0, 10)
	require.NoError(t, err)
	for _, c := range coils {
		assert.True(t, c)
	}

	regs, err := bank.GetHoldingRegisters(0, 10)
	require.NoError(t, err)
	for _, r := range regs {
		assert.Equal(t, uint16(7), r)
	}

	_, err = bank.GetCoils(5, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadAddress))
}

func TestDataBank_SetCoils_EmitsChangeOnlyForActualChanges(t *testing.T) {
	bank := NewDataBank(WithCoilsSize(10))

	var events []ChangeEvent
	bank.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	require.NoError(t, bank.SetCoils(0, []bool{false, false, false}, Origin{}))
	assert.Empty(t, events, "writing the existing (zero) value must not notify")

	require.NoError(t, bank.SetCoils(0, []bool{false, true, false}, Origin{RemoteAddr: "10.0.0.1:502"}))
	require.Len(t, events, 1)
	assert.Equal(t, ChangeCoils, events[0].Kind)
	assert.Equal(t, uint16(1), events[0].Address)
	assert.Equal(t, []bool{true}, events[0].Bits)
	assert.Equal(t, "10.0.0.1:502", events[0].Origin.RemoteAddr)
}

func TestDataBank_SetHoldingRegisters_ChangedSubrange(t *testing.T) {
	bank := NewDataBank(WithHoldingRegistersSize(10))

	var got ChangeEvent
	bank.Subscribe(func(ev ChangeEvent) { got = ev })

	require.NoError(t, bank.SetHoldingRegisters(0, []uint16{0, 0, 5, 6, 0}, Origin{}))
	assert.Equal(t, uint16(2), got.Address)
	assert.Equal(t, []uint16{5, 6}, got.Words)
}

func TestDataBank_DiscreteAndInputRegisters_NeverNotify(t *testing.T) {
	bank := NewDataBank(WithDiscreteInputsSize(10), WithInputRegistersSize(10))

	notified := false
	bank.Subscribe(func(ev ChangeEvent) { notified = true })

	require.NoError(t, bank.SetDiscreteInputs(0, []bool{true, true}))
	require.NoError(t, bank.SetInputRegisters(0, []uint16{1, 2}))
	assert.False(t, notified)
}

func TestDataBank_Unsubscribe(t *testing.T) {
	bank := NewDataBank(WithCoilsSize(10))

	count := 0
	token := bank.Subscribe(func(ev ChangeEvent) { count++ })
	require.NoError(t, bank.SetCoils(0, []bool{true}, Origin{}))
	assert.Equal(t, 1, count)

	bank.Unsubscribe(token)
	require.NoError(t, bank.SetCoils(1, []bool{true}, Origin{}))
	assert.Equal(t, 1, count, "unsubscribed callback must not fire again")
}

func TestDataBank_ConcurrentAccessIsRace_Free(t *testing.T) {
	bank := NewDataBank(WithCoilsSize(1000), WithHoldingRegistersSize(1000))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = bank.SetCoils(uint16(i%1000), []bool{i%2 == 0}, Origin{})
		}
	}()
	for i := 0; i < 1000; i++ {
		_, _ = bank.GetHoldingRegisters(uint16(i%1000), 1)
		_ = bank.SetHoldingRegisters(uint16(i%1000), []uint16{uint16(i)}, Origin{})
	}
	<-done
}
