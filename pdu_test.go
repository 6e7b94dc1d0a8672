package modbus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestReadHoldingRegisters_WireExample(t *testing.T) {
	// Read Holding Registers, address 0x006B, quantity 3: a textbook
	// request/response pair.
	req, err := EncodeReadRegistersRequest(FuncCodeReadHoldingRegisters, 0x006B, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x6B, 0x00, 0x03}, req.Data)

	resp := EncodeRegistersResponse(FuncCodeReadHoldingRegisters, []uint16{0x022B, 0x0000, 0x0064})
	assert.Equal(t, []byte{0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64}, resp.Data)

	values, err := DecodeRegistersResponse(resp.Data, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x022B, 0x0000, 0x0064}, values)
}

func TestWriteSingleCoil_OnIsEchoed(t *testing.T) {
	req := EncodeWriteSingleCoilRequest(0x00AC, true)
	assert.Equal(t, []byte{0x00, 0xAC, 0xFF, 0x00}, req.Data)

	addr, value, err := DecodeWriteSingleCoilRequest(req.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x00AC), addr)
	assert.True(t, value)
}

func TestWriteSingleCoil_IllegalWireValue(t *testing.T) {
	_, _, err := DecodeWriteSingleCoilRequest([]byte{0x00, 0x01, 0x12, 0x34})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadValue))
}

func TestReadBits_QuantityOutOfRange(t *testing.T) {
	_, err := EncodeReadBitsRequest(FuncCodeReadCoils, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadValue))

	_, err = EncodeReadBitsRequest(FuncCodeReadCoils, 0, MaxReadBitsQty+1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadValue))
}

func TestReadBits_StartPlusQuantityOverflow(t *testing.T) {
	_, err := EncodeReadBitsRequest(FuncCodeReadCoils, 0xFFFF, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadAddress))
}

func TestPackUnpackBits_Roundtrip(t *testing.T) {
	values := []bool{true, false, true, true, false, false, false, true, true}
	packed := packBits(values)
	require.Equal(t, ceilDiv8(len(values)), len(packed))
	unpacked := unpackBits(packed, uint16(len(values)))
	assert.Equal(t, values, unpacked)
}

func TestException_HighBitAndCode(t *testing.T) {
	pdu := EncodeException(FuncCodeReadCoils, ExcIllegalDataAddress)
	assert.True(t, IsException(pdu))
	assert.Equal(t, byte(FuncCodeReadCoils|exceptionFlag), pdu.FunctionCode)

	code, err := DecodeException(pdu)
	require.NoError(t, err)
	assert.Equal(t, byte(ExcIllegalDataAddress), code)
}

func TestReadWriteMultipleRegisters_WriteBeforeReadShapeRoundtrips(t *testing.T) {
	req, err := EncodeReadWriteMultipleRegistersRequest(0, 2, 10, []uint16{0xAAAA, 0xBBBB})
	require.NoError(t, err)

	rStart, rQty, wStart, wValues, err := DecodeReadWriteMultipleRegistersRequest(req.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), rStart)
	assert.Equal(t, uint16(2), rQty)
	assert.Equal(t, uint16(10), wStart)
	assert.Equal(t, []uint16{0xAAAA, 0xBBBB}, wValues)
}

func TestDeviceIdentification_EncodeDecodeRoundtrip(t *testing.T) {
	objects := []DeviceIDObject{
		{ID: DeviceIDVendorName, Value: []byte("Acme Corp")},
		{ID: DeviceIDProductCode, Value: []byte("ACM-1000")},
	}
	resp := EncodeReadDeviceIdentificationResponse(0x01, ConformityBasic, false, 0, objects)

	readCode, conformity, more, next, decoded, err := DecodeReadDeviceIdentificationResponse(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), readCode)
	assert.Equal(t, byte(ConformityBasic), conformity)
	assert.False(t, more)
	assert.Equal(t, byte(0), next)
	if diff := cmp.Diff(objects, decoded); diff != "" {
		t.Errorf("device id objects mismatch (-want +got):\n%s", diff)
	}
}

// TestBitsRoundtrip_Property checks the packed-bit round-trip invariant:
// any qty in range, once packed and unpacked, reproduces exactly the bits
// that were set and nothing more.
func TestBitsRoundtrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		qty := rapid.IntRange(1, 2000).Draw(t, "qty")
		values := rapid.SliceOfN(rapid.Bool(), qty, qty).Draw(t, "values")

		packed := packBits(values)
		got := unpackBits(packed, uint16(qty))
		if !cmp.Equal(values, got) {
			t.Fatalf("bits round-trip mismatch: %s", cmp.Diff(values, got))
		}
	})
}

// TestRegistersRoundtrip_Property checks that encoding then decoding a
// Read Holding Registers response reproduces the original values exactly.
func TestRegistersRoundtrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		qty := rapid.IntRange(1, 125).Draw(t, "qty")
		values := rapid.SliceOfN(rapid.Uint16(), qty, qty).Draw(t, "values")

		resp := EncodeRegistersResponse(FuncCodeReadHoldingRegisters, values)
		got, err := DecodeRegistersResponse(resp.Data, uint16(qty))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !cmp.Equal(values, got) {
			t.Fatalf("registers round-trip mismatch: %s", cmp.Diff(values, got))
		}
	})
}
