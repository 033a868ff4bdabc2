package listener

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"gotest.tools/v3/assert"
)

func TestDecodeRevertDataErrorString(t *testing.T) {
	reason := "already finalized"

	// Error(string) selector + offset + length + UTF-8 bytes, each
	// padded to a 32-byte word.
	data := []byte{0x08, 0xc3, 0x79, 0xa0}
	offset := make([]byte, 32)
	offset[31] = 0x20
	data = append(data, offset...)
	length := make([]byte, 32)
	length[31] = byte(len(reason))
	data = append(data, length...)
	padded := make([]byte, 32)
	copy(padded, reason)
	data = append(data, padded...)

	decoded := decodeRevertData("0x" + hex.EncodeToString(data))
	// Trailing padding is included in the 32-byte word but the length
	// prefix bounds the string.
	assert.Equal(t, decoded, reason)
}

func TestDecodeRevertDataUnknownSelectorReturnsHex(t *testing.T) {
	custom := "0x12345678000000000000000000000000000000000000000000000000000000ff"
	decoded := decodeRevertData(custom)
	assert.Assert(t, decoded != "")
	assert.Equal(t, decoded, "unknown error format: "+custom)
}

func TestDecodeRevertDataTooShort(t *testing.T) {
	decoded := decodeRevertData("0x08c379a0")
	assert.Equal(t, decoded, "revert data too short: 0x08c379a0")
}

func TestHTTPToWsURL(t *testing.T) {
	assert.Equal(t, httpToWsURL("https://rpc.example.com/"), "wss://rpc.example.com/ws")
	assert.Equal(t, httpToWsURL("http://localhost:8545"), "ws://localhost:8545/ws")
}

func TestContainsAddressFiltersSubcommittee(t *testing.T) {
	self := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other1 := common.HexToAddress("0x0000000000000000000000000000000000000001")
	other2 := common.HexToAddress("0x0000000000000000000000000000000000000002")

	assert.Assert(t, containsAddress([]common.Address{other1, self, other2}, self))
	assert.Assert(t, !containsAddress([]common.Address{other1, other2}, self))
	assert.Assert(t, !containsAddress(nil, self))
}

func TestHexBlockNumber(t *testing.T) {
	assert.Equal(t, hexBlockNumber("0x1a").Cmp(big.NewInt(26)), 0)
	assert.Assert(t, hexBlockNumber("") == nil)
	assert.Assert(t, hexBlockNumber("0x") == nil)
	assert.Assert(t, hexBlockNumber("0xzz") == nil)
}
