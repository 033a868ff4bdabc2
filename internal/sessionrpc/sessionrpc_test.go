package sessionrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestReceiptSuccess(t *testing.T) {
	assert.Assert(t, (&Receipt{Status: "0x1"}).Success())
	assert.Assert(t, !(&Receipt{Status: "0x0"}).Success())
	assert.Assert(t, !(&Receipt{}).Success())
}

func TestEncodeSubmitResponseCalldataShape(t *testing.T) {
	data, err := EncodeSubmitResponse(big.NewInt(12), []byte{0xe2}, big.NewInt(0), big.NewInt(5000))
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(data, "0x"))

	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	assert.NilError(t, err)

	method := agentsWriteABI.Methods["submitResponse"]
	assert.Assert(t, bytes.Equal(raw[:4], method.ID))

	args, err := method.Inputs.Unpack(raw[4:])
	assert.NilError(t, err)
	assert.Equal(t, args[0].(*big.Int).String(), "12")
	assert.Assert(t, bytes.Equal(args[1].([]byte), []byte{0xe2}))
	assert.Equal(t, args[2].(*big.Int).String(), "0")
	assert.Equal(t, args[3].(*big.Int).String(), "5000")
}

func TestEncodeCommitteeCalldataSelectors(t *testing.T) {
	hb, err := EncodeHeartbeatMembership()
	assert.NilError(t, err)
	leave, err := EncodeLeaveMembership()
	assert.NilError(t, err)

	// Zero-arg calls are a bare 4-byte selector.
	assert.Equal(t, len(hb), 2+8)
	assert.Equal(t, len(leave), 2+8)
	assert.Assert(t, hb != leave)

	assert.Equal(t, hb, "0x"+hex.EncodeToString(committeeParsedABI.Methods["heartbeatMembership"].ID))
	assert.Equal(t, leave, "0x"+hex.EncodeToString(committeeParsedABI.Methods["leaveMembership"].ID))
}

func TestNewResolvesSessionAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, req.Method, "somnia_getSessionAddress")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0x00000000000000000000000000000000000000Aa",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "0xseed")
	assert.NilError(t, err)
	assert.Equal(t, strings.ToLower(c.Address().Hex()), "0x00000000000000000000000000000000000000aa")
}

func TestNewRejectsEmptySeed(t *testing.T) {
	_, err := New("http://localhost:0", "")
	assert.ErrorContains(t, err, "seed is required")
}

func TestSendSurfacesRPCError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		calls++

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if req.Method == "somnia_getSessionAddress" {
			resp["result"] = "0x00000000000000000000000000000000000000aa"
		} else {
			resp["error"] = map[string]interface{}{
				"code":    -32000,
				"message": "execution reverted",
				"data":    "0x08c379a0",
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "0xseed")
	assert.NilError(t, err)

	_, err = c.Send(context.Background(), "0x00000000000000000000000000000000000000bb", "0x", "0x0", DefaultGas)
	assert.ErrorContains(t, err, "execution reverted")
	assert.ErrorContains(t, err, "-32000")
	assert.Equal(t, calls, 2)
}
