package listener

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gotest.tools/v3/assert"

	"github.com/somnia-validators/agent-runner/internal/agentregistry"
	"github.com/somnia-validators/agent-runner/internal/dedupcache"
	"github.com/somnia-validators/agent-runner/internal/forwarder"
	"github.com/somnia-validators/agent-runner/internal/receipts"
	"github.com/somnia-validators/agent-runner/internal/sessionrpc"
	"github.com/somnia-validators/agent-runner/internal/somniaagents"
)

// fakeBackend satisfies bind.ContractBackend for read-only calls; every
// eth_call returns an ABI-encoded true, which is what hasRequest yields
// for a pending request.
type fakeBackend struct{}

func (fakeBackend) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func (fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out := make([]byte, 32)
	out[31] = 0x01
	return out, nil
}

func (fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x01}, nil
}

func (fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (fakeBackend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (fakeBackend) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, ethereum.NotFound
}

type fakeAgentFetcher struct {
	agent *agentregistry.Agent
}

func (f *fakeAgentFetcher) GetAgent(opts *bind.CallOpts, agentId *big.Int) (*agentregistry.Agent, error) {
	return f.agent, nil
}

type staticEnsurer struct{ port int }

func (s *staticEnsurer) Ensure(ctx context.Context, agentURL string) (int, bool, error) {
	return s.port, false, nil
}

// newFakeSessionServer serves somnia_getSessionAddress and
// somnia_sendSessionTransaction, recording each transaction's calldata.
func newFakeSessionServer(t *testing.T, sends chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int64             `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "somnia_getSessionAddress":
			resp["result"] = "0x00000000000000000000000000000000000000aa"
		case "somnia_sendSessionTransaction":
			var params struct {
				Data string `json:"data"`
			}
			json.Unmarshal(req.Params[0], &params)
			sends <- params.Data
			resp["result"] = map[string]interface{}{
				"transactionHash": "0xabc",
				"blockNumber":     "0x10",
				"gasUsed":         "0x5208",
				"status":          "0x1",
			}
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestListener(t *testing.T, session *sessionrpc.Client, containerPort int, receiptsURL string) *Listener {
	t.Helper()

	contractAddr := common.HexToAddress("0x0000000000000000000000000000000000000c01")
	agents, err := somniaagents.NewSomniaAgents(contractAddr, fakeBackend{})
	assert.NilError(t, err)

	fetcher := &fakeAgentFetcher{agent: &agentregistry.Agent{
		AgentId:           big.NewInt(3),
		ContainerImageUri: "http://images.example.com/agent-3.tar",
		Cost:              big.NewInt(7),
	}}

	return &Listener{
		somniaAgents:     agents,
		agentRegistry:    agentregistry.NewCache(fetcher, time.Minute),
		forwarder:        forwarder.New(&staticEnsurer{port: containerPort}, 5*time.Second),
		receiptsUp:       receipts.New(receiptsURL),
		session:          session,
		dedup:            dedupcache.New(10),
		address:          session.Address(),
		somniaAgentsAddr: contractAddr,
	}
}

func TestHandleRequestSubmitsContainerResultWithEventMaxCost(t *testing.T) {
	resultBytes := []byte{0x00, 0x11, 0xe2}

	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope map[string]string
		json.NewDecoder(r.Body).Decode(&envelope)
		assert.Equal(t, envelope["requestId"], "12")
		json.NewEncoder(w).Encode(map[string]string{
			"result": "0x" + hex.EncodeToString(resultBytes),
		})
	}))
	defer agentSrv.Close()

	sends := make(chan string, 1)
	sessionSrv := newFakeSessionServer(t, sends)
	defer sessionSrv.Close()

	session, err := sessionrpc.New(sessionSrv.URL, "0x01")
	assert.NilError(t, err)

	l := newTestListener(t, session, mustServerPort(t, agentSrv.URL), "")

	payload := []byte{0x77, 0x16, 0x02}
	maxCost := big.NewInt(5000)
	l.handleRequest(context.Background(), &somniaagents.RequestCreatedEvent{
		RequestId:       big.NewInt(12),
		AgentId:         big.NewInt(3),
		MaxCostPerAgent: maxCost,
		Payload:         payload,
	})

	select {
	case data := <-sends:
		expected, err := sessionrpc.EncodeSubmitResponse(big.NewInt(12), resultBytes, big.NewInt(0), maxCost)
		assert.NilError(t, err)
		assert.Equal(t, data, expected)
	case <-time.After(2 * time.Second):
		t.Fatal("no submitResponse transaction was sent")
	}

	// Exactly one submission.
	select {
	case <-sends:
		t.Fatal("more than one submitResponse transaction was sent")
	default:
	}
}

func TestHandleRequestUploadsReceiptKeyedByRequestID(t *testing.T) {
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": "0x01",
			"steps":  []string{"fetch", "compute"},
		})
	}))
	defer agentSrv.Close()

	uploaded := make(chan string, 1)
	receiptSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaded <- r.URL.Query().Get("requestId")
	}))
	defer receiptSrv.Close()

	sends := make(chan string, 1)
	sessionSrv := newFakeSessionServer(t, sends)
	defer sessionSrv.Close()

	session, err := sessionrpc.New(sessionSrv.URL, "0x01")
	assert.NilError(t, err)

	l := newTestListener(t, session, mustServerPort(t, agentSrv.URL), receiptSrv.URL)

	l.handleRequest(context.Background(), &somniaagents.RequestCreatedEvent{
		RequestId:       big.NewInt(16),
		AgentId:         big.NewInt(3),
		MaxCostPerAgent: big.NewInt(1),
		Payload:         []byte{0x01},
	})

	select {
	case id := <-uploaded:
		assert.Equal(t, id, "16")
	case <-time.After(2 * time.Second):
		t.Fatal("receipt was never uploaded")
	}
}

func mustServerPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	assert.NilError(t, err)
	port, err := strconv.Atoi(u.Port())
	assert.NilError(t, err)
	return port
}
