// Package listener provides blockchain event listening for agent request execution.
package listener

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/somnia-validators/agent-runner/internal/agentregistry"
	"github.com/somnia-validators/agent-runner/internal/dedupcache"
	"github.com/somnia-validators/agent-runner/internal/forwarder"
	"github.com/somnia-validators/agent-runner/internal/metrics"
	"github.com/somnia-validators/agent-runner/internal/receipts"
	"github.com/somnia-validators/agent-runner/internal/sessionrpc"
	"github.com/somnia-validators/agent-runner/internal/somniaagents"
	"github.com/somnia-validators/agent-runner/internal/workerpool"
)

// decodeRevertReason extracts a human-readable revert reason from an error.
// It handles both rpc.DataError (which contains revert data) and standard errors.
func decodeRevertReason(err error) string {
	if err == nil {
		return ""
	}

	// Try to extract data from rpc.DataError
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data := dataErr.ErrorData(); data != nil {
			if hexStr, ok := data.(string); ok {
				return decodeRevertData(hexStr)
			}
		}
	}

	return err.Error()
}

// decodeRevertData decodes ABI-encoded revert data (Error(string) format).
func decodeRevertData(hexData string) string {
	hexData = strings.TrimPrefix(hexData, "0x")

	data, err := hex.DecodeString(hexData)
	if err != nil || len(data) < 4 {
		return "failed to decode: " + hexData
	}

	errorSelector := []byte{0x08, 0xc3, 0x79, 0xa0}
	if !bytes.Equal(data[:4], errorSelector) {
		return "unknown error format: 0x" + hexData
	}

	if len(data) < 68 {
		return "revert data too short: 0x" + hexData
	}

	length := new(big.Int).SetBytes(data[36:68]).Uint64()

	if uint64(len(data)) < 68+length {
		return "revert data truncated: 0x" + hexData
	}

	return string(data[68 : 68+length])
}

// httpToWsURL converts an HTTP RPC URL to a WebSocket URL by adding /ws path.
func httpToWsURL(httpURL string) string {
	wsURL := httpURL
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimSuffix(wsURL, "/")
	wsURL += "/ws"
	return wsURL
}

// Config holds the configuration for the event listener.
type Config struct {
	SomniaAgentsContract string
	RPCURL               string
	ReceiptsServiceURL   string
	MaxWorkers           int
	RequestQueueCapacity int
	DedupCacheSize       int
	ForwardTimeout       time.Duration
}

// Listener listens for RequestCreated events and dispatches agent execution.
type Listener struct {
	client        *ethclient.Client
	somniaAgents  *somniaagents.SomniaAgents
	agentRegistry *agentregistry.Cache
	forwarder     *forwarder.Forwarder
	receiptsUp    *receipts.Uploader
	session       *sessionrpc.Client
	pool          *workerpool.Pool
	dedup         *dedupcache.Cache
	address       common.Address
	rpcURL        string
	wsURL         string

	// Resolved contract addresses
	somniaAgentsAddr  common.Address
	agentRegistryAddr common.Address
	committeeAddr     common.Address

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Listener instance. Responses and all other writes
// go through session, which manages nonces centrally — no local nonce
// or gas-price tracking is needed here.
func New(cfg Config, containers forwarder.Ensurer, session *sessionrpc.Client) (*Listener, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC %s: %w", cfg.RPCURL, err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	slog.Info("Listener connected to chain", "chainID", chainID, "rpc", cfg.RPCURL)

	if !common.IsHexAddress(cfg.SomniaAgentsContract) {
		client.Close()
		return nil, fmt.Errorf("invalid SomniaAgents contract address: %s", cfg.SomniaAgentsContract)
	}
	somniaAgentsAddr := common.HexToAddress(cfg.SomniaAgentsContract)

	somniaAgentsContract, err := somniaagents.NewSomniaAgents(somniaAgentsAddr, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SomniaAgents contract instance: %w", err)
	}

	agentRegistryAddr, err := somniaAgentsContract.AgentRegistry(&bind.CallOpts{Context: context.Background()})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get AgentRegistry address from SomniaAgents: %w", err)
	}
	slog.Info("Resolved AgentRegistry address from SomniaAgents", "address", agentRegistryAddr.Hex())

	committeeAddr, err := somniaAgentsContract.Committee(&bind.CallOpts{Context: context.Background()})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get Committee address from SomniaAgents: %w", err)
	}
	slog.Info("Resolved Committee address from SomniaAgents", "address", committeeAddr.Hex())

	agentRegistryContract, err := agentregistry.NewAgentRegistry(agentRegistryAddr, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create AgentRegistry contract instance: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Listener{
		client:            client,
		somniaAgents:      somniaAgentsContract,
		agentRegistry:     agentregistry.NewCache(agentRegistryContract, 60*time.Second),
		forwarder:         forwarder.New(containers, cfg.ForwardTimeout),
		receiptsUp:        receipts.New(cfg.ReceiptsServiceURL),
		session:           session,
		dedup:             dedupcache.New(cfg.DedupCacheSize),
		address:           session.Address(),
		rpcURL:            cfg.RPCURL,
		wsURL:             httpToWsURL(cfg.RPCURL),
		somniaAgentsAddr:  somniaAgentsAddr,
		agentRegistryAddr: agentRegistryAddr,
		committeeAddr:     committeeAddr,
		ctx:               ctx,
		cancel:            cancel,
	}

	l.pool = workerpool.New(cfg.MaxWorkers, cfg.RequestQueueCapacity, func() {
		metrics.AgentRequestsTotal.WithLabelValues("dropped", "queue_full").Inc()
	})

	return l, nil
}

// AgentRegistryAddress returns the resolved AgentRegistry contract address.
func (l *Listener) AgentRegistryAddress() string {
	return l.agentRegistryAddr.Hex()
}

// CommitteeAddress returns the resolved Committee contract address.
func (l *Listener) CommitteeAddress() string {
	return l.committeeAddr.Hex()
}

// Start begins listening for RequestCreated events.
func (l *Listener) Start() {
	slog.Info("Starting event listener",
		"somnia_agents", l.somniaAgents.Address().Hex(),
		"agent_registry", l.agentRegistryAddr.Hex(),
		"validator", l.address.Hex(),
	)

	l.wg.Add(1)
	go l.listenLoop()
}

// Stop gracefully shuts down the listener and drains its worker pool.
func (l *Listener) Stop() {
	slog.Info("Stopping event listener...")
	l.cancel()
	l.wg.Wait()
	l.pool.Stop()
	l.client.Close()
	slog.Info("Event listener stopped")
}

func (l *Listener) listenLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			l.subscribeAndListen()
		}

		// If we get here, the subscription ended - wait before reconnecting
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(5 * time.Second):
			slog.Info("Reconnecting WebSocket subscription...")
		}
	}
}

func (l *Listener) subscribeAndListen() {
	wsClient, err := ethclient.Dial(l.wsURL)
	if err != nil {
		slog.Error("Failed to connect to WebSocket RPC", "url", l.wsURL, "error", err)
		return
	}
	defer wsClient.Close()

	slog.Info("Connected to WebSocket RPC", "url", l.wsURL)

	eventSignature := l.somniaAgents.ABI().Events["RequestCreated"].ID

	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.somniaAgents.Address()},
		Topics:    [][]common.Hash{{eventSignature}},
	}

	logs := make(chan types.Log)

	sub, err := wsClient.SubscribeFilterLogs(l.ctx, query, logs)
	if err != nil {
		slog.Error("Failed to subscribe to logs", "error", err)
		return
	}
	defer sub.Unsubscribe()

	slog.Info("Subscribed to RequestCreated events via WebSocket",
		"contract", l.somniaAgents.Address().Hex(),
	)

	for {
		select {
		case <-l.ctx.Done():
			return
		case err := <-sub.Err():
			slog.Error("Subscription error", "error", err)
			return
		case vLog := <-logs:
			l.handleLog(vLog)
		}
	}
}

func (l *Listener) handleLog(vLog types.Log) {
	event, err := l.somniaAgents.ParseRequestCreated(vLog)
	if err != nil {
		slog.Warn("Failed to parse RequestCreated event", "error", err, "txHash", vLog.TxHash.Hex())
		return
	}
	if event == nil {
		return
	}

	requestKey := fmt.Sprintf("%s-%s", vLog.TxHash.Hex(), event.RequestId.String())
	if l.dedup.SeenOrAdd(requestKey) {
		return
	}

	slog.Info("Received RequestCreated event",
		"requestId", event.RequestId,
		"agentId", event.AgentId,
		"requester", event.Requester.Hex(),
		"subcommitteeSize", len(event.Subcommittee),
		"txHash", vLog.TxHash.Hex(),
	)

	if !containsAddress(event.Subcommittee, l.address) {
		slog.Debug("Not in subcommittee for request", "requestId", event.RequestId)
		return
	}

	slog.Info("We are in the subcommittee for request", "requestId", event.RequestId)

	submitted := l.pool.Submit(func(ctx context.Context) {
		l.handleRequest(ctx, event)
	})
	if !submitted {
		slog.Warn("Dropped request, worker queue full", "requestId", event.RequestId)
	}
}

func (l *Listener) handleRequest(ctx context.Context, event *somniaagents.RequestCreatedEvent) {
	requestId := event.RequestId
	agentId := event.AgentId

	isPending, err := l.somniaAgents.IsRequestPending(&bind.CallOpts{Context: ctx}, requestId)
	if err != nil {
		slog.Error("Failed to check if request is pending", "requestId", requestId, "error", err)
		return
	}
	if !isPending {
		slog.Info("Request is no longer pending", "requestId", requestId)
		return
	}

	agent, err := l.agentRegistry.GetAgent(ctx, agentId)
	if err != nil {
		slog.Error("Failed to get agent from registry", "agentId", agentId, "error", err)
		return
	}

	slog.Info("Retrieved agent info",
		"agentId", agentId,
		"containerImageUri", agent.ContainerImageUri,
		"cost", agent.Cost,
	)

	if agent.ContainerImageUri == "" {
		slog.Error("Agent has no container image URI", "agentId", agentId)
		return
	}

	requestIdStr := requestId.String()

	slog.Info("Forwarding request to agent",
		"requestId", requestId,
		"agentUrl", agent.ContainerImageUri,
		"payloadSize", len(event.Payload),
	)

	response, err := l.forwarder.Forward(ctx, agent.ContainerImageUri, requestIdStr, event.Payload)
	if err != nil {
		slog.Error("Failed to forward request to agent", "requestId", requestId, "error", err)
		return
	}

	slog.Info("Agent responded",
		"requestId", requestId,
		"status", response.Status,
		"responseSize", len(response.Body),
	)

	if response.Receipt != nil {
		response.Receipt["agentId"] = agentId.String()
		l.receiptsUp.UploadAsync(requestIdStr, response.Receipt)
	}

	l.submitResponse(ctx, requestId, response.Body, event.MaxCostPerAgent)
}

func (l *Listener) submitResponse(ctx context.Context, requestId *big.Int, result []byte, maxCost *big.Int) {
	isPending, err := l.somniaAgents.IsRequestPending(&bind.CallOpts{Context: ctx}, requestId)
	if err != nil {
		slog.Error("Failed to check if request is pending before submit", "requestId", requestId, "error", err)
		return
	}
	if !isPending {
		slog.Info("Request is no longer pending, skipping response submission", "requestId", requestId)
		return
	}

	// Receipt is reported as 0 until an off-chain content-identifier
	// scheme is wired in. price echoes the event's maxCost until real
	// cost accounting lands.
	receipt := big.NewInt(0)
	price := maxCost
	if price == nil {
		price = big.NewInt(0)
	}

	data, err := sessionrpc.EncodeSubmitResponse(requestId, result, receipt, price)
	if err != nil {
		slog.Error("Failed to encode submitResponse calldata", "requestId", requestId, "error", err)
		return
	}

	slog.Info("Submitting response to blockchain",
		"requestId", requestId,
		"resultSize", len(result),
		"price", price,
	)

	txReceipt, err := l.session.Send(ctx, l.somniaAgents.Address().Hex(), data, "0x0", sessionrpc.DefaultGas)
	if err != nil {
		slog.Error("Failed to submit response",
			"requestId", requestId,
			"error", err,
			"revertReason", decodeRevertReason(err),
		)
		return
	}

	if txReceipt.Success() {
		slog.Info("Response submitted successfully",
			"requestId", requestId,
			"txHash", txReceipt.TransactionHash,
			"block", txReceipt.BlockNumber,
			"gasUsed", txReceipt.GasUsed,
		)
		return
	}

	// Replay the call at the block the transaction failed in, so the
	// revert reason reflects the state the submission actually saw.
	revertReason := "unknown"
	if l.somniaAgentsAddr != (common.Address{}) {
		callMsg := ethereum.CallMsg{
			From: l.address,
			To:   &l.somniaAgentsAddr,
			Data: hexMustDecode(data),
		}
		if _, callErr := l.client.CallContract(ctx, callMsg, hexBlockNumber(txReceipt.BlockNumber)); callErr != nil {
			revertReason = decodeRevertReason(callErr)
		}
	}

	slog.Error("Response transaction failed",
		"requestId", requestId,
		"txHash", txReceipt.TransactionHash,
		"revertReason", revertReason,
	)
}

func containsAddress(members []common.Address, addr common.Address) bool {
	for _, member := range members {
		if member == addr {
			return true
		}
	}
	return false
}

func hexMustDecode(s string) []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil
	}
	return b
}

// hexBlockNumber parses a receipt's 0x-prefixed block number. Returns
// nil (latest block) if the field is empty or malformed.
func hexBlockNumber(s string) *big.Int {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil
	}
	return n
}
