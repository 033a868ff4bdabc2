// Package heartbeater provides committee membership maintenance through periodic heartbeat transactions.
package heartbeater

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/somnia-validators/agent-runner/internal/committee"
	"github.com/somnia-validators/agent-runner/internal/sessionrpc"
)

// Config holds the configuration for the heartbeater.
type Config struct {
	ContractAddress string
	RPCURL          string
	Interval        time.Duration
}

// Heartbeater maintains active committee membership by sending periodic
// heartbeat transactions through the session RPC, which manages nonces
// centrally so no local nonce or gas-price bookkeeping is needed.
type Heartbeater struct {
	client   *ethclient.Client
	contract *committee.Committee
	session  *sessionrpc.Client
	address  common.Address
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Heartbeater that submits transactions via session.
func New(cfg Config, session *sessionrpc.Client) (*Heartbeater, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC %s: %w", cfg.RPCURL, err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	slog.Info("Heartbeater connected to chain", "chainID", chainID, "rpc", cfg.RPCURL)

	if !common.IsHexAddress(cfg.ContractAddress) {
		client.Close()
		return nil, fmt.Errorf("invalid contract address: %s", cfg.ContractAddress)
	}
	contractAddr := common.HexToAddress(cfg.ContractAddress)

	committeeContract, err := committee.NewCommittee(contractAddr, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create committee contract instance: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Heartbeater{
		client:   client,
		contract: committeeContract,
		session:  session,
		address:  session.Address(),
		interval: cfg.Interval,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins the heartbeat loop in a background goroutine.
func (h *Heartbeater) Start() {
	slog.Info("Starting heartbeat loop", "interval", h.interval, "contract", h.contract.Address().Hex())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		h.sendHeartbeat()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.ctx.Done():
				slog.Info("Heartbeat loop stopped")
				return
			case <-ticker.C:
				h.sendHeartbeat()
			}
		}
	}()
}

// Stop gracefully shuts down the heartbeater, sending a leave transaction.
func (h *Heartbeater) Stop() {
	slog.Info("Stopping heartbeater - leaving committee...")

	h.cancel()
	h.wg.Wait()

	h.sendLeaveMembership()

	h.client.Close()
}

func (h *Heartbeater) sendHeartbeat() {
	ctx := h.ctx

	isActive, err := h.contract.IsActive(&bind.CallOpts{Context: ctx}, h.address)
	if err != nil {
		slog.Warn("Heartbeater failed to check active status", "error", err)
	} else {
		slog.Debug("Heartbeater current active status", "active", isActive)
	}

	data, err := sessionrpc.EncodeHeartbeatMembership()
	if err != nil {
		slog.Error("Heartbeater failed to encode heartbeat calldata", "error", err)
		return
	}

	slog.Info("Sending heartbeat transaction")

	receipt, err := h.session.Send(ctx, h.contract.Address().Hex(), data, "0x0", sessionrpc.DefaultGas)
	if err != nil {
		slog.Error("Heartbeater failed to send heartbeat", "error", err)
		return
	}

	if receipt.Success() {
		slog.Info("Heartbeat confirmed", "txHash", receipt.TransactionHash, "block", receipt.BlockNumber)
	} else {
		slog.Error("Heartbeat transaction failed", "txHash", receipt.TransactionHash)
	}
}

func (h *Heartbeater) sendLeaveMembership() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	isActive, err := h.contract.IsActive(&bind.CallOpts{Context: ctx}, h.address)
	if err != nil {
		slog.Warn("Heartbeater failed to check active status", "error", err)
		return
	}
	if !isActive {
		slog.Info("Heartbeater not active in committee, skipping leave")
		return
	}

	data, err := sessionrpc.EncodeLeaveMembership()
	if err != nil {
		slog.Error("Heartbeater failed to encode leave calldata", "error", err)
		return
	}

	slog.Info("Sending leave membership transaction")

	receipt, err := h.session.Send(ctx, h.contract.Address().Hex(), data, "0x0", sessionrpc.DefaultGas)
	if err != nil {
		slog.Error("Heartbeater failed to send leave membership", "error", err)
		return
	}

	if receipt.Success() {
		slog.Info("Left committee successfully", "txHash", receipt.TransactionHash, "block", receipt.BlockNumber)
	} else {
		slog.Error("Leave transaction failed", "txHash", receipt.TransactionHash)
	}
}
