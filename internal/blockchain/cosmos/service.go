package cosmos

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/blockchain"
	"paygate/internal/config"
)

const (
	DefaultBech32Prefix = "cosmos"
	DefaultDecimals     = 6
)

// Backend is the subset of the CometBFT RPC client used by the service
type Backend interface {
	Tx(ctx context.Context, hash []byte, prove bool) (*coretypes.ResultTx, error)
	Status(ctx context.Context) (*coretypes.ResultStatus, error)
}

// Service reads transaction state from a Cosmos SDK chain through CometBFT RPC
type Service struct {
	backend  Backend
	currency string
	denom    string
	prefix   string
	decimals int32
	stop     func() error
	logger   *zap.Logger
}

var _ blockchain.Service = (*Service)(nil)

// Dial creates an RPC client for the configured node
func Dial(chainCfg config.ChainConfig, logger *zap.Logger) (*Service, error) {
	rpcClient, err := rpchttp.New(chainCfg.RPCEndpoint, "/websocket")
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}

	svc := NewService(rpcClient, chainCfg, logger)
	svc.stop = rpcClient.Stop
	return svc, nil
}

// NewService wraps an existing backend
func NewService(backend Backend, chainCfg config.ChainConfig, logger *zap.Logger) *Service {
	prefix := chainCfg.AddressPrefix
	if prefix == "" {
		prefix = DefaultBech32Prefix
	}
	decimals := chainCfg.Decimals
	if decimals == 0 {
		decimals = DefaultDecimals
	}
	symbol := strings.ToUpper(chainCfg.Symbol)

	logger = logger.Named("cosmos").With(zap.String("currency", symbol))
	logger.Info("Cosmos service initialized",
		zap.String("rpc_endpoint", chainCfg.RPCEndpoint),
		zap.String("bech32_prefix", prefix))

	return &Service{
		backend:  backend,
		currency: symbol,
		denom:    "u" + strings.ToLower(symbol),
		prefix:   prefix,
		decimals: decimals,
		logger:   logger,
	}
}

// Close stops the RPC client
func (s *Service) Close() error {
	if s.stop == nil {
		return nil
	}
	return s.stop()
}

func (s *Service) Currency() string {
	return s.currency
}

// GetTransaction returns the confirmation state of a transaction
func (s *Service) GetTransaction(ctx context.Context, hash string) (*blockchain.TxInfo, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hash, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, apperr.Validation("cosmos_get_transaction", "invalid transaction hash")
	}

	res, err := s.backend.Tx(ctx, raw, false)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return &blockchain.TxInfo{Hash: hash, State: blockchain.TxStateNotFound}, nil
		}
		return nil, apperr.External("cosmos_get_transaction", fmt.Errorf("failed to query tx %s: %w", hash, err))
	}

	status, err := s.backend.Status(ctx)
	if err != nil {
		return nil, apperr.External("cosmos_get_transaction", fmt.Errorf("failed to get chain status: %w", err))
	}

	info := &blockchain.TxInfo{
		Hash:    hash,
		State:   blockchain.TxStateConfirmed,
		Amount:  decimal.Zero,
		Outputs: make(map[string]decimal.Decimal),
	}
	if latest := status.SyncInfo.LatestBlockHeight; latest >= res.Height {
		info.Confirmations = latest - res.Height + 1
	}

	if res.TxResult.Code != 0 {
		s.logger.Info("Transaction failed on chain",
			zap.String("tx_hash", hash),
			zap.Uint32("code", res.TxResult.Code),
			zap.String("codespace", res.TxResult.Codespace))
		info.State = blockchain.TxStateFailed
		return info, nil
	}

	s.collectTransfers(res, info)
	return info, nil
}

// collectTransfers sums bank transfer events in the configured denom
func (s *Service) collectTransfers(res *coretypes.ResultTx, info *blockchain.TxInfo) {
	for _, ev := range res.TxResult.Events {
		if ev.Type != "transfer" {
			continue
		}

		var recipient, amount string
		for _, attr := range ev.Attributes {
			switch attr.Key {
			case "recipient":
				recipient = attr.Value
			case "amount":
				amount = attr.Value
			}
		}
		if amount == "" {
			continue
		}

		coins, err := sdk.ParseCoinsNormalized(amount)
		if err != nil {
			s.logger.Warn("Skipping transfer with unparsable amount",
				zap.String("tx_hash", info.Hash),
				zap.String("amount", amount),
				zap.Error(err))
			continue
		}

		value := decimal.NewFromBigInt(coins.AmountOf(s.denom).BigInt(), -s.decimals)
		if value.IsZero() {
			continue
		}
		info.Amount = info.Amount.Add(value)
		if recipient != "" {
			info.Outputs[recipient] = info.Outputs[recipient].Add(value)
		}
	}
}

// IsConnected reports whether the node answers and is not catching up
func (s *Service) IsConnected(ctx context.Context) bool {
	status, err := s.backend.Status(ctx)
	return err == nil && !status.SyncInfo.CatchingUp
}

// GetBlockHeight returns the latest committed height
func (s *Service) GetBlockHeight(ctx context.Context) (int64, error) {
	status, err := s.backend.Status(ctx)
	if err != nil {
		return 0, apperr.External("cosmos_block_height", err)
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

// ValidateAddress checks the bech32 checksum, prefix and account length
func (s *Service) ValidateAddress(address string) bool {
	hrp, data, err := bech32.DecodeAndConvert(address)
	if err != nil {
		return false
	}
	return hrp == s.prefix && (len(data) == 20 || len(data) == 32)
}
