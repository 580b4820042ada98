package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/blockchain"
	"paygate/internal/config"
)

// ERC20ABI covers the parts of the token standard needed to read transfers
const ERC20ABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "from", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "to", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		panic(fmt.Sprintf("invalid ERC20 ABI: %v", err))
	}
	erc20ABI = parsed
}

// Backend is the subset of ethclient.Client used by the service
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Service reads transaction state from an EVM chain, either for the native
// asset or for one ERC-20 token.
type Service struct {
	backend  Backend
	currency string
	token    *common.Address
	decimals int32
	closer   func()
	logger   *zap.Logger
}

var _ blockchain.Service = (*Service)(nil)

// Dial connects to the chain's RPC endpoint
func Dial(chainCfg config.ChainConfig, logger *zap.Logger) (*Service, error) {
	client, err := ethclient.Dial(chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	svc, err := NewService(client, chainCfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	svc.closer = client.Close
	return svc, nil
}

// NewService wraps an existing backend
func NewService(backend Backend, chainCfg config.ChainConfig, logger *zap.Logger) (*Service, error) {
	svc := &Service{
		backend:  backend,
		currency: strings.ToUpper(chainCfg.Symbol),
		decimals: chainCfg.Decimals,
		logger:   logger.Named("evm").With(zap.String("currency", chainCfg.Symbol)),
	}
	if svc.decimals == 0 {
		svc.decimals = 18
	}

	if chainCfg.TokenContract != "" {
		if !common.IsHexAddress(chainCfg.TokenContract) {
			return nil, fmt.Errorf("invalid token contract address: %s", chainCfg.TokenContract)
		}
		token := common.HexToAddress(chainCfg.TokenContract)
		svc.token = &token
	}

	svc.logger.Info("EVM service initialized",
		zap.Bool("token", svc.token != nil),
		zap.Int32("decimals", svc.decimals))

	return svc, nil
}

// Close closes the underlying RPC connection
func (s *Service) Close() {
	if s.closer != nil {
		s.closer()
	}
}

func (s *Service) Currency() string {
	return s.currency
}

// GetTransaction returns the confirmation state of a transaction
func (s *Service) GetTransaction(ctx context.Context, hash string) (*blockchain.TxInfo, error) {
	if !isTxHash(hash) {
		return nil, apperr.Validation("evm_get_transaction", "invalid transaction hash")
	}
	txHash := common.HexToHash(hash)

	tx, pending, err := s.backend.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return &blockchain.TxInfo{Hash: hash, State: blockchain.TxStateNotFound}, nil
	}
	if err != nil {
		return nil, apperr.External("evm_get_transaction", fmt.Errorf("failed to get transaction %s: %w", hash, err))
	}

	info := &blockchain.TxInfo{
		Hash:   hash,
		State:  blockchain.TxStatePending,
		Amount: s.amountFromTx(tx),
	}
	if pending {
		return info, nil
	}

	receipt, err := s.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return info, nil
	}
	if err != nil {
		return nil, apperr.External("evm_get_transaction", fmt.Errorf("failed to get receipt %s: %w", hash, err))
	}

	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return nil, apperr.External("evm_get_transaction", fmt.Errorf("failed to get block number: %w", err))
	}

	info.BlockHash = receipt.BlockHash.Hex()
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		info.Confirmations = int64(head-receipt.BlockNumber.Uint64()) + 1
	}

	if receipt.Status == types.ReceiptStatusFailed {
		info.State = blockchain.TxStateFailed
		return info, nil
	}
	info.State = blockchain.TxStateConfirmed

	if s.token != nil {
		info.Amount = s.amountFromLogs(receipt.Logs)
	}
	return info, nil
}

// IsConnected reports whether the node answers
func (s *Service) IsConnected(ctx context.Context) bool {
	_, err := s.backend.BlockNumber(ctx)
	return err == nil
}

// GetBlockHeight returns the latest block number
func (s *Service) GetBlockHeight(ctx context.Context) (int64, error) {
	n, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return 0, apperr.External("evm_block_height", err)
	}
	return int64(n), nil
}

// ValidateAddress checks the hex address format
func (s *Service) ValidateAddress(address string) bool {
	return common.IsHexAddress(address) && strings.HasPrefix(address, "0x")
}

// amountFromTx returns the transferred value, decoding ERC-20 transfer calldata for tokens
func (s *Service) amountFromTx(tx *types.Transaction) decimal.Decimal {
	if tx == nil {
		return decimal.Zero
	}
	if s.token == nil {
		return s.scale(tx.Value())
	}

	if tx.To() == nil || *tx.To() != *s.token || len(tx.Data()) < 4 {
		return decimal.Zero
	}
	method, err := erc20ABI.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "transfer" {
		return decimal.Zero
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil || len(args) != 2 {
		return decimal.Zero
	}
	value, ok := args[1].(*big.Int)
	if !ok {
		return decimal.Zero
	}
	return s.scale(value)
}

// amountFromLogs sums Transfer events emitted by the token contract
func (s *Service) amountFromLogs(logs []*types.Log) decimal.Decimal {
	transfer := erc20ABI.Events["Transfer"]
	total := new(big.Int)

	for _, lg := range logs {
		if lg == nil || lg.Address != *s.token || len(lg.Topics) == 0 || lg.Topics[0] != transfer.ID {
			continue
		}
		values, err := erc20ABI.Unpack("Transfer", lg.Data)
		if err != nil || len(values) != 1 {
			s.logger.Warn("Failed to decode Transfer log", zap.Error(err))
			continue
		}
		if v, ok := values[0].(*big.Int); ok {
			total.Add(total, v)
		}
	}
	return s.scale(total)
}

func (s *Service) scale(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -s.decimals)
}

func isTxHash(hash string) bool {
	h := strings.TrimPrefix(hash, "0x")
	if len(h) != 2*common.HashLength {
		return false
	}
	for _, c := range h {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
