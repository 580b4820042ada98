// Package bitcoin implements blockchain.Service against a bitcoind-compatible
// JSON-RPC node.
package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/blockchain"
	"paygate/internal/config"
)

// Backend is the subset of rpcclient.Client used by the service
type Backend interface {
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetBlockCount() (int64, error)
}

// Service reads transaction state from a Bitcoin node
type Service struct {
	backend  Backend
	currency string
	params   *chaincfg.Params
	shutdown func()
	logger   *zap.Logger
}

var _ blockchain.Service = (*Service)(nil)

// Dial creates an HTTP POST mode RPC client for the configured node
func Dial(chainCfg config.ChainConfig, logger *zap.Logger) (*Service, error) {
	host := chainCfg.RPCEndpoint
	disableTLS := !strings.HasPrefix(host, "https://")
	host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         chainCfg.RPCUser,
		Pass:         chainCfg.RPCPassword,
		HTTPPostMode: true,
		DisableTLS:   disableTLS,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bitcoin RPC client: %w", err)
	}

	svc, err := NewService(client, chainCfg, logger)
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	svc.shutdown = client.Shutdown
	return svc, nil
}

// NewService wraps an existing backend
func NewService(backend Backend, chainCfg config.ChainConfig, logger *zap.Logger) (*Service, error) {
	params, err := networkParams(chainCfg.Network)
	if err != nil {
		return nil, err
	}

	symbol := chainCfg.Symbol
	if symbol == "" {
		symbol = "BTC"
	}

	logger = logger.Named("bitcoin").With(zap.String("currency", symbol))
	logger.Info("Bitcoin service initialized", zap.String("network", params.Name))

	return &Service{
		backend:  backend,
		currency: strings.ToUpper(symbol),
		params:   params,
		logger:   logger,
	}, nil
}

// Close shuts down the RPC client
func (s *Service) Close() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

func (s *Service) Currency() string {
	return s.currency
}

// GetTransaction returns the confirmation state of a transaction
func (s *Service) GetTransaction(ctx context.Context, hash string) (*blockchain.TxInfo, error) {
	txHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, apperr.Validation("bitcoin_get_transaction", "invalid transaction hash")
	}

	raw, err := withContext(ctx, func() (*btcjson.TxRawResult, error) {
		return s.backend.GetRawTransactionVerbose(txHash)
	})
	if isNoTxInfo(err) {
		return &blockchain.TxInfo{Hash: hash, State: blockchain.TxStateNotFound}, nil
	}
	if err != nil {
		return nil, classify("bitcoin_get_transaction", err)
	}

	info := &blockchain.TxInfo{
		Hash:          hash,
		Confirmations: int64(raw.Confirmations),
		BlockHash:     raw.BlockHash,
		State:         blockchain.TxStatePending,
		Amount:        decimal.Zero,
		Outputs:       make(map[string]decimal.Decimal),
	}
	if raw.Confirmations > 0 {
		info.State = blockchain.TxStateConfirmed
	}

	for _, out := range raw.Vout {
		amt, err := btcutil.NewAmount(out.Value)
		if err != nil {
			s.logger.Warn("Skipping output with invalid value",
				zap.String("tx_hash", hash),
				zap.Uint32("vout", out.N),
				zap.Error(err))
			continue
		}
		value := decimal.NewFromInt(int64(amt)).Shift(-8)
		info.Amount = info.Amount.Add(value)

		for _, addr := range outputAddresses(out.ScriptPubKey) {
			info.Outputs[addr] = info.Outputs[addr].Add(value)
		}
	}

	return info, nil
}

// IsConnected reports whether the node answers
func (s *Service) IsConnected(ctx context.Context) bool {
	_, err := s.GetBlockHeight(ctx)
	return err == nil
}

// GetBlockHeight returns the current block count
func (s *Service) GetBlockHeight(ctx context.Context) (int64, error) {
	height, err := withContext(ctx, s.backend.GetBlockCount)
	if err != nil {
		return 0, classify("bitcoin_block_height", err)
	}
	return height, nil
}

// ValidateAddress decodes the address for the configured network
func (s *Service) ValidateAddress(address string) bool {
	addr, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return false
	}
	return addr.IsForNet(s.params)
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network: %s", network)
}

func outputAddresses(spk btcjson.ScriptPubKeyResult) []string {
	if spk.Address != "" {
		return []string{spk.Address}
	}
	return spk.Addresses
}

func isNoTxInfo(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindTransient, op, err)
	}
	return apperr.External(op, err)
}

// withContext runs a blocking RPC call and abandons it when ctx ends.
// rpcclient has no context support.
func withContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
