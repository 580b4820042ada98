package evm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"paygate/internal/config"
)

// ArachnidFactoryAddress is the deterministic deployment proxy deployed on all EVM chains
// See: https://github.com/Arachnid/deterministic-deployment-proxy
var ArachnidFactoryAddress = common.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C")

// DepositDeriver computes per-payment deposit addresses with CREATE2. The
// sweeper contract need not be deployed for the address to receive funds.
//
// CREATE2 formula: address = keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:]
type DepositDeriver struct {
	factory      common.Address
	initCodeHash common.Hash
	currency     string
}

// NewDepositDeriver builds a deriver from chain configuration. The factory
// defaults to the Arachnid proxy.
func NewDepositDeriver(chainCfg config.ChainConfig) (*DepositDeriver, error) {
	initCode, err := hex.DecodeString(strings.TrimPrefix(chainCfg.DepositInitCode, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode deposit init code: %w", err)
	}
	if len(initCode) == 0 {
		return nil, fmt.Errorf("init code cannot be empty")
	}

	factory := ArachnidFactoryAddress
	if chainCfg.DepositFactory != "" {
		if !common.IsHexAddress(chainCfg.DepositFactory) {
			return nil, fmt.Errorf("invalid deposit factory address %q", chainCfg.DepositFactory)
		}
		factory = common.HexToAddress(chainCfg.DepositFactory)
	}

	return &DepositDeriver{
		factory:      factory,
		initCodeHash: crypto.Keccak256Hash(initCode),
		currency:     strings.ToUpper(chainCfg.Symbol),
	}, nil
}

// Derive returns the deposit address for a payment reference
func (d *DepositDeriver) Derive(reference string) (string, error) {
	addr, err := ComputeDepositAddress(d.factory, reference, d.currency, d.initCodeHash)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// ComputeDepositAddress computes the CREATE2 address for reference on currency.
// Salt: sha256(reference + ":" + currency)
func ComputeDepositAddress(
	factory common.Address,
	reference string,
	currency string,
	initCodeHash common.Hash,
) (common.Address, error) {
	if factory == (common.Address{}) {
		return common.Address{}, fmt.Errorf("factory address cannot be zero")
	}
	if reference == "" {
		return common.Address{}, fmt.Errorf("payment reference cannot be empty")
	}
	if currency == "" {
		return common.Address{}, fmt.Errorf("currency cannot be empty")
	}

	salt := GenerateSalt(reference, currency)

	// 1 byte (0xff) + 20 bytes (factory) + 32 bytes (salt) + 32 bytes (initCodeHash)
	data := make([]byte, 1+20+32+32)
	data[0] = 0xff
	copy(data[1:21], factory.Bytes())
	copy(data[21:53], salt[:])
	copy(data[53:85], initCodeHash.Bytes())

	hash := crypto.Keccak256(data)
	return common.BytesToAddress(hash[12:]), nil
}

// GenerateSalt generates a deterministic CREATE2 salt
func GenerateSalt(reference, currency string) [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%s:%s", reference, strings.ToUpper(currency))))
}

// VerifyDepositAddress reports whether address was derived for reference
func (d *DepositDeriver) VerifyDepositAddress(address, reference string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	computed, err := ComputeDepositAddress(d.factory, reference, d.currency, d.initCodeHash)
	if err != nil {
		return false
	}
	return common.HexToAddress(address) == computed
}
