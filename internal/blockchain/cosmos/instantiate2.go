package cosmos

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cosmos/cosmos-sdk/types/bech32"

	"paygate/internal/config"
)

// DepositDeriver computes per-payment deposit addresses with CosmWasm
// instantiate2, so the address is known before the contract is instantiated.
//
// address = sha256("contract_addr" ++ code_id ++ salt ++ creator_canonical)[:20]
type DepositDeriver struct {
	codeID   uint64
	creator  string
	prefix   string
	currency string
}

// NewDepositDeriver builds a deriver from chain configuration
func NewDepositDeriver(chainCfg config.ChainConfig) (*DepositDeriver, error) {
	prefix := chainCfg.AddressPrefix
	if prefix == "" {
		prefix = DefaultBech32Prefix
	}
	d := &DepositDeriver{
		codeID:   chainCfg.DepositCodeID,
		creator:  chainCfg.DepositCreator,
		prefix:   prefix,
		currency: strings.ToUpper(chainCfg.Symbol),
	}
	// Fail on bad configuration at startup rather than on first payment
	if _, err := d.Derive("check"); err != nil {
		return nil, err
	}
	return d, nil
}

// Derive returns the deposit address for a payment reference
func (d *DepositDeriver) Derive(reference string) (string, error) {
	return ComputeDepositAddress(d.codeID, d.creator, d.prefix, reference, d.currency)
}

// ComputeDepositAddress computes the instantiate2 address for reference
func ComputeDepositAddress(
	codeID uint64,
	creatorAddress string,
	prefix string,
	reference string,
	currency string,
) (string, error) {
	if codeID == 0 {
		return "", fmt.Errorf("code ID cannot be zero")
	}
	if creatorAddress == "" {
		return "", fmt.Errorf("creator address cannot be empty")
	}
	if reference == "" {
		return "", fmt.Errorf("payment reference cannot be empty")
	}

	salt := GenerateDepositSalt(reference, currency)

	_, creatorCanonical, err := bech32.DecodeAndConvert(creatorAddress)
	if err != nil {
		return "", fmt.Errorf("failed to decode creator address: %w", err)
	}

	// "contract_addr" ++ code_id (big-endian uint64) ++ salt (32 bytes) ++ creator_canonical
	data := []byte("contract_addr")
	codeIDBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(codeIDBytes, codeID)
	data = append(data, codeIDBytes...)
	data = append(data, salt[:]...)
	data = append(data, creatorCanonical...)

	hash := sha256.Sum256(data)

	address, err := bech32.ConvertAndEncode(prefix, hash[:20])
	if err != nil {
		return "", fmt.Errorf("failed to encode bech32 address: %w", err)
	}
	return address, nil
}

// GenerateDepositSalt generates a deterministic instantiate2 salt
func GenerateDepositSalt(reference, currency string) [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%s:%s", reference, strings.ToUpper(currency))))
}

// VerifyDepositAddress reports whether address was derived for reference
func (d *DepositDeriver) VerifyDepositAddress(address, reference string) bool {
	computed, err := d.Derive(reference)
	return err == nil && computed == address
}
