package cosmos

import (
	"context"
	"errors"
	"strings"
	"testing"

	abci "github.com/cometbft/cometbft/abci/types"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/blockchain"
	"paygate/internal/config"
)

const (
	payee = "cosmos1qypqxpq9qcrsszg2pvxq6rs0zqg3yyc5lzv7xu"
	other = "osmo1qypqxpq9qcrsszg2pvxq6rs0zqg3yyc5helwsw"
)

var testHash = strings.Repeat("ab", 32)

type fakeBackend struct {
	tx        *coretypes.ResultTx
	txErr     error
	height    int64
	catchUp   bool
	statusErr error
}

func (f *fakeBackend) Tx(ctx context.Context, hash []byte, prove bool) (*coretypes.ResultTx, error) {
	return f.tx, f.txErr
}

func (f *fakeBackend) Status(ctx context.Context) (*coretypes.ResultStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &coretypes.ResultStatus{SyncInfo: coretypes.SyncInfo{
		LatestBlockHeight: f.height,
		CatchingUp:        f.catchUp,
	}}, nil
}

func newService(backend Backend) *Service {
	return NewService(backend, config.ChainConfig{Symbol: "ATOM", AddressPrefix: "cosmos"}, zap.NewNop())
}

func transferEvent(recipient, amount string) abci.Event {
	return abci.Event{
		Type: "transfer",
		Attributes: []abci.EventAttribute{
			{Key: "recipient", Value: recipient},
			{Key: "sender", Value: "cosmos1sender"},
			{Key: "amount", Value: amount},
		},
	}
}

func TestGetTransaction(t *testing.T) {
	backend := &fakeBackend{
		height: 1010,
		tx: &coretypes.ResultTx{
			Height: 1005,
			TxResult: abci.ExecTxResult{Events: []abci.Event{
				transferEvent("cosmos1feecollector", "5000uatom"),
				transferEvent(payee, "2500000uatom,100uosmo"),
				{Type: "message", Attributes: []abci.EventAttribute{{Key: "action", Value: "/cosmos.bank.v1beta1.MsgSend"}}},
			}},
		},
	}

	info, err := newService(backend).GetTransaction(context.Background(), testHash)
	require.NoError(t, err)

	assert.Equal(t, blockchain.TxStateConfirmed, info.State)
	assert.Equal(t, int64(6), info.Confirmations)
	assert.Equal(t, "2.505", info.Amount.String())
	assert.Equal(t, "2.5", info.AmountTo(payee).String())
}

func TestGetTransactionStates(t *testing.T) {
	tests := []struct {
		name      string
		backend   *fakeBackend
		wantState blockchain.TxState
		wantKind  apperr.Kind
	}{
		{
			name: "failed execution",
			backend: &fakeBackend{
				height: 10,
				tx:     &coretypes.ResultTx{Height: 10, TxResult: abci.ExecTxResult{Code: 5, Codespace: "sdk"}},
			},
			wantState: blockchain.TxStateFailed,
		},
		{
			name:      "unknown hash",
			backend:   &fakeBackend{txErr: errors.New("tx (ABAB) not found")},
			wantState: blockchain.TxStateNotFound,
		},
		{
			name:     "rpc down",
			backend:  &fakeBackend{txErr: errors.New("post failed: connection refused")},
			wantKind: apperr.KindExternal,
		},
		{
			name: "status down",
			backend: &fakeBackend{
				tx:        &coretypes.ResultTx{Height: 10},
				statusErr: errors.New("timeout"),
			},
			wantKind: apperr.KindExternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := newService(tt.backend).GetTransaction(context.Background(), testHash)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, info.State)
		})
	}
}

func TestGetTransactionRejectsBadHash(t *testing.T) {
	_, err := newService(&fakeBackend{}).GetTransaction(context.Background(), "nothex")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestValidateAddress(t *testing.T) {
	svc := newService(&fakeBackend{})

	assert.True(t, svc.ValidateAddress(payee))
	assert.False(t, svc.ValidateAddress(other), "wrong prefix")
	assert.False(t, svc.ValidateAddress(payee[:len(payee)-1]+"q"), "bad checksum")
	assert.False(t, svc.ValidateAddress(""))
}

func TestConnectivity(t *testing.T) {
	assert.True(t, newService(&fakeBackend{height: 5}).IsConnected(context.Background()))
	assert.False(t, newService(&fakeBackend{catchUp: true}).IsConnected(context.Background()))
	assert.False(t, newService(&fakeBackend{statusErr: errors.New("down")}).IsConnected(context.Background()))

	h, err := newService(&fakeBackend{height: 42}).GetBlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), h)
}
