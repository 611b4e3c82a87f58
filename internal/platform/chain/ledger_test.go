package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

const (
	testMarket = "0x00000000000000000000000000000000000000aa"
	testToken  = "0x00000000000000000000000000000000000000bb"
	testWallet = "0x00000000000000000000000000000000000000cc"
)

type fakeBackend struct {
	mABI, tABI abi.ABI

	approved        bool
	authorized      bool
	estimateErr     error
	receiptStatus   uint64
	pendingReceipts int

	sent []*types.Transaction
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	m, err := abi.JSON(strings.NewReader(marketABI))
	require.NoError(t, err)
	tk, err := abi.JSON(strings.NewReader(tokenABI))
	require.NoError(t, err)
	return &fakeBackend{mABI: m, tABI: tk, receiptStatus: types.ReceiptStatusSuccessful}
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if *msg.To == common.HexToAddress(testToken) {
		method, err := f.tABI.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(f.approved)
	}
	method, err := f.mABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "encryptedTotals":
		var yes, no [32]byte
		yes[31], no[31] = 0x01, 0x02
		return method.Outputs.Pack(yes, no)
	case "payoutAuthorized":
		return method.Outputs.Pack(f.authorized)
	}
	return nil, errors.New("execution reverted: unknown method")
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(2_000_000_000)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.pendingReceipts > 0 {
		f.pendingReceipts--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.receiptStatus}, nil
}

func newTestLedger(t *testing.T, b *fakeBackend) (*Ledger, common.Address) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	l, err := New(b, key, Config{
		ChainID:        11155111,
		MarketContract: testMarket,
		TokenContract:  testToken,
		ReceiptTimeout: time.Second,
		PollInterval:   time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l, ethcrypto.PubkeyToAddress(key.PublicKey)
}

func TestReadEncryptedTotals(t *testing.T) {
	l, _ := newTestLedger(t, newFakeBackend(t))

	totals, err := l.ReadEncryptedTotals(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "0x"+strings.Repeat("0", 62)+"01", totals.YesHandle)
	assert.Equal(t, "0x"+strings.Repeat("0", 62)+"02", totals.NoHandle)
}

func TestIsOperatorApproved(t *testing.T) {
	b := newFakeBackend(t)
	l, _ := newTestLedger(t, b)

	ok, err := l.IsOperatorApproved(context.Background(), testWallet, l.MarketContract())
	require.NoError(t, err)
	assert.False(t, ok)

	b.approved = true
	ok, err = l.IsOperatorApproved(context.Background(), testWallet, l.MarketContract())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthorizePayout_SendsSignedTx(t *testing.T) {
	b := newFakeBackend(t)
	b.pendingReceipts = 2
	l, from := newTestLedger(t, b)

	hash, err := l.AuthorizePayout(context.Background(), 7, domain.ResultYes,
		domain.DecryptedTotals{Yes: 1500, No: 2500}, []byte{0xde, 0xad})
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, hash, tx.Hash().Hex())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, common.HexToAddress(testMarket), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	assert.Equal(t, from, sender)

	method, err := b.mABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, outcomeYes, args[1])
	assert.Equal(t, uint64(1500), args[2])
	assert.Equal(t, uint64(2500), args[3])
}

func TestAuthorizePayout_RevertedReceiptIsPermanent(t *testing.T) {
	b := newFakeBackend(t)
	b.receiptStatus = types.ReceiptStatusFailed
	l, _ := newTestLedger(t, b)

	_, err := l.AuthorizePayout(context.Background(), 7, domain.ResultNo, domain.DecryptedTotals{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermanentLedger)

	var le *domain.LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, domain.LedgerReverted, le.Kind)
}

func TestAuthorizePayout_InvalidOutcomeRejected(t *testing.T) {
	b := newFakeBackend(t)
	l, _ := newTestLedger(t, b)

	_, err := l.AuthorizePayout(context.Background(), 7, domain.ResultInvalid, domain.DecryptedTotals{}, nil)
	assert.ErrorIs(t, err, domain.ErrPermanentLedger)
	assert.Empty(t, b.sent)
}

func TestClaimPayout_InsufficientFunds(t *testing.T) {
	b := newFakeBackend(t)
	b.estimateErr = errors.New("insufficient funds for gas * price + value")
	l, _ := newTestLedger(t, b)

	_, err := l.ClaimPayout(context.Background(), 7, testWallet)
	var le *domain.LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, domain.LedgerInsufficientGas, le.Kind)
	assert.ErrorIs(t, err, domain.ErrPermanentLedger)
}

func TestClassify(t *testing.T) {
	cases := map[string]domain.LedgerErrorKind{
		"execution reverted: not resolved":          domain.LedgerReverted,
		"insufficient funds for transfer":           domain.LedgerInsufficientGas,
		"gas required exceeds allowance (30000000)": domain.LedgerInsufficientGas,
		"dial tcp: connection refused":              domain.LedgerNetwork,
	}
	for msg, want := range cases {
		var le *domain.LedgerError
		require.ErrorAs(t, classify("op", errors.New(msg)), &le)
		assert.Equal(t, want, le.Kind, msg)
	}
	assert.ErrorIs(t, classify("op", errors.New("timeout")), domain.ErrTransientProvider)
}
