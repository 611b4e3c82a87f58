// Package chain implements domain.Ledger on an EVM chain with go-ethereum.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Backend is the RPC surface the ledger needs. *ethclient.Client
// satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config configures a Ledger.
type Config struct {
	ChainID        int64
	MarketContract string
	TokenContract  string
	// ReceiptTimeout bounds the wait for a transaction to be mined.
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Ledger sends contract calls and operator-signed transactions.
type Ledger struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	market  common.Address
	token   common.Address
	cfg     Config
	logger  *slog.Logger

	marketABI abi.ABI
	tokenABI  abi.ABI

	// txMu serialises nonce selection and submission.
	txMu sync.Mutex
}

// Dial connects to rpcURL and returns a Ledger plus its closer.
func Dial(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, cfg Config, logger *slog.Logger) (*Ledger, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: dial: %w", err)
	}
	l, err := New(client, key, cfg, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return l, client.Close, nil
}

// New creates a Ledger over backend.
func New(backend Backend, key *ecdsa.PrivateKey, cfg Config, logger *slog.Logger) (*Ledger, error) {
	if !common.IsHexAddress(cfg.MarketContract) {
		return nil, fmt.Errorf("chain: invalid market contract %q", cfg.MarketContract)
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("chain: invalid token contract %q", cfg.TokenContract)
	}
	mABI, err := abi.JSON(strings.NewReader(marketABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse market abi: %w", err)
	}
	tABI, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse token abi: %w", err)
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Ledger{
		backend:   backend,
		key:       key,
		from:      ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:   big.NewInt(cfg.ChainID),
		market:    common.HexToAddress(cfg.MarketContract),
		token:     common.HexToAddress(cfg.TokenContract),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "ledger")),
		marketABI: mABI,
		tokenABI:  tABI,
	}, nil
}

// MarketContract returns the market contract address users approve as
// operator.
func (l *Ledger) MarketContract() string {
	return l.market.Hex()
}

// ReadEncryptedTotals returns the ciphertext handles of a market's totals.
func (l *Ledger) ReadEncryptedTotals(ctx context.Context, onChainMarketID int64) (domain.EncryptedTotals, error) {
	const op = "encryptedTotals"
	out, err := l.call(ctx, l.market, l.marketABI, op, big.NewInt(onChainMarketID))
	if err != nil {
		return domain.EncryptedTotals{}, err
	}
	yes, ok1 := out[0].([32]byte)
	no, ok2 := out[1].([32]byte)
	if !ok1 || !ok2 {
		return domain.EncryptedTotals{}, &domain.LedgerError{Kind: domain.LedgerNetwork, Op: op, Err: errors.New("unexpected output types")}
	}
	return domain.EncryptedTotals{
		YesHandle: hexutil.Encode(yes[:]),
		NoHandle:  hexutil.Encode(no[:]),
	}, nil
}

// IsPayoutAuthorized reports whether authorizePayout already succeeded.
func (l *Ledger) IsPayoutAuthorized(ctx context.Context, onChainMarketID int64) (bool, error) {
	return l.callBool(ctx, l.market, l.marketABI, "payoutAuthorized", big.NewInt(onChainMarketID))
}

// IsOperatorApproved reports whether wallet has approved contract as an
// operator of its confidential balance.
func (l *Ledger) IsOperatorApproved(ctx context.Context, wallet, contract string) (bool, error) {
	if !common.IsHexAddress(wallet) || !common.IsHexAddress(contract) {
		return false, &domain.LedgerError{Kind: domain.LedgerReverted, Op: "isOperator", Err: errors.New("invalid address")}
	}
	return l.callBool(ctx, l.token, l.tokenABI, "isOperator",
		common.HexToAddress(wallet), common.HexToAddress(contract))
}

// AuthorizePayout submits the decrypted totals and their proof, returning
// the mined transaction hash.
func (l *Ledger) AuthorizePayout(ctx context.Context, onChainMarketID int64, outcome domain.Result, totals domain.DecryptedTotals, proof []byte) (string, error) {
	const op = "authorizePayout"
	var code uint8
	switch outcome {
	case domain.ResultYes:
		code = outcomeYes
	case domain.ResultNo:
		code = outcomeNo
	default:
		return "", &domain.LedgerError{Kind: domain.LedgerReverted, Op: op, Err: fmt.Errorf("outcome %q has no payout", outcome)}
	}
	data, err := l.marketABI.Pack(op, big.NewInt(onChainMarketID), code, totals.Yes, totals.No, proof)
	if err != nil {
		return "", &domain.LedgerError{Kind: domain.LedgerReverted, Op: op, Err: err}
	}
	return l.transact(ctx, op, l.market, data)
}

// ClaimPayout relays a payout claim for wallet.
func (l *Ledger) ClaimPayout(ctx context.Context, onChainMarketID int64, wallet string) (string, error) {
	const op = "claimFor"
	if !common.IsHexAddress(wallet) {
		return "", &domain.LedgerError{Kind: domain.LedgerReverted, Op: op, Err: errors.New("invalid wallet address")}
	}
	data, err := l.marketABI.Pack(op, big.NewInt(onChainMarketID), common.HexToAddress(wallet))
	if err != nil {
		return "", &domain.LedgerError{Kind: domain.LedgerReverted, Op: op, Err: err}
	}
	return l.transact(ctx, op, l.market, data)
}

func (l *Ledger) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, &domain.LedgerError{Kind: domain.LedgerReverted, Op: method, Err: err}
	}
	raw, err := l.backend.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, &domain.LedgerError{Kind: domain.LedgerNetwork, Op: method, Err: fmt.Errorf("unpack: %w", err)}
	}
	return out, nil
}

func (l *Ledger) callBool(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (bool, error) {
	out, err := l.call(ctx, to, contract, method, args...)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, &domain.LedgerError{Kind: domain.LedgerNetwork, Op: method, Err: errors.New("unexpected output type")}
	}
	return v, nil
}

// transact signs and sends an EIP-1559 transaction, then waits for its
// receipt. A failed receipt is a reverted LedgerError.
func (l *Ledger) transact(ctx context.Context, op string, to common.Address, data []byte) (string, error) {
	l.txMu.Lock()
	tx, err := l.buildTx(ctx, op, to, data)
	if err == nil {
		if serr := l.backend.SendTransaction(ctx, tx); serr != nil {
			err = classify(op, serr)
		}
	}
	l.txMu.Unlock()
	if err != nil {
		return "", err
	}

	hash := tx.Hash()
	l.logger.InfoContext(ctx, "transaction sent",
		slog.String("op", op),
		slog.String("tx", hash.Hex()),
		slog.Uint64("nonce", tx.Nonce()),
	)

	receipt, err := l.waitReceipt(ctx, op, hash)
	if err != nil {
		return "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", &domain.LedgerError{Kind: domain.LedgerReverted, Op: op, Err: fmt.Errorf("tx %s reverted", hash.Hex())}
	}
	return hash.Hex(), nil
}

func (l *Ledger) buildTx(ctx context.Context, op string, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return nil, classify(op, err)
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	head, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: l.from, To: &to, Data: data, GasTipCap: tip, GasFeeCap: feeCap,
	})
	if err != nil {
		return nil, classify(op, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return nil, &domain.LedgerError{Kind: domain.LedgerNetwork, Op: op, Err: fmt.Errorf("sign tx: %w", err)}
	}
	return signed, nil
}

func (l *Ledger) waitReceipt(ctx context.Context, op string, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, classify(op, err)
		}
		select {
		case <-ctx.Done():
			return nil, &domain.LedgerError{Kind: domain.LedgerNetwork, Op: op,
				Err: fmt.Errorf("waiting for receipt of %s: %w", hash.Hex(), ctx.Err())}
		case <-ticker.C:
		}
	}
}

// classify maps an RPC error onto the ledger error kinds.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	kind := domain.LedgerNetwork
	switch {
	case strings.Contains(msg, "execution reverted"):
		kind = domain.LedgerReverted
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "gas required exceeds"):
		kind = domain.LedgerInsufficientGas
	}
	return &domain.LedgerError{Kind: kind, Op: op, Err: err}
}

var _ domain.Ledger = (*Ledger)(nil)
