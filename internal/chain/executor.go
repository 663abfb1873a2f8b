package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidConfig = errors.New("chain: invalid executor config")
	ErrTxReverted    = errors.New("chain: settlement transaction reverted")
)

// Backend is the subset of an EVM RPC client the executor needs.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// executeSelector is the 4-byte selector of executeScheduledTransfer(bytes32)
// on the settlement contract.
var executeSelector = crypto.Keccak256([]byte("executeScheduledTransfer(bytes32)"))[:4]

type ExecutorConfig struct {
	ChainID  *big.Int
	Contract common.Address

	// GasLimit overrides estimation when > 0.
	GasLimit uint64

	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor settles chain-native scheduled transfers by calling the settlement
// contract with the transfer's idempotency key. The contract treats a repeated
// key as a no-op, so a crashed-and-retried execution cannot move funds twice.
type Executor struct {
	backend Backend
	signer  Signer
	cfg     ExecutorConfig
}

func NewExecutor(backend Backend, signer Signer, cfg ExecutorConfig) (*Executor, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract address", ErrInvalidConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Executor{backend: backend, signer: signer, cfg: cfg}, nil
}

// ExecuteCalldata returns the calldata for one idempotency key.
func ExecuteCalldata(key [32]byte) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, executeSelector...)
	data = append(data, key[:]...)
	return data
}

func (e *Executor) ExecuteTransfer(ctx context.Context, key [32]byte) (common.Hash, error) {
	if e == nil || e.backend == nil {
		return common.Hash{}, ErrInvalidConfig
	}

	from := e.signer.Address()
	data := ExecuteCalldata(key)

	gasLimit := e.cfg.GasLimit
	if gasLimit == 0 {
		est, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: from,
			To:   &e.cfg.Contract,
			Data: data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
		}
		gasLimit = est + est/5
	}

	tip, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: suggest tip cap: %w", err)
	}
	header, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("chain: missing baseFee in latest header")
	}
	// feeCap = 2*baseFee + tip leaves headroom for base fee growth while
	// the transaction waits.
	feeCap := new(big.Int).Add(new(big.Int).Lsh(header.BaseFee, 1), tip)

	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pending nonce: %w", err)
	}

	contract := e.cfg.Contract
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &contract,
		Data:      data,
	})
	signed, err := e.signer.SignTx(tx, e.cfg.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign tx: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send tx: %w", err)
	}

	return e.waitMined(ctx, signed.Hash())
}

func (e *Executor) waitMined(ctx context.Context, txHash common.Hash) (common.Hash, error) {
	deadline := e.cfg.Now().Add(e.cfg.ReceiptTimeout)
	for {
		receipt, err := e.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return common.Hash{}, fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
			}
			return txHash, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return common.Hash{}, fmt.Errorf("chain: receipt: %w", err)
		}

		if !e.cfg.Now().Before(deadline) {
			return common.Hash{}, fmt.Errorf("chain: tx %s not mined within %s", txHash.Hex(), e.cfg.ReceiptTimeout)
		}
		if err := e.cfg.Sleep(ctx, e.cfg.ReceiptPollInterval); err != nil {
			return common.Hash{}, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
