package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrAnchorReverted reports that a recordSpend transaction mined but
// reverted, typically the chain-side limit check.
var ErrAnchorReverted = errors.New("aegis: recordSpend reverted")

// Backend is the subset of the Ethereum client the anchorer needs: the
// standard bind contract backend for submission plus receipt polling.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Anchorer submits recordSpend transactions signed by the facilitator
// key and waits for one confirmation. It is the only component holding
// that key; the firewall never signs intercepted traffic.
type Anchorer struct {
	contract *bind.BoundContract
	backend  Backend
	opts     *bind.TransactOpts
}

// NewAnchorer constructs an anchorer from the facilitator's hex-encoded
// private key.
func NewAnchorer(backend Backend, contract common.Address, facilitatorKeyHex string, chainID *big.Int) (*Anchorer, error) {
	if backend == nil {
		return nil, fmt.Errorf("registry: backend required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("registry: chain id required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(facilitatorKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("registry: parse facilitator key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("registry: build transactor: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("registry: parse ABI: %w", err)
	}
	bound := bind.NewBoundContract(contract, parsed, backend, backend, backend)
	return &Anchorer{contract: bound, backend: backend, opts: opts}, nil
}

// Facilitator returns the signer address used for recordSpend.
func (a *Anchorer) Facilitator() common.Address {
	return a.opts.From
}

// RecordSpend anchors one settled transfer, returning the anchor
// transaction hash after one confirmation. A mined revert is surfaced
// as ErrAnchorReverted so the worker can park the record in the failed
// queue and stop draining the key.
func (a *Anchorer) RecordSpend(ctx context.Context, user, agent common.Address, amount *big.Int, txHash common.Hash) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("registry: anchor amount must be positive")
	}
	opts := *a.opts
	opts.Context = ctx
	tx, err := a.contract.Transact(&opts, "recordSpend", user, agent, amount, txHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("registry: submit recordSpend: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, a.backend, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("registry: wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%w: anchor tx %s", ErrAnchorReverted, tx.Hash().Hex())
	}
	return tx.Hash(), nil
}
