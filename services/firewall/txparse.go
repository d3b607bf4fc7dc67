package firewall

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxSummary is the slice of a transaction the firewall reasons about.
// From may be empty for raw transactions whose sender could not be
// recovered; admission then depends on headers or defaults.
type TxSummary struct {
	From  string
	To    string
	Value *big.Int
}

// Transfers reports whether the transaction moves native value. Zero or
// absent value never consumes quota and passes through untouched.
func (t TxSummary) Transfers() bool {
	return t.Value != nil && t.Value.Sign() > 0
}

// parseTransaction extracts a TxSummary from the params of an
// intercepted method.
func parseTransaction(method string, params []json.RawMessage) (TxSummary, error) {
	switch method {
	case methodSendTransaction:
		return parseSendTransaction(params)
	case methodSendRawTransaction:
		return parseRawTransaction(params)
	default:
		return TxSummary{}, fmt.Errorf("method %q is not intercepted", method)
	}
}

func parseSendTransaction(params []json.RawMessage) (TxSummary, error) {
	if len(params) == 0 {
		return TxSummary{}, fmt.Errorf("eth_sendTransaction requires a transaction object")
	}
	var call struct {
		From  string       `json:"from"`
		To    string       `json:"to"`
		Value *hexutil.Big `json:"value"`
	}
	if err := json.Unmarshal(params[0], &call); err != nil {
		return TxSummary{}, fmt.Errorf("decode transaction object: %w", err)
	}
	summary := TxSummary{
		From:  strings.ToLower(strings.TrimSpace(call.From)),
		To:    strings.ToLower(strings.TrimSpace(call.To)),
		Value: big.NewInt(0),
	}
	if call.Value != nil {
		summary.Value = (*big.Int)(call.Value)
	}
	if summary.Value.Sign() < 0 {
		return TxSummary{}, fmt.Errorf("negative value")
	}
	return summary, nil
}

func parseRawTransaction(params []json.RawMessage) (TxSummary, error) {
	if len(params) == 0 {
		return TxSummary{}, fmt.Errorf("eth_sendRawTransaction requires hex payload")
	}
	var encoded string
	if err := json.Unmarshal(params[0], &encoded); err != nil {
		return TxSummary{}, fmt.Errorf("decode raw payload param: %w", err)
	}
	payload, err := hexutil.Decode(strings.TrimSpace(encoded))
	if err != nil {
		return TxSummary{}, fmt.Errorf("decode raw payload hex: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(payload); err != nil {
		return TxSummary{}, fmt.Errorf("decode raw transaction: %w", err)
	}
	summary := TxSummary{Value: tx.Value()}
	if to := tx.To(); to != nil {
		summary.To = strings.ToLower(to.Hex())
	}
	// Sender recovery can fail for exotic signature schemes; the
	// identity resolver then falls back to headers or defaults.
	if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		summary.From = strings.ToLower(from.Hex())
	}
	return summary, nil
}
