package firewall

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func rawParams(t *testing.T, values ...string) []json.RawMessage {
	t.Helper()
	params := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		params = append(params, json.RawMessage(value))
	}
	return params
}

func TestParseSendTransaction(t *testing.T) {
	params := rawParams(t, `{"from":"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","to":"0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB","value":"0xde0b6b3a7640000"}`)
	summary, err := parseTransaction(methodSendTransaction, params)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if summary.From != "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Fatalf("from = %s", summary.From)
	}
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	if summary.Value.Cmp(oneEther) != 0 {
		t.Fatalf("value = %s, want one ether in wei", summary.Value)
	}
	if !summary.Transfers() {
		t.Fatal("transfer not detected")
	}
}

func TestParseSendTransactionMissingValueIsZero(t *testing.T) {
	params := rawParams(t, `{"from":"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","data":"0xdeadbeef"}`)
	summary, err := parseTransaction(methodSendTransaction, params)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if summary.Transfers() {
		t.Fatal("zero-value call flagged as transfer")
	}
}

func TestParseSendTransactionRejectsGarbage(t *testing.T) {
	cases := [][]json.RawMessage{
		nil,
		rawParams(t, `"just a string"`),
		rawParams(t, `{"value":"not-hex"}`),
	}
	for i, params := range cases {
		if _, err := parseTransaction(methodSendTransaction, params); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestParseRawTransactionRecoversSenderAndValue(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1337)
	to := crypto.PubkeyToAddress(key.PublicKey)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		To:        &to,
		Value:     big.NewInt(123456),
		Gas:       21000,
		GasFeeCap: big.NewInt(1_000_000_000),
		GasTipCap: big.NewInt(1_000_000_000),
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	encoded, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("encode tx: %v", err)
	}

	params := rawParams(t, `"`+hexutil.Encode(encoded)+`"`)
	summary, err := parseTransaction(methodSendRawTransaction, params)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sender := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	if summary.From != sender {
		t.Fatalf("from = %s, want %s", summary.From, sender)
	}
	if summary.Value.Int64() != 123456 {
		t.Fatalf("value = %s", summary.Value)
	}
	if summary.To != strings.ToLower(to.Hex()) {
		t.Fatalf("to = %s", summary.To)
	}
}

func TestParseRawTransactionRejectsGarbage(t *testing.T) {
	cases := [][]json.RawMessage{
		nil,
		rawParams(t, `"0x"`),
		rawParams(t, `"0xzzzz"`),
		rawParams(t, `"0x0102"`),
		rawParams(t, `12345`),
	}
	for i, params := range cases {
		if _, err := parseTransaction(methodSendRawTransaction, params); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
