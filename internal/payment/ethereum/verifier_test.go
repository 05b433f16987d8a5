package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"SentientExchange/internal/session"
)

// fakeChain 以内存映射模拟链上只读查询。
type fakeChain struct {
	receipts   map[common.Hash]*coretypes.Receipt
	txs        map[common.Hash]*coretypes.Transaction
	receiptErr error
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if c.receiptErr != nil {
		return nil, c.receiptErr
	}
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (c *fakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*coretypes.Transaction, bool, error) {
	tx, ok := c.txs[hash]
	if !ok {
		return nil, false, gethcore.NotFound
	}
	return tx, false, nil
}

var (
	testHash  = common.HexToHash("0x" + strings.Repeat("12", 32))
	payToAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	otherAddr = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func nativeInstruction(amount string) *session.PaymentInstruction {
	return &session.PaymentInstruction{
		Amount:  amount,
		Token:   "native",
		PayTo:   payToAddr.Hex(),
		Network: "base",
	}
}

func tokenInstruction(amount string) *session.PaymentInstruction {
	return &session.PaymentInstruction{
		Amount:  amount,
		Token:   tokenAddr.Hex(),
		PayTo:   payToAddr.Hex(),
		Network: "base",
	}
}

func nativeTx(to common.Address, amount *big.Int) *coretypes.Transaction {
	return coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    1,
		To:       &to,
		Value:    amount,
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

func transferLog(token, recipient common.Address, amount *big.Int) *coretypes.Log {
	data := make([]byte, 32)
	amount.FillBytes(data)
	return &coretypes.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(otherAddr.Bytes()),
			common.BytesToHash(recipient.Bytes()),
		},
		Data: data,
	}
}

func TestVerifyPaymentRejectsMalformedHash(t *testing.T) {
	verifier := NewVerifierWithReader("base", &fakeChain{})

	result, err := verifier.VerifyPayment(context.Background(), "not-a-hash", nativeInstruction("100"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || result.Detail != "malformed transaction hash" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestVerifyPaymentMissingTransactionIsNotAnError(t *testing.T) {
	verifier := NewVerifierWithReader("base", &fakeChain{})

	result, err := verifier.VerifyPayment(context.Background(), testHash.Hex(), nativeInstruction("100"))
	if err != nil {
		t.Fatalf("a missing transaction must not surface as a chain error: %v", err)
	}
	if result.Verified || result.Detail != "transaction not found on chain" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestVerifyPaymentChainAccessFailurePropagates(t *testing.T) {
	verifier := NewVerifierWithReader("base", &fakeChain{receiptErr: fmt.Errorf("rpc timeout")})

	_, err := verifier.VerifyPayment(context.Background(), testHash.Hex(), nativeInstruction("100"))
	if err == nil {
		t.Fatalf("chain access failure must propagate as an error")
	}
}

func TestVerifyPaymentRevertedTransaction(t *testing.T) {
	chain := &fakeChain{
		receipts: map[common.Hash]*coretypes.Receipt{
			testHash: {Status: coretypes.ReceiptStatusFailed, TxHash: testHash},
		},
	}
	verifier := NewVerifierWithReader("base", chain)

	result, err := verifier.VerifyPayment(context.Background(), testHash.Hex(), nativeInstruction("100"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || result.Detail != "transaction reverted" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestVerifyNativePayment(t *testing.T) {
	chain := &fakeChain{
		receipts: map[common.Hash]*coretypes.Receipt{
			testHash: {Status: coretypes.ReceiptStatusSuccessful, TxHash: testHash},
		},
		txs: map[common.Hash]*coretypes.Transaction{
			testHash: nativeTx(payToAddr, big.NewInt(100)),
		},
	}
	verifier := NewVerifierWithReader("base", chain)

	result, err := verifier.VerifyPayment(context.Background(), testHash.Hex(), nativeInstruction("100"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected exact native transfer to verify: %+v", result)
	}

	result, err = verifier.VerifyPayment(context.Background(), testHash.Hex(), nativeInstruction("101"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || result.Detail != "amount mismatch" {
		t.Fatalf("expected amount mismatch, got %+v", result)
	}

	chain.txs[testHash] = nativeTx(otherAddr, big.NewInt(100))
	result, err = verifier.VerifyPayment(context.Background(), testHash.Hex(), nativeInstruction("100"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verified || result.Detail != "recipient mismatch" {
		t.Fatalf("expected recipient mismatch, got %+v", result)
	}
}

func TestVerifyTokenTransfer(t *testing.T) {
	receipt := &coretypes.Receipt{
		Status: coretypes.ReceiptStatusSuccessful,
		TxHash: testHash,
		Logs: []*coretypes.Log{
			// 其它合约的日志必须被忽略。
			transferLog(otherAddr, payToAddr, big.NewInt(50000)),
			transferLog(tokenAddr, payToAddr, big.NewInt(50000)),
		},
	}
	verifier := NewVerifierWithReader("base", &fakeChain{
		receipts: map[common.Hash]*coretypes.Receipt{testHash: receipt},
	})

	result, err := verifier.VerifyPayment(context.Background(), testHash.Hex(), tokenInstruction("50000"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected matching transfer event to verify: %+v", result)
	}
}

func TestVerifyTokenTransferMismatches(t *testing.T) {
	cases := []struct {
		name   string
		logs   []*coretypes.Log
		detail string
	}{
		{
			name:   "amount mismatch",
			logs:   []*coretypes.Log{transferLog(tokenAddr, payToAddr, big.NewInt(49999))},
			detail: "amount mismatch",
		},
		{
			name:   "wrong recipient",
			logs:   []*coretypes.Log{transferLog(tokenAddr, otherAddr, big.NewInt(50000))},
			detail: "no matching token transfer",
		},
		{
			name:   "no transfer events",
			logs:   nil,
			detail: "no matching token transfer",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			receipt := &coretypes.Receipt{
				Status: coretypes.ReceiptStatusSuccessful,
				TxHash: testHash,
				Logs:   tc.logs,
			}
			verifier := NewVerifierWithReader("base", &fakeChain{
				receipts: map[common.Hash]*coretypes.Receipt{testHash: receipt},
			})

			result, err := verifier.VerifyPayment(context.Background(), testHash.Hex(), tokenInstruction("50000"))
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if result.Verified || result.Detail != tc.detail {
				t.Fatalf("expected %q, got %+v", tc.detail, result)
			}
		})
	}
}

func TestVerifyPaymentIsIdempotent(t *testing.T) {
	chain := &fakeChain{
		receipts: map[common.Hash]*coretypes.Receipt{
			testHash: {Status: coretypes.ReceiptStatusSuccessful, TxHash: testHash},
		},
		txs: map[common.Hash]*coretypes.Transaction{
			testHash: nativeTx(payToAddr, big.NewInt(100)),
		},
	}
	verifier := NewVerifierWithReader("base", chain)

	for i := 0; i < 3; i++ {
		result, err := verifier.VerifyPayment(context.Background(), testHash.Hex(), nativeInstruction("100"))
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
		if !result.Verified {
			t.Fatalf("verification must be repeatable, run %d failed: %+v", i, result)
		}
	}
}
