package ethereum

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/payment"
	"SentientExchange/internal/session"
)

// Config describes how to reach an EVM compatible network.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
}

// chainReader mirrors the subset of ethclient methods the verifier needs,
// so tests can substitute a fake chain.
type chainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
}

// Verifier 针对 EVM 网络校验支付凭证。凭证即交易哈希，
// 校验只做只读查询，天然幂等。
type Verifier struct {
	name    string
	eth     *ethclient.Client
	reader  chainReader
	chainID *big.Int
}

// transferTopic 是 ERC-20 Transfer(address,address,uint256) 事件签名。
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// NewVerifier dials the configured RPC endpoint and returns a ready verifier.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	v := &Verifier{name: cfg.Name, eth: eth, reader: eth}
	if cfg.ChainID > 0 {
		v.chainID = big.NewInt(cfg.ChainID)
	}
	return v, nil
}

// NewVerifierWithReader 用注入的链访问后端构造校验器，测试用。
func NewVerifierWithReader(name string, reader chainReader) *Verifier {
	return &Verifier{name: name, reader: reader}
}

// VerifyPayment 校验交易是否按支付指令完成：金额、收款人与
// 代币必须精确匹配。未找到交易或内容不匹配属于"校验未通过"，
// 通过返回值表达；链访问失败才作为错误返回。
func (v *Verifier) VerifyPayment(ctx context.Context, signature string, expected *session.PaymentInstruction) (payment.Verification, error) {
	if v == nil || v.reader == nil {
		return payment.Verification{}, xerrors.New(xerrors.CodeInitializationFailure, "链上校验器未初始化")
	}
	if expected == nil {
		return payment.Verification{}, xerrors.New(xerrors.CodeInvalidArgument, "支付指令不能为空")
	}
	if !payment.ValidSignatureFormat(expected.Network, signature) {
		return payment.Verification{Verified: false, Detail: "malformed transaction hash"}, nil
	}

	amount, ok := new(big.Int).SetString(strings.TrimSpace(expected.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return payment.Verification{}, xerrors.New(xerrors.CodeInvalidArgument, "支付指令金额不合法")
	}

	hash := common.HexToHash(signature)
	receipt, err := v.reader.TransactionReceipt(ctx, hash)
	if err != nil {
		if stdErrors.Is(err, gethcore.NotFound) {
			return payment.Verification{Verified: false, Detail: "transaction not found on chain"}, nil
		}
		return payment.Verification{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询交易回执失败")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return payment.Verification{
			Verified:    false,
			Transaction: hash.Hex(),
			Detail:      "transaction reverted",
		}, nil
	}

	payTo := common.HexToAddress(expected.PayTo)
	if isNativeToken(expected.Token) {
		return v.verifyNative(ctx, hash, payTo, amount)
	}
	return v.verifyTokenTransfer(receipt, common.HexToAddress(expected.Token), payTo, amount)
}

// verifyNative 校验原生币转账：收款人与金额均取自交易本体。
func (v *Verifier) verifyNative(ctx context.Context, hash common.Hash, payTo common.Address, amount *big.Int) (payment.Verification, error) {
	tx, pending, err := v.reader.TransactionByHash(ctx, hash)
	if err != nil {
		return payment.Verification{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询交易失败")
	}
	if pending {
		return payment.Verification{Verified: false, Transaction: hash.Hex(), Detail: "transaction still pending"}, nil
	}
	if tx.To() == nil || *tx.To() != payTo {
		return payment.Verification{Verified: false, Transaction: hash.Hex(), Detail: "recipient mismatch"}, nil
	}
	if tx.Value().Cmp(amount) != 0 {
		return payment.Verification{Verified: false, Transaction: hash.Hex(), Detail: "amount mismatch"}, nil
	}
	return payment.Verification{Verified: true, Transaction: hash.Hex()}, nil
}

// verifyTokenTransfer 在回执日志中寻找匹配的 ERC-20 Transfer 事件。
func (v *Verifier) verifyTokenTransfer(receipt *coretypes.Receipt, token, payTo common.Address, amount *big.Int) (payment.Verification, error) {
	hash := receipt.TxHash.Hex()
	for _, entry := range receipt.Logs {
		if entry == nil || entry.Address != token {
			continue
		}
		if len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		recipient := common.BytesToAddress(entry.Topics[2].Bytes())
		if recipient != payTo {
			continue
		}
		transferred := new(big.Int).SetBytes(entry.Data)
		if transferred.Cmp(amount) == 0 {
			return payment.Verification{Verified: true, Transaction: hash}, nil
		}
		return payment.Verification{Verified: false, Transaction: hash, Detail: "amount mismatch"}, nil
	}
	return payment.Verification{Verified: false, Transaction: hash, Detail: "no matching token transfer"}, nil
}

// Close releases the underlying RPC connection.
func (v *Verifier) Close() {
	if v != nil && v.eth != nil {
		v.eth.Close()
		v.eth = nil
	}
}

func isNativeToken(token string) bool {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "native", "eth":
		return true
	}
	return false
}

var _ payment.Verifier = (*Verifier)(nil)
