// Package services implements the withdrawal settlement pipeline: proof
// orchestration, chain submission, multisig-gated payout and the top-level
// withdraw request state machine.
package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/veilpay/settlement/internal/clients"
	"github.com/veilpay/settlement/internal/config"
	"github.com/veilpay/settlement/internal/metrics"
)

var (
	// ErrChainNotConfigured means no client exists for the requested chain id.
	ErrChainNotConfigured = errors.New("chain not configured")
	// ErrTransactionReverted means the transaction was mined but reverted.
	ErrTransactionReverted = errors.New("transaction reverted")
)

const executeContractABI = `[
	{"name":"executeWithdraw","type":"function","inputs":[
		{"name":"proof","type":"bytes"},
		{"name":"publicValues","type":"bytes"}
	],"outputs":[]},
	{"name":"payout","type":"function","inputs":[
		{"name":"token","type":"address"},
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}
	],"outputs":[]},
	{"name":"payoutWithHook","type":"function","inputs":[
		{"name":"token","type":"address"},
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"adapterId","type":"uint32"},
		{"name":"tokenKey","type":"string"},
		{"name":"minOutput","type":"bytes32"}
	],"outputs":[]}
]`

// gas headroom over the node's estimate; underestimation on proof
// verification calls is common enough to matter.
const gasBufferPercent = 20

// settlementABI is parsed once at startup; the ABI string is a constant.
var settlementABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(executeContractABI))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}()

// Receipt is the confirmation result of a broadcast.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Submitter broadcasts settlement transactions and waits for confirmation
// depth. The production implementation is ChainSubmitter; tests use fakes.
type Submitter interface {
	SubmitWithdraw(ctx context.Context, chainID uint32, proofHex, publicValuesHex string) (string, error)
	SubmitPayout(ctx context.Context, chainID uint32, callData []byte) (string, error)
	WaitConfirmed(ctx context.Context, chainID uint32, txHash string) (*Receipt, error)
}

type chainClient struct {
	cfg    config.ChainConfig
	client *ethclient.Client
}

// ChainSubmitter holds one RPC client per configured chain and builds,
// signs (via the external signer) and broadcasts transactions.
type ChainSubmitter struct {
	chains map[uint32]*chainClient
	signer clients.TransactionSigner
	log    *logrus.Entry
}

// NewChainSubmitter dials every configured chain. A chain that fails to dial
// is skipped with a warning so one bad RPC endpoint does not take down the
// whole service; submissions to it fail with ErrChainNotConfigured.
func NewChainSubmitter(cfgs []config.ChainConfig, signer clients.TransactionSigner, log *logrus.Logger) (*ChainSubmitter, error) {
	s := &ChainSubmitter{
		chains: make(map[uint32]*chainClient, len(cfgs)),
		signer: signer,
		log:    log.WithField("component", "submitter"),
	}
	for _, cfg := range cfgs {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			s.log.WithError(err).WithField("chain_id", cfg.ChainID).Warn("dial chain rpc")
			continue
		}
		s.chains[cfg.ChainID] = &chainClient{cfg: cfg, client: client}
		s.log.WithFields(logrus.Fields{
			"chain_id": cfg.ChainID,
			"name":     cfg.Name,
		}).Info("chain client ready")
	}
	return s, nil
}

// Close releases all RPC connections.
func (s *ChainSubmitter) Close() {
	for _, ch := range s.chains {
		ch.client.Close()
	}
}

func (s *ChainSubmitter) chain(chainID uint32) (*chainClient, error) {
	ch, ok := s.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChainNotConfigured, chainID)
	}
	return ch, nil
}

// SubmitWithdraw broadcasts the executeWithdraw transaction carrying the
// proof and its public values, and returns the transaction hash.
func (s *ChainSubmitter) SubmitWithdraw(ctx context.Context, chainID uint32, proofHex, publicValuesHex string) (string, error) {
	proof, err := hex.DecodeString(strings.TrimPrefix(proofHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode proof hex: %w", err)
	}
	publicValues, err := hex.DecodeString(strings.TrimPrefix(publicValuesHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("decode public values hex: %w", err)
	}

	callData, err := settlementABI.Pack("executeWithdraw", proof, publicValues)
	if err != nil {
		return "", fmt.Errorf("pack executeWithdraw: %w", err)
	}

	ch, err := s.chain(chainID)
	if err != nil {
		return "", err
	}
	return s.broadcast(ctx, ch, common.HexToAddress(ch.cfg.ContractAddress), callData)
}

// SubmitPayout broadcasts prebuilt payout calldata to the treasury contract.
func (s *ChainSubmitter) SubmitPayout(ctx context.Context, chainID uint32, callData []byte) (string, error) {
	ch, err := s.chain(chainID)
	if err != nil {
		return "", err
	}
	return s.broadcast(ctx, ch, common.HexToAddress(ch.cfg.TreasuryAddress), callData)
}

func (s *ChainSubmitter) broadcast(ctx context.Context, ch *chainClient, to common.Address, callData []byte) (string, error) {
	from, err := s.signer.Address(ctx, ch.cfg.EVMChainID)
	if err != nil {
		return "", fmt.Errorf("signer address: %w", err)
	}

	nonce, err := ch.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := ch.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	gas, err := ch.client.EstimateGas(ctx, buildCallMsg(from, to, callData))
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * (100 + gasBufferPercent) / 100

	tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, callData)
	evmChainID := big.NewInt(ch.cfg.EVMChainID)
	txSigner := ethtypes.LatestSignerForChainID(evmChainID)

	sig, err := s.signer.SignHash(ctx, ch.cfg.EVMChainID, txSigner.Hash(tx).Bytes())
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	signedTx, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return "", fmt.Errorf("apply signature: %w", err)
	}

	if err := ch.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}

	txHash := signedTx.Hash().Hex()
	s.log.WithFields(logrus.Fields{
		"chain_id": ch.cfg.ChainID,
		"tx_hash":  txHash,
		"nonce":    nonce,
		"gas":      gas,
	}).Info("transaction broadcast")
	return txHash, nil
}

// WaitConfirmed polls for the receipt until the configured confirmation
// depth is reached or the context expires. A mined-but-reverted transaction
// returns ErrTransactionReverted.
func (s *ChainSubmitter) WaitConfirmed(ctx context.Context, chainID uint32, txHash string) (*Receipt, error) {
	ch, err := s.chain(chainID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := ch.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				metrics.ChainSubmissions.WithLabelValues(fmt.Sprint(chainID), "reverted").Inc()
				return nil, fmt.Errorf("%w: %s", ErrTransactionReverted, txHash)
			}
			head, err := ch.client.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+ch.cfg.Confirmations {
				metrics.ChainSubmissions.WithLabelValues(fmt.Sprint(chainID), "confirmed").Inc()
				metrics.ConfirmationDuration.WithLabelValues(fmt.Sprint(chainID)).
					Observe(time.Since(started).Seconds())
				return &Receipt{TxHash: txHash, BlockNumber: receipt.BlockNumber.Uint64()}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirmation wait for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func buildCallMsg(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

// EncodePayoutCallData builds the direct-transfer payout calldata.
func EncodePayoutCallData(token, to common.Address, amount *big.Int) ([]byte, error) {
	return settlementABI.Pack("payout", token, to, amount)
}

// EncodeHookPayoutCallData builds the adapter ("hook") payout calldata used
// for asset-token settlement.
func EncodeHookPayoutCallData(token, to common.Address, amount *big.Int, adapterID uint32, tokenKey string, minOutput [32]byte) ([]byte, error) {
	return settlementABI.Pack("payoutWithHook", token, to, amount, adapterID, tokenKey, minOutput)
}
