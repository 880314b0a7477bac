package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jpillora/backoff"

	"omen-backend/internal/apperr"
	"omen-backend/internal/config"
)

// Contract surfaces the adapter speaks to. The factory mints RWA tokens,
// the settlement contract records matched trades, the bridge executes
// cross-chain swaps.
const (
	factoryABI = `[{"name":"createToken","type":"function","inputs":[
		{"name":"symbol","type":"string"},{"name":"name","type":"string"},
		{"name":"supply","type":"uint256"},{"name":"decimals","type":"uint8"}],"outputs":[]}]`
	settlementABI = `[{"name":"settleTrade","type":"function","inputs":[
		{"name":"tradeId","type":"string"},{"name":"pairId","type":"string"}],"outputs":[]}]`
	bridgeABI = `[{"name":"swap","type":"function","inputs":[
		{"name":"swapId","type":"string"},{"name":"sourceToken","type":"string"},
		{"name":"targetToken","type":"string"},{"name":"targetChain","type":"string"},
		{"name":"amount","type":"uint256"},{"name":"destination","type":"address"}],"outputs":[]}]`
	erc20ABI = `[{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],
		"outputs":[{"type":"uint256"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[
		{"name":"holder","type":"address"}],"outputs":[{"type":"uint256"}]}]`
)

const (
	rpcAttempts    = 5
	rpcBackoffBase = 500 * time.Millisecond
	receiptTimeout = 2 * time.Minute
)

// Sapphire is the production Client over the confidential EVM RPC.
type Sapphire struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	factory    common.Address
	settlement common.Address
	bridge     common.Address
	feeCeiling *big.Int

	factoryAPI    abi.ABI
	settlementAPI abi.ABI
	bridgeAPI     abi.ABI
	erc20API      abi.ABI

	limiter *TokenBucket
	logger  *slog.Logger

	nonceMu sync.Mutex
}

// NewSapphire dials the RPC endpoint and prepares the signer.
func NewSapphire(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (*Sapphire, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial sapphire rpc: %w", err)
	}
	key, err := signingKey(cfg)
	if err != nil {
		return nil, err
	}

	s := &Sapphire{
		eth:        eth,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		factory:    common.HexToAddress(cfg.TokenFactory),
		settlement: common.HexToAddress(cfg.SettlementContract),
		bridge:     common.HexToAddress(cfg.BridgeContract),
		feeCeiling: big.NewInt(cfg.MaxFeeCeiling),
		limiter:    NewTokenBucket(cfg.RateLimitPerMinute),
		logger:     logger.With("component", "sapphire"),
	}
	for _, p := range []struct {
		raw string
		dst *abi.ABI
	}{
		{factoryABI, &s.factoryAPI},
		{settlementABI, &s.settlementAPI},
		{bridgeABI, &s.bridgeAPI},
		{erc20ABI, &s.erc20API},
	} {
		parsed, err := abi.JSON(strings.NewReader(p.raw))
		if err != nil {
			return nil, fmt.Errorf("parse abi: %w", err)
		}
		*p.dst = parsed
	}
	return s, nil
}

var _ Client = (*Sapphire)(nil)

// signingKey loads the confidential signer. A raw private key wins; the
// mnemonic path derives a deterministic key until the managed wallet
// service takes over key custody.
func signingKey(cfg config.ChainConfig) (*ecdsa.PrivateKey, error) {
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		return key, nil
	}
	if cfg.Mnemonic != "" {
		seed := crypto.Keccak256([]byte(cfg.Mnemonic))
		key, err := crypto.ToECDSA(seed)
		if err != nil {
			return nil, fmt.Errorf("derive signer from mnemonic: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("no signer configured")
}

// DeployToken implements Client.
func (s *Sapphire) DeployToken(ctx context.Context, symbol, name string, supply *big.Int, decimals int) (*DeployResult, error) {
	data, err := s.factoryAPI.Pack("createToken", symbol, name, supply, uint8(decimals))
	if err != nil {
		return nil, fmt.Errorf("pack createToken: %w", err)
	}
	receipt, txHash, err := s.submit(ctx, s.factory, data)
	if err != nil {
		return nil, err
	}
	addr := ""
	if len(receipt.Logs) > 0 {
		addr = receipt.Logs[0].Address.Hex()
	}
	if addr == "" {
		return nil, apperr.Newf(apperr.CodeChainUnavailable,
			"deploy %s mined without a token address", symbol)
	}
	return &DeployResult{ContractAddress: addr, TxHash: txHash}, nil
}

// SettleTrade implements Client.
func (s *Sapphire) SettleTrade(ctx context.Context, tradeID, pairID string) (string, error) {
	data, err := s.settlementAPI.Pack("settleTrade", tradeID, pairID)
	if err != nil {
		return "", fmt.Errorf("pack settleTrade: %w", err)
	}
	_, txHash, err := s.submit(ctx, s.settlement, data)
	return txHash, err
}

// Swap implements Client.
func (s *Sapphire) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	data, err := s.bridgeAPI.Pack("swap", req.SwapID, req.SourceToken, req.TargetToken,
		req.TargetChain, req.Amount, common.HexToAddress(req.Destination))
	if err != nil {
		return nil, fmt.Errorf("pack swap: %w", err)
	}
	_, txHash, err := s.submit(ctx, s.bridge, data)
	if err != nil {
		return nil, err
	}
	return &SwapResult{BridgeSwapID: req.SwapID, TxHash: txHash}, nil
}

// TotalSupply implements Client.
func (s *Sapphire) TotalSupply(ctx context.Context, contract string) (*big.Int, error) {
	out, err := s.view(ctx, contract, "totalSupply")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BalanceOf implements Client.
func (s *Sapphire) BalanceOf(ctx context.Context, contract, holder string) (*big.Int, error) {
	out, err := s.view(ctx, contract, "balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmTransaction implements Client.
func (s *Sapphire) ConfirmTransaction(ctx context.Context, txHash string) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	receipt, err := s.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, nil
	}
	return receipt.Status == ethtypes.ReceiptStatusSuccessful, nil
}

// view runs a read-only ERC-20 call with retry.
func (s *Sapphire) view(ctx context.Context, contract, method string, args ...any) (*big.Int, error) {
	data, err := s.erc20API.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := common.HexToAddress(contract)

	var raw []byte
	err = s.withRetry(ctx, method, func() error {
		var callErr error
		raw, callErr = s.eth.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	values, err := s.erc20API.Unpack(method, raw)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want uint256", method, values[0])
	}
	return v, nil
}

// submit signs, sends and waits for one state-changing transaction.
func (s *Sapphire) submit(ctx context.Context, to common.Address, data []byte) (*ethtypes.Receipt, string, error) {
	var signed *ethtypes.Transaction
	err := s.withRetry(ctx, "submit", func() error {
		s.nonceMu.Lock()
		defer s.nonceMu.Unlock()

		nonce, err := s.eth.PendingNonceAt(ctx, s.from)
		if err != nil {
			return err
		}
		gasPrice, err := s.eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		if s.feeCeiling.Sign() > 0 && gasPrice.Cmp(s.feeCeiling) > 0 {
			gasPrice = new(big.Int).Set(s.feeCeiling)
		}
		tx := ethtypes.NewTransaction(nonce, to, new(big.Int), 500000, gasPrice, data)
		signed, err = ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(s.chainID), s.key)
		if err != nil {
			return err
		}
		return s.eth.SendTransaction(ctx, signed)
	})
	if err != nil {
		return nil, "", err
	}

	txHash := signed.Hash()
	receipt, err := s.waitMined(ctx, txHash)
	if err != nil {
		return nil, txHash.Hex(), err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, txHash.Hex(), apperr.Newf(apperr.CodeChainUnavailable,
			"transaction %s reverted", txHash.Hex())
	}
	return receipt, txHash.Hex(), nil
}

func (s *Sapphire) waitMined(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	deadline := time.Now().Add(receiptTimeout)
	for {
		receipt, err := s.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, apperr.Newf(apperr.CodeChainUnavailable,
				"transaction %s not mined within %s", txHash.Hex(), receiptTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// withRetry runs fn under the rate limiter with exponential backoff.
func (s *Sapphire) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{Min: rpcBackoffBase, Max: 30 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= rpcAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		s.logger.Warn("rpc call failed", "op", op, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return apperr.Wrap(apperr.CodeChainUnavailable,
		fmt.Sprintf("%s failed after %d attempts", op, rpcAttempts), lastErr)
}
