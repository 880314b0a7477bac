// Package chain is the confidential EVM ("Sapphire") adapter: token
// deployment, trade settlement, bridge swaps and read-back of supplies and
// balances. Consumers depend on the Client interface; the production
// implementation signs transactions against the configured contracts, tests
// use the in-memory Fake.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// DeployResult is the outcome of a token deployment.
type DeployResult struct {
	ContractAddress string
	TxHash          string
}

// SwapRequest describes one bridge swap submission.
type SwapRequest struct {
	SwapID        string
	SourceToken   string
	TargetToken   string
	SourceChain   string
	TargetChain   string
	Amount        *big.Int
	Destination   string
}

// SwapResult is the bridge's acknowledgment.
type SwapResult struct {
	BridgeSwapID string
	TxHash       string
}

// Client is the on-chain surface the backend consumes.
type Client interface {
	// DeployToken creates the RWA token contract.
	DeployToken(ctx context.Context, symbol, name string, supply *big.Int, decimals int) (*DeployResult, error)
	// SettleTrade records a matched trade on the settlement contract.
	SettleTrade(ctx context.Context, tradeID, pairID string) (string, error)
	// Swap submits a cross-chain swap to the bridge contract.
	Swap(ctx context.Context, req SwapRequest) (*SwapResult, error)
	// TotalSupply reads an ERC-20 total supply.
	TotalSupply(ctx context.Context, contract string) (*big.Int, error)
	// BalanceOf reads an ERC-20 holder balance.
	BalanceOf(ctx context.Context, contract, holder string) (*big.Int, error)
	// ConfirmTransaction reports whether the transaction is mined and
	// succeeded.
	ConfirmTransaction(ctx context.Context, txHash string) (bool, error)
}

// Fake is the in-memory Client used by tests and local development. Failure
// injection is per-method via the Fail* counters: each decrements once per
// call while positive.
type Fake struct {
	mu sync.Mutex

	FailDeploys int
	FailSettles int
	FailSwaps   int

	supplies  map[string]*big.Int
	balances  map[string]*big.Int
	confirmed map[string]bool
	deploys   int
	settles   int
	swaps     int
}

// NewFake creates an empty fake chain.
func NewFake() *Fake {
	return &Fake{
		supplies:  map[string]*big.Int{},
		balances:  map[string]*big.Int{},
		confirmed: map[string]bool{},
	}
}

var _ Client = (*Fake)(nil)

// SetSupply seeds an on-chain total supply.
func (f *Fake) SetSupply(contract string, supply *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supplies[contract] = new(big.Int).Set(supply)
}

// SetBalance seeds an on-chain holder balance.
func (f *Fake) SetBalance(contract, holder string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[contract+"/"+holder] = new(big.Int).Set(amount)
}

// SetConfirmed marks a tx hash as mined.
func (f *Fake) SetConfirmed(txHash string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed[txHash] = ok
}

// Deploys returns how many deployments succeeded.
func (f *Fake) Deploys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deploys
}

func (f *Fake) DeployToken(_ context.Context, symbol, _ string, supply *big.Int, _ int) (*DeployResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDeploys > 0 {
		f.FailDeploys--
		return nil, fmt.Errorf("deploy %s: rpc unavailable", symbol)
	}
	f.deploys++
	addr := fmt.Sprintf("0xdeployed-%s-%d", symbol, f.deploys)
	f.supplies[addr] = new(big.Int).Set(supply)
	tx := fmt.Sprintf("0xtx-deploy-%d", f.deploys)
	f.confirmed[tx] = true
	return &DeployResult{ContractAddress: addr, TxHash: tx}, nil
}

func (f *Fake) SettleTrade(_ context.Context, tradeID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSettles > 0 {
		f.FailSettles--
		return "", fmt.Errorf("settle %s: rpc unavailable", tradeID)
	}
	f.settles++
	tx := fmt.Sprintf("0xtx-settle-%s", tradeID)
	f.confirmed[tx] = true
	return tx, nil
}

func (f *Fake) Swap(_ context.Context, req SwapRequest) (*SwapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSwaps > 0 {
		f.FailSwaps--
		return nil, fmt.Errorf("swap %s: bridge unavailable", req.SwapID)
	}
	f.swaps++
	tx := fmt.Sprintf("0xtx-swap-%s", req.SwapID)
	f.confirmed[tx] = true
	return &SwapResult{BridgeSwapID: fmt.Sprintf("bridge-%d", f.swaps), TxHash: tx}, nil
}

func (f *Fake) TotalSupply(_ context.Context, contract string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.supplies[contract]
	if !ok {
		return nil, fmt.Errorf("contract %s unknown", contract)
	}
	return new(big.Int).Set(s), nil
}

func (f *Fake) BalanceOf(_ context.Context, contract, holder string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[contract+"/"+holder]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(b), nil
}

func (f *Fake) ConfirmTransaction(_ context.Context, txHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed[txHash], nil
}
