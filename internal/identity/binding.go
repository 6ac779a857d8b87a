package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// BindingReader reads the on-chain reward -> identity mapping. The zero
// address means unbound.
type BindingReader interface {
	IdentityAddress(ctx context.Context, reward common.Address) (common.Address, error)
}

const bindingABI = `[{"inputs":[{"internalType":"address","name":"","type":"address"}],"name":"identityAddress","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

// ContractBinding calls identityAddress(address) on the binding contract.
type ContractBinding struct {
	contract *bind.BoundContract
	client   *ethclient.Client
}

// DialBinding connects to rpcURL and binds the contract at address.
func DialBinding(ctx context.Context, rpcURL, address string) (*ContractBinding, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("binding contract address %q is not a hex address", address)
	}
	parsed, err := abi.JSON(strings.NewReader(bindingABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse binding abi")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rpcURL)
	}
	c := bind.NewBoundContract(common.HexToAddress(address), parsed, client, nil, nil)
	return &ContractBinding{contract: c, client: client}, nil
}

func (b *ContractBinding) IdentityAddress(ctx context.Context, reward common.Address) (common.Address, error) {
	var out []interface{}
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "identityAddress", reward); err != nil {
		return common.Address{}, errors.Wrap(err, "call identityAddress")
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("identityAddress returned %d values", len(out))
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (b *ContractBinding) Close() { b.client.Close() }

// CachedBinding memoizes lookups for ttl.
type CachedBinding struct {
	next  BindingReader
	cache *cache.Cache
}

func NewCachedBinding(next BindingReader, ttl time.Duration) *CachedBinding {
	return &CachedBinding{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedBinding) IdentityAddress(ctx context.Context, reward common.Address) (common.Address, error) {
	key := strings.ToLower(reward.Hex())
	if v, ok := c.cache.Get(key); ok {
		return v.(common.Address), nil
	}
	addr, err := c.next.IdentityAddress(ctx, reward)
	if err != nil {
		return common.Address{}, err
	}
	c.cache.Set(key, addr, cache.DefaultExpiration)
	return addr, nil
}

// Forget drops a cached lookup, e.g. after an import.
func (c *CachedBinding) Forget(reward common.Address) {
	c.cache.Delete(strings.ToLower(reward.Hex()))
}

// Unbound is a BindingReader that reports every reward address as unbound.
// Used when no contract is configured.
type Unbound struct{}

func (Unbound) IdentityAddress(context.Context, common.Address) (common.Address, error) {
	return common.Address{}, nil
}
