package proxypool

import (
	"errors"
	"fmt"

	"github.com/faucet-claimer/internal/types"
)

// ErrEmptyPool is returned when a pool holds no proxies.
var ErrEmptyPool = errors.New("proxy pool is empty")

// Pool holds an ordered, immutable list of proxies. Assignment is a pure
// function of the address index, so re-runs pick the same proxy per address
// regardless of completion order.
type Pool struct {
	proxies []types.ProxyConfig
}

func New(proxies []types.ProxyConfig) (*Pool, error) {
	if len(proxies) == 0 {
		return nil, ErrEmptyPool
	}

	owned := make([]types.ProxyConfig, len(proxies))
	copy(owned, proxies)
	return &Pool{proxies: owned}, nil
}

// Assign returns proxies[index mod len(proxies)].
func (p *Pool) Assign(index int) (types.ProxyConfig, error) {
	if p == nil || len(p.proxies) == 0 {
		return types.ProxyConfig{}, ErrEmptyPool
	}
	if index < 0 {
		return types.ProxyConfig{}, fmt.Errorf("negative proxy index %d", index)
	}
	return p.proxies[index%len(p.proxies)], nil
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.proxies)
}

// All returns a copy of the proxies in pool order.
func (p *Pool) All() []types.ProxyConfig {
	if p == nil {
		return nil
	}
	out := make([]types.ProxyConfig, len(p.proxies))
	copy(out, p.proxies)
	return out
}
