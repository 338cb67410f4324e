package rpcfetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Default pool values.
const (
	// DefaultLagThreshold is how many blocks an endpoint may trail the best
	// endpoint before it is marked unhealthy.
	DefaultLagThreshold = uint64(64)

	// maxFailures is the number of consecutive failures that marks an
	// endpoint unhealthy.
	maxFailures = 3
)

// Client is the subset of the Ethereum JSON-RPC API the fetcher uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockReceipts(ctx context.Context, blockNrOrHash rpc.BlockNumberOrHash) ([]*types.Receipt, error)
	Close()
}

var _ Client = (*ethclient.Client)(nil)

// Endpoint is a pool member.
type Endpoint struct {
	URL    string
	Client Client

	healthy  atomic.Bool
	failures atomic.Int32
	number   atomic.Uint64
	latency  atomic.Int64
}

// Healthy reports whether the endpoint is used for requests.
func (e *Endpoint) Healthy() bool { return e.healthy.Load() }

// EndpointInfo is a snapshot of an endpoint's state.
type EndpointInfo struct {
	URL     string
	Healthy bool
	Number  uint64
	Latency time.Duration
}

// Pool holds the endpoints blocks are fetched from.
//
// Endpoints are picked round-robin among the healthy ones. An endpoint is
// marked unhealthy after maxFailures consecutive failed requests, or by
// Check when it trails the best endpoint by more than the lag threshold.
type Pool struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	next      atomic.Uint64
	threshold uint64
	closed    atomic.Bool

	onHealthChange func(url string, healthy bool)
}

// NewPool creates an empty pool. A zero threshold uses DefaultLagThreshold.
func NewPool(threshold uint64) *Pool {
	if threshold == 0 {
		threshold = DefaultLagThreshold
	}
	return &Pool{threshold: threshold}
}

// Dial connects to every URL and returns them as a pool. Clients already
// opened are closed when a later one fails.
func Dial(ctx context.Context, urls []string, threshold uint64) (*Pool, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	p := NewPool(threshold)
	for _, url := range urls {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		p.Add(url, c)
	}
	return p, nil
}

// SetOnHealthChange sets a callback invoked when an endpoint's health
// changes.
func (p *Pool) SetOnHealthChange(callback func(url string, healthy bool)) {
	p.onHealthChange = callback
}

// Add adds an endpoint. It starts out healthy.
func (p *Pool) Add(url string, c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.URL == url {
			return
		}
	}
	ep := &Endpoint{URL: url, Client: c}
	ep.healthy.Store(true)
	p.endpoints = append(p.endpoints, ep)
}

// Get returns the next healthy endpoint. When none is healthy the next
// endpoint is returned anyway, since it may have recovered.
func (p *Pool) Get() (*Endpoint, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := uint64(len(p.endpoints))
	if n == 0 {
		return nil, ErrNoEndpoints
	}
	start := p.next.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		if ep.Healthy() {
			return ep, nil
		}
	}
	return p.endpoints[start%n], nil
}

func (p *Pool) setHealthy(ep *Endpoint, healthy bool) {
	if ep.healthy.Swap(healthy) != healthy && p.onHealthChange != nil {
		p.onHealthChange(ep.URL, healthy)
	}
}

// MarkFailed records a failed request.
func (p *Pool) MarkFailed(ep *Endpoint) {
	if ep.failures.Add(1) >= maxFailures {
		p.setHealthy(ep, false)
	}
}

// MarkHealthy records a successful request.
func (p *Pool) MarkHealthy(ep *Endpoint, latency time.Duration) {
	ep.failures.Store(0)
	ep.latency.Store(int64(latency))
	p.setHealthy(ep, true)
}

func (p *Pool) snapshot() []*Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	eps := make([]*Endpoint, len(p.endpoints))
	copy(eps, p.endpoints)
	return eps
}

// Check queries every endpoint's head concurrently and marks endpoints
// trailing the best head by more than the threshold unhealthy. It returns
// the best head.
func (p *Pool) Check(ctx context.Context) (uint64, error) {
	eps := p.snapshot()
	if len(eps) == 0 {
		return 0, ErrNoEndpoints
	}

	errs := make([]error, len(eps))
	var wg sync.WaitGroup
	for i, ep := range eps {
		wg.Add(1)
		go func(i int, ep *Endpoint) {
			defer wg.Done()
			start := time.Now()
			number, err := ep.Client.BlockNumber(ctx)
			if err != nil {
				p.MarkFailed(ep)
				errs[i] = fmt.Errorf("%s: %w", ep.URL, err)
				return
			}
			ep.number.Store(number)
			ep.failures.Store(0)
			ep.latency.Store(int64(time.Since(start)))
		}(i, ep)
	}
	wg.Wait()

	var best uint64
	var answered int
	for i, ep := range eps {
		if errs[i] != nil {
			continue
		}
		answered++
		best = max(best, ep.number.Load())
	}
	if answered == 0 {
		return 0, errors.Join(errs...)
	}
	for i, ep := range eps {
		if errs[i] != nil {
			continue
		}
		p.setHealthy(ep, best-ep.number.Load() <= p.threshold)
	}
	return best, nil
}

// HealthyCount returns the number of healthy endpoints.
func (p *Pool) HealthyCount() int {
	var n int
	for _, ep := range p.snapshot() {
		if ep.Healthy() {
			n++
		}
	}
	return n
}

// Status returns a snapshot of every endpoint.
func (p *Pool) Status() []EndpointInfo {
	eps := p.snapshot()
	infos := make([]EndpointInfo, len(eps))
	for i, ep := range eps {
		infos[i] = EndpointInfo{
			URL:     ep.URL,
			Healthy: ep.Healthy(),
			Number:  ep.number.Load(),
			Latency: time.Duration(ep.latency.Load()),
		}
	}
	return infos
}

// Close closes every client.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	for _, ep := range p.snapshot() {
		ep.Client.Close()
	}
}
