package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	chainlinkProvider = "chainlink"

	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ChainlinkOptions parameterise the on-chain price feed adapter.
type ChainlinkOptions struct {
	RPCURL       string
	FallbackRPCs []string
	// Feeds maps asset ids to AggregatorV3 proxy addresses.
	Feeds        map[string]string
	Timeout      time.Duration
	MaxStaleness time.Duration
}

// Chainlink reads latestRoundData from aggregator proxies over JSON-RPC.
type Chainlink struct {
	Common
	opts   ChainlinkOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	clients   map[string]*ethclient.Client
	decimals  sync.Map // address -> int32
}

// NewChainlink builds a Chainlink adapter.
func NewChainlink(base Common, opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		Common:  base,
		opts:    opts,
		logger:  logger.With().Str("component", "oracle").Str("oracle_id", base.OracleID).Str("provider", chainlinkProvider).Logger(),
		clients: make(map[string]*ethclient.Client),
	}
}

// Provider names the upstream network.
func (c *Chainlink) Provider() string { return chainlinkProvider }

// FetchPrice reads the latest answer for the asset's aggregator.
func (c *Chainlink) FetchPrice(ctx context.Context, assetID string) Quote {
	started := time.Now()

	feed, ok := c.opts.Feeds[assetID]
	if !ok || !common.IsHexAddress(feed) {
		return c.finish(chainlinkProvider, assetID, "", decimal.Decimal{}, started, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID), c.logger)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	addr := common.HexToAddress(feed)
	price, endpoint, err := tryEndpoints(ctx, c.endpoints(), c.logger, func(ctx context.Context, rpcURL string) (decimal.Decimal, error) {
		return c.readFeed(ctx, rpcURL, addr)
	})
	return c.finish(chainlinkProvider, assetID, endpoint, price, started, err, c.logger)
}

func (c *Chainlink) readFeed(ctx context.Context, rpcURL string, addr common.Address) (decimal.Decimal, error) {
	client, err := c.getClient(ctx, rpcURL)
	if err != nil {
		return decimal.Decimal{}, err
	}

	scale, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := c.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData updatedAt")
	}

	if c.opts.MaxStaleness > 0 {
		age := time.Since(time.Unix(updatedAt.Int64(), 0))
		if age > c.opts.MaxStaleness {
			return decimal.Decimal{}, fmt.Errorf("stale answer: updated %s ago", age.Truncate(time.Second))
		}
	}

	return decimal.NewFromBigInt(answer, -scale), nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	if v, ok := c.decimals.Load(addr); ok {
		return v.(int32), nil
	}
	outputs, err := c.call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	scale := int32(d)
	c.decimals.Store(addr, scale)
	return scale, nil
}

func (c *Chainlink) call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorV3ABI.Unpack(method, res)
}

// HealthCheck asks any reachable RPC endpoint for the head block number.
func (c *Chainlink) HealthCheck(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, _, err := tryEndpoints(ctx, c.endpoints(), c.logger, func(ctx context.Context, rpcURL string) (uint64, error) {
		client, err := c.getClient(ctx, rpcURL)
		if err != nil {
			return 0, err
		}
		return client.BlockNumber(ctx)
	})
	return err
}

// Close releases cached RPC clients.
func (c *Chainlink) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	for url, client := range c.clients {
		client.Close()
		delete(c.clients, url)
	}
}

func (c *Chainlink) endpoints() []string {
	return endpointList(c.opts.RPCURL, c.opts.FallbackRPCs)
}

func (c *Chainlink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.Timeout)
}

func (c *Chainlink) getClient(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if client, ok := c.clients[rpcURL]; ok {
		return client, nil
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c.clients[rpcURL] = client
	return client, nil
}

var _ Adapter = (*Chainlink)(nil)
