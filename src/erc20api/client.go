// Package erc20api talks to the reward token contract over JSON-RPC: decimals, treasury balance,
// signed transfers and receipt lookups.
package erc20api

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/signer"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const erc20ABI = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ErrBroadcastUncertain means a signed transfer may or may not have reached the network. The
// returned hash must be recorded and resolved by receipt, never re-signed.
var ErrBroadcastUncertain = errors.New("transfer broadcast outcome unknown")

type Config struct {
	RPCURL            string        `yaml:"rpc_url"`
	ChainID           int64         `yaml:"chain_id"`
	TokenAddress      string        `yaml:"token_address"`
	GasLimit          uint64        `yaml:"gas_limit"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Confirmations     uint64        `yaml:"confirmations"`
	Retry             RetryConfig   `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		RPCURL:            "https://bsc-dataseed.binance.org/",
		ChainID:           56,
		GasLimit:          100000,
		CallTimeout:       15 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
		Confirmations:     1,
		Retry:             DefaultRetryConfig(),
	}
}

// Backend is the slice of ethclient.Client this package uses
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
	GasUsed     uint64
}

type Client struct {
	backend Backend
	cfg     Config
	token   common.Address
	chainID *big.Int
	signer  signer.Signer
	limiter *rate.Limiter
	logger  *zap.Logger

	sendMu   sync.Mutex // one nonce sequence per treasury
	decMu    sync.Mutex
	decimals *uint8
}

func Dial(ctx context.Context, cfg Config, s signer.Signer, logger *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to rpc %s", cfg.RPCURL)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, errors.Wrapf(err, "failed to query chain id from %s", cfg.RPCURL)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, errors.Errorf("rpc %s serves chain %s, expected %d", cfg.RPCURL, chainID, cfg.ChainID)
	}
	cfg.ChainID = chainID.Int64()
	return NewClient(eth, cfg, s, logger)
}

func NewClient(backend Backend, cfg Config, s signer.Signer, logger *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, errors.Errorf("invalid token contract address %q", cfg.TokenAddress)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultConfig().GasLimit
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		backend: backend,
		cfg:     cfg,
		token:   common.HexToAddress(cfg.TokenAddress),
		chainID: big.NewInt(cfg.ChainID),
		signer:  s,
		limiter: rate.NewLimiter(limit, burst),
		logger: logger.With(zap.String("component", "erc20_api"),
			zap.String("token", cfg.TokenAddress), zap.Int64("chain_id", cfg.ChainID)),
	}, nil
}

func (c *Client) TreasuryAddress() common.Address {
	return c.signer.Address()
}

// call runs one rate limited rpc with the per-call timeout, retrying transient failures
func (c *Client) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return withRetry(ctx, c.cfg.Retry, c.logger, name, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if c.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

func (c *Client) callContract(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pack %s", method)
	}
	var raw []byte
	err = c.call(ctx, method, func(ctx context.Context) error {
		var err error
		raw, err = c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s call failed", method)
	}
	out, err := parsedABI.Unpack(method, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpack %s result", method)
	}
	if len(out) != 1 {
		return nil, errors.Errorf("%s returned %d values", method, len(out))
	}
	return out, nil
}

// Decimals is fetched once and cached, the contract can't change it
func (c *Client) Decimals(ctx context.Context) (uint8, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	if c.decimals != nil {
		return *c.decimals, nil
	}
	out, err := c.callContract(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, errors.Errorf("unexpected decimals type %T", out[0])
	}
	c.decimals = &dec
	return dec, nil
}

func (c *Client) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.callContract(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("unexpected balanceOf type %T", out[0])
	}
	return bal, nil
}

func (c *Client) TreasuryBalance(ctx context.Context) (*big.Int, error) {
	return c.BalanceOf(ctx, c.signer.Address())
}

// Transfer signs and broadcasts transfer(to, amount) from the treasury. The signed tx is built
// once, transient send failures rebroadcast the identical bytes so a retry can never become a
// second transfer. A non-zero hash with ErrBroadcastUncertain must still be recorded.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, errors.New("transfer amount must be positive")
	}
	data, err := parsedABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to pack transfer")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.signer.Address()
	var nonce uint64
	if err := c.call(ctx, "pending_nonce", func(ctx context.Context) error {
		var err error
		nonce, err = c.backend.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to fetch treasury nonce")
	}
	var gasPrice *big.Int
	if err := c.call(ctx, "gas_price", func(ctx context.Context) error {
		var err error
		gasPrice, err = c.backend.SuggestGasPrice(ctx)
		return err
	}); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to fetch gas price")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      c.cfg.GasLimit,
		To:       &c.token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := c.signer.SignTx(ctx, tx, c.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	hash := signed.Hash()
	logger := c.logger.With(zap.String("tx_hash", hash.Hex()), zap.String("to", to.Hex()),
		zap.String("amount", amount.String()), zap.Uint64("nonce", nonce))

	// set once an attempt may have reached the node
	maybeSent := false
	err = c.call(ctx, "send_transaction", func(ctx context.Context) error {
		err := c.backend.SendTransaction(ctx, signed)
		if err == nil {
			return nil
		}
		if maybeSent && alreadyBroadcast(err) {
			return nil
		}
		if IsTransient(err) || ctx.Err() != nil {
			maybeSent = true
		}
		return err
	})
	switch {
	case err == nil:
		logger.Info("transfer broadcast")
		return hash, nil
	case maybeSent:
		logger.Warn("transfer broadcast outcome unknown", zap.Error(err))
		return hash, errors.Wrapf(ErrBroadcastUncertain, "%s", err)
	default:
		return common.Hash{}, errors.Wrapf(err, "node rejected transfer to %s", to.Hex())
	}
}

// a node answering these to a rebroadcast has already seen the first send
func alreadyBroadcast(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "nonce too low")
}

// Receipt returns model.ErrAwaitingConfirmation until the tx is mined with enough confirmations
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "receipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.backend.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, model.ErrAwaitingConfirmation
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch receipt for %s", hash.Hex())
	}

	if c.cfg.Confirmations > 1 {
		var head uint64
		if err := c.call(ctx, "block_number", func(ctx context.Context) error {
			var err error
			head, err = c.backend.BlockNumber(ctx)
			return err
		}); err != nil {
			return nil, errors.Wrap(err, "failed to fetch chain head")
		}
		if head+1 < receipt.BlockNumber.Uint64()+c.cfg.Confirmations {
			return nil, model.ErrAwaitingConfirmation
		}
	}
	return &Receipt{
		TxHash:      hash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:     receipt.GasUsed,
	}, nil
}
