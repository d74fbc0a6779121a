// Package chain is the contract gateway. It owns the RPC connections, the
// bound contract, and the translation between ABI-level data and the domain
// types the rest of the daemon consumes.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/chat"
	"github.com/amigochat/amigo/internal/config"
	"github.com/amigochat/amigo/internal/profile"
)

// Client talks to the chat contract over one HTTP connection for calls and
// transactions and, when configured, one websocket connection for event
// subscriptions.
type Client struct {
	http     *ethclient.Client
	ws       *ethclient.Client
	contract *bind.BoundContract
	addr     common.Address
	self     common.Address
	signer   *bind.TransactOpts
	logger   *zap.Logger
}

// Dial connects to the configured endpoints and loads the signing key.
func Dial(ctx context.Context, cfg config.Chain, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HTTPURL == "" {
		return nil, errors.New("chain: no http rpc url configured")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.Contract)
	}

	key, err := loadKey(cfg)
	if err != nil {
		return nil, err
	}

	httpClient, err := ethclient.DialContext(ctx, cfg.HTTPURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.HTTPURL, err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = httpClient.ChainID(ctx)
		if err != nil {
			httpClient.Close()
			return nil, fmt.Errorf("chain: resolve chain id: %w", err)
		}
	}

	signer, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		httpClient.Close()
		return nil, fmt.Errorf("chain: build transactor: %w", err)
	}

	var wsClient *ethclient.Client
	if cfg.WSURL != "" {
		wsClient, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			httpClient.Close()
			return nil, fmt.Errorf("chain: dial %s: %w", cfg.WSURL, err)
		}
	}

	addr := common.HexToAddress(cfg.Contract)
	c := &Client{
		http:     httpClient,
		ws:       wsClient,
		contract: bind.NewBoundContract(addr, contractABI, httpClient, httpClient, httpClient),
		addr:     addr,
		self:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   signer,
		logger:   logger,
	}

	logger.Info("chain gateway connected",
		zap.String("contract", addr.Hex()),
		zap.String("account", c.self.Hex()),
		zap.String("chain_id", chainID.String()),
		zap.Bool("websocket", wsClient != nil))
	return c, nil
}

// loadKey resolves the signing key: the environment-supplied hex key wins,
// otherwise the key file. A 0x prefix and surrounding whitespace are
// tolerated in both.
func loadKey(cfg config.Chain) (*ecdsa.PrivateKey, error) {
	raw := cfg.PrivateKey
	if raw == "" {
		if cfg.KeyFile == "" {
			return nil, errors.New("chain: no signing key configured")
		}
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("chain: read key file: %w", err)
		}
		raw = string(data)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse signing key: %w", err)
	}
	return key, nil
}

// Close tears down the RPC connections.
func (c *Client) Close() {
	c.http.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

// Self returns the local account address.
func (c *Client) Self() string {
	return c.self.Hex()
}

// CanWatch reports whether a websocket endpoint is available for event
// subscriptions.
func (c *Client) CanWatch() bool {
	return c.ws != nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, &ReadError{Op: method, Err: err}
	}
	return out, nil
}

func (c *Client) transact(ctx context.Context, value *big.Int, method string, args ...any) error {
	opts := *c.signer
	opts.Context = ctx
	opts.Value = value

	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return &TransactionError{Op: method, Err: err}
	}

	c.logger.Debug("transaction submitted",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, c.http, tx)
	if err != nil {
		return &TransactionError{Op: method, TxHash: tx.Hash().Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &TransactionError{Op: method, TxHash: tx.Hash().Hex()}
	}
	return nil
}

// IsRegistered reports whether address has a profile on the contract.
func (c *Client) IsRegistered(ctx context.Context, address string) (bool, error) {
	out, err := c.call(ctx, "isRegisteredBoomerUser", common.HexToAddress(address))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// GetProfile reads the full profile of address.
func (c *Client) GetProfile(ctx context.Context, address string) (profile.Profile, error) {
	out, err := c.call(ctx, "getBoomerProfile", common.HexToAddress(address))
	if err != nil {
		return profile.Profile{}, err
	}
	return profile.Profile{
		Address:      common.HexToAddress(address).Hex(),
		Handle:       *abi.ConvertType(out[0], new(string)).(*string),
		ImageRef:     *abi.ConvertType(out[1], new(string)).(*string),
		RegisteredAt: (*abi.ConvertType(out[2], new(*big.Int)).(**big.Int)).Int64(),
		IsOnline:     *abi.ConvertType(out[3], new(bool)).(*bool),
	}, nil
}

// GetAllUsers reads the full registered-user directory.
func (c *Client) GetAllUsers(ctx context.Context) ([]chat.User, error) {
	out, err := c.call(ctx, "getAllRegisteredUsers")
	if err != nil {
		return nil, err
	}
	addrs := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	names := *abi.ConvertType(out[1], new([]string)).(*[]string)
	images := *abi.ConvertType(out[2], new([]string)).(*[]string)
	online := *abi.ConvertType(out[3], new([]bool)).(*[]bool)
	if len(names) != len(addrs) || len(images) != len(addrs) || len(online) != len(addrs) {
		return nil, &ReadError{Op: "getAllRegisteredUsers", Err: errors.New("mismatched result arrays")}
	}

	users := make([]chat.User, len(addrs))
	for i := range addrs {
		users[i] = chat.User{
			Address:  addrs[i].Hex(),
			Handle:   names[i],
			ImageRef: images[i],
			IsOnline: online[i],
		}
	}
	return users, nil
}

// GetGroupMessages reads one page of the broadcast channel.
func (c *Client) GetGroupMessages(ctx context.Context, offset, limit uint64) ([]chat.Message, error) {
	out, err := c.call(ctx, "getGroupMessages", new(big.Int).SetUint64(offset), new(big.Int).SetUint64(limit))
	if err != nil {
		return nil, err
	}
	return c.messagesFromArrays("getGroupMessages", out, common.Address{}, true)
}

// GetDirectMessages reads one page of the direct history with other. The
// contract returns both directions of the pair; the recipient is whichever
// side of the pair did not send.
func (c *Client) GetDirectMessages(ctx context.Context, other string, offset, limit uint64) ([]chat.Message, error) {
	otherAddr := common.HexToAddress(other)
	out, err := c.call(ctx, "getDirectMessages", otherAddr, new(big.Int).SetUint64(offset), new(big.Int).SetUint64(limit))
	if err != nil {
		return nil, err
	}
	return c.messagesFromArrays("getDirectMessages", out, otherAddr, false)
}

// messagesFromArrays converts the contract's parallel result arrays into
// canonical messages.
func (c *Client) messagesFromArrays(op string, out []any, other common.Address, broadcast bool) ([]chat.Message, error) {
	senders := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	contents := *abi.ConvertType(out[1], new([]string)).(*[]string)
	timestamps := *abi.ConvertType(out[2], new([]*big.Int)).(*[]*big.Int)
	seqs := *abi.ConvertType(out[3], new([]*big.Int)).(*[]*big.Int)
	if len(contents) != len(senders) || len(timestamps) != len(senders) || len(seqs) != len(senders) {
		return nil, &ReadError{Op: op, Err: errors.New("mismatched result arrays")}
	}

	msgs := make([]chat.Message, len(senders))
	for i := range senders {
		evt := chat.Event{
			Broadcast: broadcast,
			Sender:    senders[i].Hex(),
			Content:   contents[i],
			Timestamp: timestamps[i].Int64(),
			Seq:       seqs[i].Uint64(),
		}
		if !broadcast {
			if senders[i] == c.self {
				evt.Recipient = other.Hex()
			} else {
				evt.Recipient = c.self.Hex()
			}
		}
		msgs[i] = evt.Message()
	}
	return msgs, nil
}

func (c *Client) callCount(ctx context.Context, method string) (uint64, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return 0, err
	}
	return (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64(), nil
}

// GroupMessageCount returns the total number of broadcast messages.
func (c *Client) GroupMessageCount(ctx context.Context) (uint64, error) {
	return c.callCount(ctx, "getGroupMessageCount")
}

// DirectMessageCount returns the total number of direct messages across all
// pairs.
func (c *Client) DirectMessageCount(ctx context.Context) (uint64, error) {
	return c.callCount(ctx, "getDirectMessageCount")
}

// UserCount returns the number of registered users.
func (c *Client) UserCount(ctx context.Context) (uint64, error) {
	return c.callCount(ctx, "getUserCount")
}

// IsHandleAvailable reports whether name is unclaimed.
func (c *Client) IsHandleAvailable(ctx context.Context, name string) (bool, error) {
	out, err := c.call(ctx, "isBoomerNameAvailable", name)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// LookupHandle resolves a handle to its owner address. Returns empty for an
// unclaimed handle.
func (c *Client) LookupHandle(ctx context.Context, name string) (string, error) {
	out, err := c.call(ctx, "getBoomerUserByName", name)
	if err != nil {
		return "", err
	}
	addr := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if addr == (common.Address{}) {
		return "", nil
	}
	return addr.Hex(), nil
}

// RegistrationFee returns the fee in wei required by Register.
func (c *Client) RegistrationFee(ctx context.Context) (*big.Int, error) {
	out, err := c.call(ctx, "registrationFee")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Register claims a handle for the local account, paying the current
// registration fee.
func (c *Client) Register(ctx context.Context, name, imageRef string) error {
	fee, err := c.RegistrationFee(ctx)
	if err != nil {
		return err
	}
	return c.transact(ctx, fee, "registerBoomerUser", name, imageRef)
}

// SendBroadcast posts content to the broadcast channel.
func (c *Client) SendBroadcast(ctx context.Context, content string) error {
	return c.transact(ctx, nil, "sendGroupMessage", content)
}

// SendDirect posts content to recipient.
func (c *Client) SendDirect(ctx context.Context, recipient, content string) error {
	return c.transact(ctx, nil, "sendDirectMessage", common.HexToAddress(recipient), content)
}

// UpdateOnlineStatus publishes the local account's presence.
func (c *Client) UpdateOnlineStatus(ctx context.Context, online bool) error {
	return c.transact(ctx, nil, "updateOnlineStatus", online)
}

// UpdateProfileImage replaces the local account's profile image reference.
func (c *Client) UpdateProfileImage(ctx context.Context, imageRef string) error {
	return c.transact(ctx, nil, "updateProfileImage", imageRef)
}
