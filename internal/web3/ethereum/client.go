package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	ExchangeRouter common.Address
	StakingRouter  common.Address
	Notes          string
	// Keys are hex encoded private keys preloaded at startup. Further
	// identities are minted through GenerateIdentity.
	Keys []string
}

// chainBackend mirrors the subset of ethclient methods the signer needs,
// so tests can substitute an in-memory implementation.
type chainBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Client implements the web3.Client interface for EVM compatible chains.
// It is the only component holding private keys; everything upstream sees
// capabilities, never key material.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	backend        chainBackend
	chainID        *big.Int
	exchangeRouter common.Address
	stakingRouter  common.Address

	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	client := &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		rpcClient:      rpcClient,
		eth:            eth,
		backend:        eth,
		chainID:        chainID,
		exchangeRouter: cfg.ExchangeRouter,
		stakingRouter:  cfg.StakingRouter,
		keys:           make(map[common.Address]*ecdsa.PrivateKey),
	}
	for _, raw := range cfg.Keys {
		if err := client.importKey(raw); err != nil {
			rpcClient.Close()
			return nil, err
		}
	}
	return client, nil
}

// NewBackendClient wraps an arbitrary backend for testing purposes.
func NewBackendClient(name string, chainID *big.Int, backend chainBackend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "in-memory backend",
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
	}
}

func (c *Client) importKey(raw string) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return fmt.Errorf("解析私钥失败: %w", err)
	}
	c.mu.Lock()
	c.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	c.mu.Unlock()
	return nil
}

// GenerateIdentity mints a fresh signing identity and retains its key.
// Principal registration routes through here so that one principal maps
// to exactly one signing identity.
func (c *Client) GenerateIdentity() (common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("生成签名身份失败: %w", err)
	}
	identity := crypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	c.keys[identity] = key
	c.mu.Unlock()
	return identity, nil
}

// DropIdentity discards the key for a decommissioned principal.
func (c *Client) DropIdentity(identity common.Address) {
	c.mu.Lock()
	delete(c.keys, identity)
	c.mu.Unlock()
}

func (c *Client) keyFor(identity common.Address) (*ecdsa.PrivateKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[identity]
	if !ok {
		return nil, fmt.Errorf("身份 %s 没有可用的签名密钥", identity.Hex())
	}
	return key, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	// 密钥随客户端一同作废。
	c.keys = make(map[common.Address]*ecdsa.PrivateKey)
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	snapshot := web3.ChainSnapshot{
		ChainID: toHexBig(c.chainID),
		Notes:   c.notes,
	}
	if c.eth != nil {
		blockNumber, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
		}
		snapshot.BlockNumber = fmt.Sprintf("0x%x", blockNumber)
	}
	return snapshot, nil
}

// BalanceOf implements web3.LedgerReader.
func (c *Client) BalanceOf(ctx context.Context, identity common.Address) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("当前客户端不支持余额查询")
	}
	balance, err := c.backend.BalanceAt(ctx, identity, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// DryRun simulates a proposal through gas estimation without committing
// anything. Transport failures surface as errors; the caller converts
// them into a failed outcome so the pipeline stays fail-closed.
func (c *Client) DryRun(ctx context.Context, identity common.Address, p *proposal.Proposal) (web3.DryRunOutcome, error) {
	if c == nil || c.backend == nil {
		return web3.DryRunOutcome{}, errors.New("当前客户端不支持试运行")
	}
	msg, err := c.buildCallMsg(identity, p, "")
	if err != nil {
		return web3.DryRunOutcome{Success: false, Err: err.Error()}, nil
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return web3.DryRunOutcome{}, fmt.Errorf("试运行失败: %w", err)
	}
	return web3.DryRunOutcome{
		Success: true,
		Logs:    []string{fmt.Sprintf("estimated gas: %d", gas)},
	}, nil
}

// Execute signs and broadcasts an authorized proposal. For plain value
// transfers the annotation rides in calldata so the decision record is
// carried on-chain with the operation.
func (c *Client) Execute(ctx context.Context, identity common.Address, p *proposal.Proposal, annotation string) (web3.ExecutionResult, error) {
	if c == nil || c.backend == nil {
		return web3.ExecutionResult{}, errors.New("当前客户端不支持交易执行")
	}
	key, err := c.keyFor(identity)
	if err != nil {
		return web3.ExecutionResult{Success: false, Err: err.Error()}, nil
	}
	msg, err := c.buildCallMsg(identity, p, annotation)
	if err != nil {
		return web3.ExecutionResult{Success: false, Err: err.Error()}, nil
	}

	nonce, err := c.backend.PendingNonceAt(ctx, identity)
	if err != nil {
		return web3.ExecutionResult{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return web3.ExecutionResult{}, fmt.Errorf("查询燃料价格失败: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return web3.ExecutionResult{}, fmt.Errorf("估算燃料失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       msg.To,
		Value:    msg.Value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     msg.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return web3.ExecutionResult{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return web3.ExecutionResult{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return web3.ExecutionResult{Success: true, TxHash: signed.Hash()}, nil
}

// buildCallMsg 把提案映射到具体的链上调用形态。兑换与质押经由
// 配置的系统路由执行，未配置路由视为无法执行。
func (c *Client) buildCallMsg(identity common.Address, p *proposal.Proposal, annotation string) (gethcore.CallMsg, error) {
	msg := gethcore.CallMsg{From: identity, Value: new(big.Int)}
	switch p.Category {
	case proposal.CategoryTransfer:
		if p.Transfer == nil {
			return msg, errors.New("转账提案缺少参数")
		}
		to := p.Transfer.Destination
		msg.To = &to
		msg.Value = new(big.Int).SetUint64(p.Transfer.Amount)
		if annotation != "" {
			msg.Data = []byte(annotation)
		}
	case proposal.CategoryAssetTransfer:
		if p.AssetTransfer == nil {
			return msg, errors.New("资产转账提案缺少参数")
		}
		to := p.AssetTransfer.Asset
		msg.To = &to
		msg.Data = erc20TransferCalldata(p.AssetTransfer.Destination, p.AssetTransfer.Amount)
	case proposal.CategoryExchange:
		if p.Exchange == nil {
			return msg, errors.New("兑换提案缺少参数")
		}
		if c.exchangeRouter == (common.Address{}) {
			return msg, errors.New("未配置兑换路由")
		}
		to := c.exchangeRouter
		msg.To = &to
		msg.Value = new(big.Int).SetUint64(p.Exchange.InputAmount)
	case proposal.CategoryStake:
		if p.Stake == nil {
			return msg, errors.New("质押提案缺少参数")
		}
		if c.stakingRouter == (common.Address{}) {
			return msg, errors.New("未配置质押路由")
		}
		to := c.stakingRouter
		msg.To = &to
		msg.Value = new(big.Int).SetUint64(p.Stake.Amount)
	case proposal.CategoryProgramCall:
		if p.ProgramCall == nil {
			return msg, errors.New("程序调用提案缺少参数")
		}
		to := p.ProgramCall.Program
		msg.To = &to
		msg.Data = p.ProgramCall.Payload
	default:
		return msg, fmt.Errorf("不支持的提案类别: %s", p.Category)
	}
	return msg, nil
}

// erc20TransferCalldata assembles transfer(address,uint256) calldata.
func erc20TransferCalldata(to common.Address, amount uint64) []byte {
	methodID := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	data := make([]byte, 0, 4+32+32)
	data = append(data, methodID...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(amount).Bytes(), 32)...)
	return data
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
