package assets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Catalog 定义资产目录检索的通用接口。
type Catalog interface {
	BySymbol(symbol string) (Asset, bool)
	ByAddress(address common.Address) (Asset, bool)
}

// Asset 描述一种可转移的合约资产。Decimals 供共识层把金额
// 换算到主单位。
type Asset struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Tags     []string       `json:"tags,omitempty"`
}

// StaticCatalog 通过加载 JSON 文件提供静态资产目录。
type StaticCatalog struct {
	mu        sync.RWMutex
	bySymbol  map[string]Asset
	byAddress map[common.Address]Asset
}

// NewStaticCatalog 创建静态资产目录实例。
func NewStaticCatalog(items []Asset) *StaticCatalog {
	c := &StaticCatalog{
		bySymbol:  make(map[string]Asset, len(items)),
		byAddress: make(map[common.Address]Asset, len(items)),
	}
	for _, item := range items {
		c.put(item)
	}
	return c
}

// LoadStaticCatalog 从 JSON 文件加载资产条目。
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("资产目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析资产目录路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取资产目录文件失败: %w", err)
	}
	defer file.Close()

	var entries []Asset
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析资产目录文件失败: %w", err)
	}

	return NewStaticCatalog(entries), nil
}

func (c *StaticCatalog) put(item Asset) {
	symbol := strings.ToLower(strings.TrimSpace(item.Symbol))
	if symbol == "" {
		return
	}
	c.bySymbol[symbol] = item
	c.byAddress[item.Address] = item
}

// Register 在运行时追加一个资产条目，已存在的符号会被覆盖。
func (c *StaticCatalog) Register(item Asset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(item)
}

// BySymbol 按符号检索资产，大小写不敏感。
func (c *StaticCatalog) BySymbol(symbol string) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	asset, ok := c.bySymbol[strings.ToLower(strings.TrimSpace(symbol))]
	return asset, ok
}

// ByAddress 按合约地址检索资产。
func (c *StaticCatalog) ByAddress(address common.Address) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	asset, ok := c.byAddress[address]
	return asset, ok
}

// Ensure StaticCatalog 实现 Catalog 接口。
var _ Catalog = (*StaticCatalog)(nil)
