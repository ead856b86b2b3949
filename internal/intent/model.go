package intent

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/assets"
	"Aegis-Chain/internal/llm"
	"Aegis-Chain/internal/proposal"
)

// ModelAdapter 把 llm.Client 桥接为翻译器的回退能力。模型只产出
// 字符串草稿，金额换算与目标解析在这里定稿。
type ModelAdapter struct {
	client         llm.Client
	resolver       IdentityResolver
	catalog        assets.Catalog
	nativeDecimals uint8
	knownNames     []string
	knownAssets    []string
}

// ModelAdapterOption 定义适配器的可选配置。
type ModelAdapterOption func(*ModelAdapter)

// WithAdapterCatalog 注入资产目录，启用合约资产草稿的定稿。
func WithAdapterCatalog(catalog assets.Catalog) ModelAdapterOption {
	return func(a *ModelAdapter) {
		a.catalog = catalog
	}
}

// WithAdapterNativeDecimals 设置原生资产小数位数。
func WithAdapterNativeDecimals(decimals uint8) ModelAdapterOption {
	return func(a *ModelAdapter) {
		a.nativeDecimals = decimals
	}
}

// WithKnownNames 设置提示词中附带的已登记名称。
func WithKnownNames(names ...string) ModelAdapterOption {
	return func(a *ModelAdapter) {
		a.knownNames = append(a.knownNames[:0], names...)
	}
}

// WithKnownAssets 设置提示词中附带的资产符号。
func WithKnownAssets(symbols ...string) ModelAdapterOption {
	return func(a *ModelAdapter) {
		a.knownAssets = append(a.knownAssets[:0], symbols...)
	}
}

// NewModelAdapter 创建模型适配器。
func NewModelAdapter(client llm.Client, resolver IdentityResolver, opts ...ModelAdapterOption) *ModelAdapter {
	a := &ModelAdapter{
		client:         client,
		resolver:       resolver,
		nativeDecimals: 9,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// ExtractDraft 实现 ModelCapability。模型给出的草稿无法定稿时
// 返回 nil 草稿，由翻译器按不可解析处理。
func (a *ModelAdapter) ExtractDraft(ctx context.Context, text string) (*Draft, error) {
	extraction, err := a.client.Extract(ctx, llm.Request{
		Utterance:   text,
		KnownNames:  a.knownNames,
		KnownAssets: a.knownAssets,
	})
	if err != nil {
		return nil, err
	}
	if extraction == nil {
		return nil, nil
	}

	major, ok := parseAmount(extraction.Amount)
	if !ok {
		return nil, nil
	}
	target, ok := a.resolveTarget(extraction.Destination)
	if !ok {
		return nil, nil
	}
	description := strings.TrimSpace(extraction.Description)

	switch proposal.Category(strings.ToLower(strings.TrimSpace(extraction.Category))) {
	case proposal.CategoryTransfer:
		amount := toBaseUnits(major, a.nativeDecimals)
		if amount == 0 {
			return nil, nil
		}
		return &Draft{
			Category:    proposal.CategoryTransfer,
			Transfer:    &proposal.TransferParams{Destination: target, Amount: amount},
			Description: description,
		}, nil
	case proposal.CategoryAssetTransfer:
		if a.catalog == nil {
			return nil, nil
		}
		asset, ok := a.catalog.BySymbol(extraction.Asset)
		if !ok {
			return nil, nil
		}
		amount := toBaseUnits(major, asset.Decimals)
		if amount == 0 {
			return nil, nil
		}
		return &Draft{
			Category: proposal.CategoryAssetTransfer,
			AssetTransfer: &proposal.AssetTransferParams{
				Asset:       asset.Address,
				Destination: target,
				Amount:      amount,
				Decimals:    asset.Decimals,
			},
			Description: description,
		}, nil
	default:
		return nil, nil
	}
}

func (a *ModelAdapter) resolveTarget(raw string) (common.Address, bool) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return common.Address{}, false
	}
	if identity, ok := a.resolver.Resolve(name); ok {
		return identity, true
	}
	if common.IsHexAddress(name) {
		return common.HexToAddress(name), true
	}
	return common.Address{}, false
}

var _ ModelCapability = (*ModelAdapter)(nil)
