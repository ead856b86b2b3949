package intent

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/assets"
	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/pkg/logger"
)

// 固定模式命中的置信度高于模型回退，反映后者的额外不确定性。
const (
	fixedPatternConfidence = 0.9
	modelConfidence        = 0.85
)

// Draft 是模型回退给出的提案草稿。翻译器负责定稿，
// 置信度策略不交给模型。
type Draft struct {
	Category      proposal.Category
	Transfer      *proposal.TransferParams
	AssetTransfer *proposal.AssetTransferParams
	Description   string
}

// ModelCapability 是可选的模型回退能力。固定模式全部未命中时
// 翻译器咨询一次。
type ModelCapability interface {
	ExtractDraft(ctx context.Context, text string) (*Draft, error)
}

// 匹配器按固定顺序尝试，首个命中者获胜。各匹配器依赖
// 不同的关键词，实践上互斥。
var (
	transferPattern = regexp.MustCompile(
		`(?i)^\s*(?:send|transfer|pay)\s+([0-9]*\.?[0-9]+\s*[kmb]?)\s+to\s+(?:agent\s+)?(\S+)\s*$`)
	createAssetPattern = regexp.MustCompile(
		`(?i)\bcreate\s+(?:a\s+|new\s+)*(?:token|asset)(?:\s+(?:named|called)\s+(\w+))?(?:\s+with\s+(\d+)\s+decimals)?`)
	mintPattern = regexp.MustCompile(
		`(?i)\bmint\s+([0-9]*\.?[0-9]+\s*[kmb]?)(?:\s+(\w+))?\s*(?:tokens?)?`)
	assetTransferPattern = regexp.MustCompile(
		`(?i)^\s*(?:send|transfer)\s+([0-9]*\.?[0-9]+\s*[kmb]?)\s+(\w+)\s+(?:tokens?\s+)?to\s+(?:agent\s+)?(\S+)\s*$`)
	airdropPattern = regexp.MustCompile(
		`(?i)\bairdrop\b(?:\s+(?:me\s+)?([0-9]*\.?[0-9]+\s*[kmb]?))?`)
	balancePattern = regexp.MustCompile(
		`(?i)\b(?:balance|how\s+much)\b`)
)

// Translator 把自由文本转换为结构化的提案或动作请求。
type Translator struct {
	resolver       IdentityResolver
	catalog        assets.Catalog
	model          ModelCapability
	nativeDecimals uint8
}

// TranslatorOption 定义翻译器的可选配置。
type TranslatorOption func(*Translator)

// WithCatalog 注入资产目录，启用合约资产转账解析。
func WithCatalog(catalog assets.Catalog) TranslatorOption {
	return func(t *Translator) {
		t.catalog = catalog
	}
}

// WithModel 注入模型回退能力。
func WithModel(model ModelCapability) TranslatorOption {
	return func(t *Translator) {
		t.model = model
	}
}

// WithTranslatorNativeDecimals 设置原生资产小数位数。
func WithTranslatorNativeDecimals(decimals uint8) TranslatorOption {
	return func(t *Translator) {
		t.nativeDecimals = decimals
	}
}

// NewTranslator 创建翻译器。resolver 为必选依赖。
func NewTranslator(resolver IdentityResolver, opts ...TranslatorOption) *Translator {
	t := &Translator{
		resolver:       resolver,
		nativeDecimals: 9,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Parse 解析一段自由文本。固定模式按顺序尝试，全部未命中且
// 配置了模型能力时回退一次，两条路径产出同一种下游形态。
func (t *Translator) Parse(ctx context.Context, text string, requester common.Address) (*Result, error) {
	unparseable := &Result{Kind: KindUnparseable, RawText: text}

	if strings.TrimSpace(text) == "" {
		return unparseable, nil
	}

	if result := t.matchTransfer(text, requester); result != nil {
		return result, nil
	}
	if result := t.matchCreateAsset(text); result != nil {
		return result, nil
	}
	if result := t.matchMint(text); result != nil {
		return result, nil
	}
	if result := t.matchAssetTransfer(text, requester); result != nil {
		return result, nil
	}
	if result := t.matchAirdrop(text); result != nil {
		return result, nil
	}
	if balancePattern.MatchString(text) {
		return &Result{Kind: KindBalanceQuery, Confidence: fixedPatternConfidence, RawText: text}, nil
	}

	if t.model == nil {
		return unparseable, nil
	}
	draft, err := t.model.ExtractDraft(ctx, text)
	if err != nil {
		logger.Named("intent").Warn("模型回退解析失败", "error", err)
		return unparseable, nil
	}
	return t.fromDraft(draft, requester, text)
}

func (t *Translator) matchTransfer(text string, requester common.Address) *Result {
	m := transferPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	major, ok := parseAmount(m[1])
	if !ok {
		return nil
	}
	target, ok := t.resolveTarget(m[2])
	if !ok {
		return nil
	}
	amount := toBaseUnits(major, t.nativeDecimals)
	if amount == 0 {
		return nil
	}
	p, err := proposal.NewTransfer(requester, proposal.TransferParams{
		Destination: target,
		Amount:      amount,
	}, strings.TrimSpace(text), fixedPatternConfidence)
	if err != nil {
		return nil
	}
	return &Result{Kind: KindProposal, Proposal: p, Confidence: fixedPatternConfidence, RawText: text}
}

func (t *Translator) matchCreateAsset(text string) *Result {
	m := createAssetPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	action := &Action{Type: ActionCreateAsset, Symbol: m[1]}
	if m[2] != "" {
		if decimals, err := strconv.ParseUint(m[2], 10, 8); err == nil {
			action.Decimals = uint8(decimals)
		}
	}
	return &Result{Kind: KindAction, Action: action, Confidence: fixedPatternConfidence, RawText: text}
}

func (t *Translator) matchMint(text string) *Result {
	m := mintPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	raw, ok := parseAmount(m[1])
	if !ok {
		return nil
	}
	action := &Action{Type: ActionMint, Amount: uint64(raw)}
	if symbol := m[2]; symbol != "" && !strings.EqualFold(symbol, "tokens") && !strings.EqualFold(symbol, "token") {
		action.Symbol = symbol
	}
	return &Result{Kind: KindAction, Action: action, Confidence: fixedPatternConfidence, RawText: text}
}

func (t *Translator) matchAssetTransfer(text string, requester common.Address) *Result {
	if t.catalog == nil {
		return nil
	}
	m := assetTransferPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	major, ok := parseAmount(m[1])
	if !ok {
		return nil
	}
	asset, ok := t.catalog.BySymbol(m[2])
	if !ok {
		return nil
	}
	target, ok := t.resolveTarget(m[3])
	if !ok {
		return nil
	}
	amount := toBaseUnits(major, asset.Decimals)
	if amount == 0 {
		return nil
	}
	p, err := proposal.NewAssetTransfer(requester, proposal.AssetTransferParams{
		Asset:       asset.Address,
		Destination: target,
		Amount:      amount,
		Decimals:    asset.Decimals,
	}, strings.TrimSpace(text), fixedPatternConfidence)
	if err != nil {
		return nil
	}
	return &Result{Kind: KindProposal, Proposal: p, Confidence: fixedPatternConfidence, RawText: text}
}

func (t *Translator) matchAirdrop(text string) *Result {
	m := airdropPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	action := &Action{Type: ActionAirdrop}
	if m[1] != "" {
		if raw, ok := parseAmount(m[1]); ok {
			action.Amount = toBaseUnits(raw, t.nativeDecimals)
		}
	}
	return &Result{Kind: KindAction, Action: action, Confidence: fixedPatternConfidence, RawText: text}
}

func (t *Translator) fromDraft(draft *Draft, requester common.Address, text string) (*Result, error) {
	if draft == nil {
		return &Result{Kind: KindUnparseable, RawText: text}, nil
	}
	description := draft.Description
	if description == "" {
		description = strings.TrimSpace(text)
	}
	switch draft.Category {
	case proposal.CategoryTransfer:
		if draft.Transfer == nil {
			return &Result{Kind: KindUnparseable, RawText: text}, nil
		}
		p, err := proposal.NewTransfer(requester, *draft.Transfer, description, modelConfidence)
		if err != nil {
			return nil, err
		}
		return &Result{Kind: KindProposal, Proposal: p, Confidence: modelConfidence, RawText: text}, nil
	case proposal.CategoryAssetTransfer:
		if draft.AssetTransfer == nil {
			return &Result{Kind: KindUnparseable, RawText: text}, nil
		}
		p, err := proposal.NewAssetTransfer(requester, *draft.AssetTransfer, description, modelConfidence)
		if err != nil {
			return nil, err
		}
		return &Result{Kind: KindProposal, Proposal: p, Confidence: modelConfidence, RawText: text}, nil
	default:
		return &Result{Kind: KindUnparseable, RawText: text}, nil
	}
}

// resolveTarget 先查名称登记表，未命中再按字面身份解析，
// 两者都失败则放弃本匹配器。
func (t *Translator) resolveTarget(raw string) (common.Address, bool) {
	name := strings.TrimRight(strings.TrimSpace(raw), ".,!?")
	if identity, ok := t.resolver.Resolve(name); ok {
		return identity, true
	}
	if common.IsHexAddress(name) {
		return common.HexToAddress(name), true
	}
	return common.Address{}, false
}

// parseAmount 解析带量级后缀的数字字面量，k/m/b 分别放大
// 10^3、10^6、10^9。
func parseAmount(raw string) (float64, bool) {
	raw = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	if raw == "" {
		return 0, false
	}
	multiplier := 1.0
	switch raw[len(raw)-1] {
	case 'k':
		multiplier = 1e3
		raw = raw[:len(raw)-1]
	case 'm':
		multiplier = 1e6
		raw = raw[:len(raw)-1]
	case 'b':
		multiplier = 1e9
		raw = raw[:len(raw)-1]
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value * multiplier, true
}

// toBaseUnits 把主单位金额换算为最小单位,四舍五入到整数。
func toBaseUnits(major float64, decimals uint8) uint64 {
	if major <= 0 {
		return 0
	}
	return uint64(math.Round(major * math.Pow10(int(decimals))))
}
