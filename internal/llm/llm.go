package llm

import "context"

// Request 描述发送给大模型的抽取上下文。提示词中附带已知的
// 名称登记与资产符号，降低模型臆造目标的概率。
type Request struct {
	Utterance   string
	KnownNames  []string
	KnownAssets []string
}

// Extraction 是大模型从自由文本抽取的结构化草稿。所有字段都是
// 字符串形态，金额换算与目标解析的定稿由上层完成。
type Extraction struct {
	Category    string `json:"category"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
	Asset       string `json:"asset,omitempty"`
	Description string `json:"description,omitempty"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Extract(ctx context.Context, req Request) (*Extraction, error)
}
