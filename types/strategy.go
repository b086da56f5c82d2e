package types

import "fmt"

// Strategy 检索策略。封闭枚举：未知标签在边界处拒绝，
// 不做静默回退。
type Strategy string

const (
	StrategySemantic   Strategy = "semantic"
	StrategyTemporal   Strategy = "temporal"
	StrategyHybrid     Strategy = "hybrid"
	StrategyContextual Strategy = "contextual"
)

// ParseStrategy 解析策略标签，未知标签返回 ErrValidation。
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySemantic, StrategyTemporal, StrategyHybrid, StrategyContextual:
		return Strategy(s), nil
	}
	return "", &Error{
		Code:    ErrValidation,
		Message: fmt.Sprintf("unknown retrieval strategy %q", s),
	}
}

// Valid 报告策略是否为已知枚举值。
func (s Strategy) Valid() bool {
	_, err := ParseStrategy(string(s))
	return err == nil
}
