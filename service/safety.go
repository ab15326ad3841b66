package service

import (
	"context"
	"strings"
)

// BlocklistChecker 基于词表的内容安全门。轻量、CPU 类。
// 命中词表即拒绝；对资产只做占位判定（资产级审核由外部能力承担时可替换实现）。
type BlocklistChecker struct {
	terms       []string
	filterLevel string
}

func NewBlocklistChecker(terms []string, filterLevel string) *BlocklistChecker {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(strings.ToLower(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}
	return &BlocklistChecker{terms: lowered, filterLevel: filterLevel}
}

func (c *BlocklistChecker) Evaluate(ctx context.Context, in SafetyInput) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, transientf("safety check interrupted: %v", err)
	}
	if in.Prompt != "" {
		lowered := strings.ToLower(in.Prompt)
		for _, term := range c.terms {
			if strings.Contains(lowered, term) {
				return Verdict{Allowed: false, Reason: "blocked term: " + term}, nil
			}
		}
	}
	// 资产在生成端已按 filter_level 过滤，这里默认放行
	return Verdict{Allowed: true}, nil
}
