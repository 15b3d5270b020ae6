// Package tokenizer 提供 Token 计数能力。
// 当上游 Provider 未返回 usage 时，编排器用它估算阶段指标。
package tokenizer

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator Token 估算器接口
type Estimator interface {
	// CountTokens 估算文本的 Token 数
	CountTokens(text string) int
}

// tiktokenEstimator 基于 tiktoken 的估算器，编码器加载失败时回退到启发式
type tiktokenEstimator struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator 创建估算器。encoding 为空时使用 cl100k_base。
func NewEstimator(encoding string) Estimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &tiktokenEstimator{encoding: encoding}
}

// CountTokens 实现 Estimator.CountTokens
func (e *tiktokenEstimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err == nil {
			e.enc = enc
		}
	})

	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}

	// 启发式回退：平均每 4 个字符约一个 Token
	return (utf8.RuneCountInString(text) + 3) / 4
}
