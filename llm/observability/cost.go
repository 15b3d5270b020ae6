// Package observability 提供 LLM 调用的成本核算。
package observability

import (
	"sync"
)

// CostCalculator 成本计算器
type CostCalculator struct {
	mu     sync.RWMutex
	prices map[string]*ModelPrice // key: model
}

// ModelPrice 模型价格
type ModelPrice struct {
	Model       string
	PriceInput  float64 // USD per 1K tokens
	PriceOutput float64 // USD per 1K tokens
}

// NewCostCalculator 创建成本计算器
func NewCostCalculator() *CostCalculator {
	c := &CostCalculator{
		prices: make(map[string]*ModelPrice),
	}
	c.loadDefaultPrices()
	return c
}

// loadDefaultPrices 加载默认价格（可从配置覆盖）
func (c *CostCalculator) loadDefaultPrices() {
	defaults := []ModelPrice{
		{Model: "gpt-4o", PriceInput: 0.005, PriceOutput: 0.015},
		{Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{Model: "gpt-3.5-turbo", PriceInput: 0.0005, PriceOutput: 0.0015},
		{Model: "claude-3-5-sonnet-20241022", PriceInput: 0.003, PriceOutput: 0.015},
		{Model: "claude-3-5-haiku-20241022", PriceInput: 0.0008, PriceOutput: 0.004},
		{Model: "claude-3-haiku-20240307", PriceInput: 0.00025, PriceOutput: 0.00125},
		{Model: "gemini-1.5-pro", PriceInput: 0.00125, PriceOutput: 0.005},
		{Model: "gemini-1.5-flash", PriceInput: 0.000075, PriceOutput: 0.0003},
	}

	for _, p := range defaults {
		c.SetPrice(p.Model, p.PriceInput, p.PriceOutput)
	}
}

// SetPrice 设置模型价格
func (c *CostCalculator) SetPrice(model string, priceInput, priceOutput float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prices[model] = &ModelPrice{
		Model:       model,
		PriceInput:  priceInput,
		PriceOutput: priceOutput,
	}
}

// GetPrice 获取模型价格，未知模型返回 nil
func (c *CostCalculator) GetPrice(model string) *ModelPrice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prices[model]
}

// Calculate 计算单次调用成本，未知模型计为 0
func (c *CostCalculator) Calculate(model string, tokensInput, tokensOutput int) float64 {
	price := c.GetPrice(model)
	if price == nil {
		return 0
	}

	inputCost := float64(tokensInput) / 1000 * price.PriceInput
	outputCost := float64(tokensOutput) / 1000 * price.PriceOutput

	return inputCost + outputCost
}

// UpdatePrices 批量更新价格（从配置）
func (c *CostCalculator) UpdatePrices(prices []ModelPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range prices {
		c.prices[p.Model] = &ModelPrice{
			Model:       p.Model,
			PriceInput:  p.PriceInput,
			PriceOutput: p.PriceOutput,
		}
	}
}
