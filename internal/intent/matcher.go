// Package intent 提供从自由文本到能力标签的廉价模式匹配，
// 作为服务发现的前置过滤器。
package intent

import (
	"sort"
	"strings"
)

// Rule 将一组关键词映射到一个能力标签。
type Rule struct {
	Capability string
	Keywords   []string
}

// Matcher 持有规则集并按注册顺序匹配。
type Matcher struct {
	rules []Rule
}

// defaultRules 覆盖市场上常见的机器可调用服务类别。
var defaultRules = []Rule{
	{Capability: "sentiment-analysis", Keywords: []string{"sentiment", "emotion", "opinion", "情感", "情绪"}},
	{Capability: "translation", Keywords: []string{"translate", "translation", "翻译"}},
	{Capability: "summarization", Keywords: []string{"summarize", "summary", "摘要", "总结"}},
	{Capability: "image-generation", Keywords: []string{"image", "picture", "draw", "图片", "绘图"}},
	{Capability: "speech-to-text", Keywords: []string{"transcribe", "speech", "audio", "语音", "转写"}},
	{Capability: "data-extraction", Keywords: []string{"extract", "parse", "scrape", "提取", "解析"}},
	{Capability: "code-generation", Keywords: []string{"code", "program", "script", "代码"}},
}

// NewMatcher 使用内置规则创建匹配器。
func NewMatcher() *Matcher {
	return &Matcher{rules: defaultRules}
}

// NewMatcherWithRules 使用自定义规则创建匹配器。
func NewMatcherWithRules(rules []Rule) *Matcher {
	return &Matcher{rules: rules}
}

// Match 返回文本命中的能力标签，去重且按字典序排列。
// 没有任何命中时返回 nil，调用方应回退到显式能力列表。
func (m *Matcher) Match(text string) []string {
	if m == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	lowered := strings.ToLower(text)
	seen := make(map[string]struct{})
	for _, rule := range m.rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(lowered, strings.ToLower(keyword)) {
				seen[rule.Capability] = struct{}{}
				break
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	matched := make([]string, 0, len(seen))
	for capability := range seen {
		matched = append(matched, capability)
	}
	sort.Strings(matched)
	return matched
}
