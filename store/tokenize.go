package store

import (
	"strings"
	"unicode"
)

// tokenize 将文本切分为小写 ASCII 词与 CJK 二元组。
// 中文没有空格分词，二元组让"张三"能命中"我和张三的关系如何"。
func tokenize(text string) []string {
	var tokens []string
	var ascii []rune
	var cjk []rune

	flushASCII := func() {
		if len(ascii) > 0 {
			tokens = append(tokens, strings.ToLower(string(ascii)))
			ascii = ascii[:0]
		}
	}
	flushCJK := func() {
		if len(cjk) == 1 {
			tokens = append(tokens, string(cjk))
		}
		for i := 0; i+1 < len(cjk); i++ {
			tokens = append(tokens, string(cjk[i:i+2]))
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushASCII()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			ascii = append(ascii, r)
		default:
			flushASCII()
			flushCJK()
		}
	}
	flushASCII()
	flushCJK()

	return tokens
}

// termOverlap 计算 query 的 token 在 text 中命中的比例，范围 [0,1]。
func termOverlap(query, text string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}

	textSet := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		textSet[tok] = struct{}{}
	}

	hits := 0
	for _, tok := range queryTokens {
		if _, ok := textSet[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}
