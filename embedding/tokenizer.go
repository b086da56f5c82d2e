package embedding

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer 嵌入预处理所需的最小分词接口。
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

// TiktokenTokenizer 基于 tiktoken 编码表的分词器。
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer 按模型名创建 tiktoken 分词器。
func NewTiktokenTokenizer(model string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding for %q: %w", model, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *TiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.Encode(text))
}

// WordTokenizer 按空白切词的回退分词器。
// tiktoken 编码表不可用（如离线环境）时使用，token 即单词。
type WordTokenizer struct {
	mu    sync.Mutex
	words map[int]string
	next  int
	index map[string]int
}

// NewWordTokenizer 创建回退分词器。
func NewWordTokenizer() *WordTokenizer {
	return &WordTokenizer{
		words: make(map[int]string),
		index: make(map[string]int),
	}
}

func (t *WordTokenizer) Encode(text string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := strings.Fields(text)
	tokens := make([]int, 0, len(fields))
	for _, w := range fields {
		id, ok := t.index[w]
		if !ok {
			id = t.next
			t.next++
			t.index[w] = id
			t.words[id] = w
		}
		tokens = append(tokens, id)
	}
	return tokens
}

func (t *WordTokenizer) Decode(tokens []int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := make([]string, 0, len(tokens))
	for _, id := range tokens {
		if w, ok := t.words[id]; ok {
			parts = append(parts, w)
		}
	}
	return strings.Join(parts, " ")
}

func (t *WordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

// newTokenizer 优先 tiktoken，失败时回退到词分词并记录警告。
func newTokenizer(model string, logger *zap.Logger) Tokenizer {
	tok, err := NewTiktokenTokenizer(model)
	if err != nil {
		logger.Warn("tiktoken unavailable, falling back to word tokenizer",
			zap.String("model", model), zap.Error(err))
		return NewWordTokenizer()
	}
	return tok
}
