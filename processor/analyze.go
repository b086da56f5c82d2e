package processor

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// 情感词表。轻量启发式，够用即可。
var (
	positiveWords = map[string]bool{
		"good": true, "great": true, "excellent": true, "success": true,
		"successful": true, "win": true, "gain": true, "profit": true,
		"breakout": true, "confirmed": true, "strong": true, "happy": true,
		"love": true, "like": true, "best": true, "improve": true,
		"improved": true, "positive": true, "up": true, "bullish": true,
	}
	negativeWords = map[string]bool{
		"bad": true, "poor": true, "fail": true, "failed": true,
		"failure": true, "loss": true, "lose": true, "drop": true,
		"crash": true, "weak": true, "sad": true, "hate": true,
		"worst": true, "worse": true, "negative": true, "down": true,
		"bearish": true, "risk": true, "problem": true, "error": true,
	}
	stopWords = map[string]bool{
		"the": true, "and": true, "for": true, "that": true, "this": true,
		"with": true, "from": true, "have": true, "has": true, "had": true,
		"was": true, "were": true, "are": true, "will": true, "would": true,
		"been": true, "they": true, "their": true, "them": true, "there": true,
		"what": true, "when": true, "where": true, "which": true, "while": true,
		"about": true, "into": true, "over": true, "after": true, "before": true,
	}
	cueWords = []string{"important", "critical", "urgent", "key", "must", "remember"}
)

// AnalyzeContent 对一段文本单独做内容分析。
// 不参考近邻相似度，重要度里该项记 0。
func (p *Processor) AnalyzeContent(text string) *Analysis {
	return p.analyze(strings.TrimSpace(text), 0)
}

// analyze 对文本跑一遍轻量分析并混合出重要度。
func (p *Processor) analyze(text string, meanNeighborSim float64) *Analysis {
	sentiment := sentimentScore(text)
	complexity := textComplexity(text)

	base := baseImportance(text)
	importance := weightBase*base + weightNeighbors*meanNeighborSim + weightComplexity*complexity
	importance = math.Max(0, math.Min(1, importance))

	return &Analysis{
		Sentiment:        sentiment,
		EmotionalContext: classifyEmotion(sentiment),
		KeyConcepts:      keyConcepts(text, 5),
		Patterns:         detectPatterns(text),
		Complexity:       complexity,
		Importance:       importance,
	}
}

// sentimentScore 词表命中差除以总命中数，落在 [-1, 1]。
func sentimentScore(text string) float64 {
	var pos, neg int
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if positiveWords[w] {
			pos++
		} else if negativeWords[w] {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	return float64(pos-neg) / float64(total)
}

// classifyEmotion 把情感分数归类为三档标签。
func classifyEmotion(sentiment float64) string {
	switch {
	case sentiment > 0.5:
		return "positive"
	case sentiment < -0.5:
		return "negative"
	default:
		return "neutral"
	}
}

// keyConcepts 取出现频率最高的非停用长词。
func keyConcepts(text string, limit int) []string {
	freq := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 3 && !stopWords[w] {
			freq[w]++
		}
	}

	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > limit {
		words = words[:limit]
	}
	return words
}

// detectPatterns 打结构性标签：疑问、数值、强调、决策。
func detectPatterns(text string) []string {
	lower := strings.ToLower(text)
	var patterns []string
	if strings.Contains(text, "?") {
		patterns = append(patterns, "question")
	}
	if strings.ContainsFunc(text, unicode.IsDigit) {
		patterns = append(patterns, "numeric")
	}
	for _, cue := range cueWords {
		if strings.Contains(lower, cue) {
			patterns = append(patterns, "emphasis")
			break
		}
	}
	for _, w := range []string{"decided", "decision", "chose", "will do", "plan to"} {
		if strings.Contains(lower, w) {
			patterns = append(patterns, "decision")
			break
		}
	}
	return patterns
}

// baseImportance 基础启发式：长度给底分，强调词加成。
func baseImportance(text string) float64 {
	score := 0.3 + math.Min(float64(len(text))/2000.0, 0.3)
	lower := strings.ToLower(text)
	for _, cue := range cueWords {
		if strings.Contains(lower, cue) {
			score += 0.2
			break
		}
	}
	return math.Min(score, 1.0)
}

// textComplexity 词长、词汇多样性与句长的加权组合，各项封顶。
func textComplexity(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	var lengthSum int
	unique := make(map[string]bool, len(words))
	for _, w := range words {
		lengthSum += len(w)
		unique[strings.ToLower(w)] = true
	}
	avgWordLen := float64(lengthSum) / float64(len(words))
	uniqueRatio := float64(len(unique)) / float64(len(words))

	sentences := splitSentences(text)
	avgSentenceLen := float64(len(words))
	if len(sentences) > 0 {
		avgSentenceLen = float64(len(words)) / float64(len(sentences))
	}

	score := 0.3*math.Min(avgWordLen/10.0, 1.0) +
		0.4*uniqueRatio +
		0.3*math.Min(avgSentenceLen/20.0, 1.0)
	return math.Min(score, 1.0)
}

// compress 逆词频句子打分压缩：稀有词句子得分高，
// 含数字乘 1.2、含强调词乘 1.1，按得分贪心保留到长度预算，
// 保留句按原文顺序重排。
func compress(text string, budget int) string {
	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return truncateRunes(text, budget)
	}

	freq := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		freq[strings.Trim(w, ".,!?;:\"'()")]++
	}

	type scored struct {
		index int
		text  string
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, sentence := range sentences {
		words := strings.Fields(strings.ToLower(sentence))
		if len(words) == 0 {
			continue
		}
		var sum float64
		for _, w := range words {
			w = strings.Trim(w, ".,!?;:\"'()")
			if n := freq[w]; n > 0 {
				sum += 1.0 / float64(n)
			}
		}
		score := sum / float64(len(words))
		if strings.ContainsFunc(sentence, unicode.IsDigit) {
			score *= 1.2
		}
		lower := strings.ToLower(sentence)
		for _, cue := range cueWords {
			if strings.Contains(lower, cue) {
				score *= 1.1
				break
			}
		}
		ranked = append(ranked, scored{index: i, text: sentence, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	kept := make([]scored, 0, len(ranked))
	used := 0
	for _, s := range ranked {
		cost := len(s.text) + 2
		if used+cost > budget {
			continue
		}
		kept = append(kept, s)
		used += cost
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].index < kept[j].index })

	parts := make([]string, len(kept))
	for i, s := range kept {
		parts[i] = s.text
	}
	out := strings.Join(parts, ". ")
	if out == "" {
		return truncateRunes(text, budget)
	}
	return out
}

// truncateRunes 按字节预算截断，但不切断多字节字符。
func truncateRunes(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	cut := budget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// splitSentences 按 .!? 切句并去掉空白句。
func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	var sentences []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
