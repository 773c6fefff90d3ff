package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// maxEmbeddingTerms bounds the number of terms kept per record.
	maxEmbeddingTerms = 20

	// minTermRunes excludes short noise words from embeddings.
	minTermRunes = 3

	// contextTermPrefix marks synthetic terms derived from store-time context.
	contextTermPrefix = "context_"
)

// Tokenize splits text into lowercase word tokens. Any rune that is neither a
// letter nor a digit separates words.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ExtractEmbeddings derives a sparse term -> weight vector from content and
// context. Content words of three or more runes are weighted by term
// frequency normalised to the most frequent word. Each context key adds a
// "context_<key>" term weighted 1.0 for strings or min(1, |v|/100) for
// numbers; other value kinds are ignored. Only the 20 heaviest terms are kept,
// ties broken by term. The function is pure.
func ExtractEmbeddings(content string, context map[string]interface{}) map[string]float64 {
	counts := make(map[string]int)
	maxCount := 0
	for _, tok := range Tokenize(content) {
		if utf8.RuneCountInString(tok) < minTermRunes {
			continue
		}
		counts[tok]++
		if counts[tok] > maxCount {
			maxCount = counts[tok]
		}
	}

	weights := make(map[string]float64, len(counts)+len(context))
	for term, n := range counts {
		weights[term] = float64(n) / float64(maxCount)
	}

	for key, value := range context {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if w, ok := contextWeight(value); ok {
			weights[contextTermPrefix+key] = w
		}
	}

	if len(weights) <= maxEmbeddingTerms {
		return weights
	}

	terms := sortedByWeight(weights)
	top := make(map[string]float64, maxEmbeddingTerms)
	for _, term := range terms[:maxEmbeddingTerms] {
		top[term] = weights[term]
	}
	return top
}

// contextWeight returns the embedding weight for a context value.
func contextWeight(value interface{}) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case string:
		return 1.0, true
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int8:
		f = float64(v)
	case int16:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint8:
		f = float64(v)
	case uint16:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return math.Min(1.0, math.Abs(f)/100), true
}

// sortedByWeight returns the terms of weights ordered by weight descending,
// then term ascending.
func sortedByWeight(weights map[string]float64) []string {
	terms := make([]string, 0, len(weights))
	for term := range weights {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		wi, wj := weights[terms[i]], weights[terms[j]]
		if wi != wj {
			return wi > wj
		}
		return terms[i] < terms[j]
	})
	return terms
}

// Similarity returns the cosine similarity of two sparse vectors, in [0,1].
// It is 0 when either vector is empty or they share no term. Sums run over
// sorted keys so that Similarity(a, b) == Similarity(b, a) exactly.
func Similarity(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	var shared []string
	for term := range small {
		if _, ok := large[term]; ok {
			shared = append(shared, term)
		}
	}
	if len(shared) == 0 {
		return 0
	}
	sort.Strings(shared)

	var dot float64
	for _, term := range shared {
		dot += a[term] * b[term]
	}

	normA, normB := norm(a), norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (normA * normB)
	if math.IsNaN(sim) || sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// norm returns the Euclidean norm of v, summing in key order.
func norm(v map[string]float64) float64 {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += v[k] * v[k]
	}
	return math.Sqrt(sum)
}

// ContextHash returns a short stable hash of the store-time context, or ""
// when the context is empty or cannot be encoded.
func ContextHash(context map[string]interface{}) string {
	if len(context) == 0 {
		return ""
	}
	// encoding/json sorts map keys, so the encoding is canonical.
	b, err := json.Marshal(context)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
