package ranking

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
	"github.com/omnisearch/omnisearch/abengine/internal/experiment"
)

// Candidate is one result returned by the vector search
type Candidate struct {
	ProductID   string  `json:"product_id" validate:"required"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Color       string  `json:"color,omitempty"`
	Category    string  `json:"category,omitempty"`
	ImagePath   string  `json:"image_path,omitempty"`
	Similarity  float64 `json:"similarity" validate:"gte=0,lte=1"`
}

// Query carries the text and the optional attribute filters being ranked against
type Query struct {
	Text     string `json:"query"`
	Color    string `json:"color,omitempty"`
	Category string `json:"category,omitempty"`
}

// Weights blends the score components
type Weights struct {
	Vector   float64 `json:"vector"`
	Color    float64 `json:"color"`
	Category float64 `json:"category"`
	Text     float64 `json:"text"`
}

// DefaultWeights returns 0.5 vector, 0.2 color, 0.2 category, 0.1 text
func DefaultWeights() Weights {
	return Weights{Vector: 0.5, Color: 0.2, Category: 0.2, Text: 0.1}
}

// WeightsFromConfig overrides the defaults with any weight set in cfg
func WeightsFromConfig(cfg config.RankingConfig) Weights {
	w := DefaultWeights()
	if cfg.VectorWeight != nil {
		w.Vector = *cfg.VectorWeight
	}
	if cfg.ColorWeight != nil {
		w.Color = *cfg.ColorWeight
	}
	if cfg.CategoryWeight != nil {
		w.Category = *cfg.CategoryWeight
	}
	if cfg.TextWeight != nil {
		w.Text = *cfg.TextWeight
	}
	return w
}

// Breakdown holds the unweighted component scores
type Breakdown struct {
	Vector   float64 `json:"vector_score"`
	Color    float64 `json:"color_score"`
	Category float64 `json:"category_score"`
	Text     float64 `json:"text_score"`
}

// Scored is a candidate with its final score
type Scored struct {
	Candidate
	Score     float64   `json:"final_score"`
	Breakdown Breakdown `json:"debug_scores"`
}

// Options tunes ScoreAndRank. The zero value uses DefaultWeights and TextSimilarity.
type Options struct {
	Weights        *Weights
	TextSimilarity func(query, title string) float64
}

// Ranker orders candidates for a query
type Ranker func(cands []Candidate, q Query) []Scored

// ScoreAndRank blends vector similarity with attribute matches and title
// similarity, then orders by score descending. Ties keep input order.
func ScoreAndRank(cands []Candidate, q Query, opts Options) []Scored {
	w := DefaultWeights()
	if opts.Weights != nil {
		w = *opts.Weights
	}
	textSim := opts.TextSimilarity
	if textSim == nil {
		textSim = TextSimilarity
	}

	out := make([]Scored, len(cands))
	for i, c := range cands {
		b := Breakdown{
			Vector:   c.Similarity,
			Color:    ExactMatch(q.Color, c.Color),
			Category: ExactMatch(q.Category, c.Category),
			Text:     clamp(textSim(q.Text, c.Title)),
		}
		score := w.Vector*b.Vector + w.Color*b.Color + w.Category*b.Category + w.Text*b.Text
		out[i] = Scored{Candidate: c, Score: clamp(score), Breakdown: b}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// RankByVector orders purely by vector similarity. Ties keep input order.
func RankByVector(cands []Candidate, _ Query) []Scored {
	out := make([]Scored, len(cands))
	for i, c := range cands {
		out[i] = Scored{
			Candidate: c,
			Score:     c.Similarity,
			Breakdown: Breakdown{Vector: c.Similarity},
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ForVariant returns the ranker a variant serves: search_v2 blends, everything else is the vector baseline
func ForVariant(v experiment.Variant, w Weights) Ranker {
	if v == experiment.SearchV2 {
		return func(cands []Candidate, q Query) []Scored {
			return ScoreAndRank(cands, q, Options{Weights: &w})
		}
	}
	return RankByVector
}

// ExactMatch is 1 when both values are set and equal ignoring case and surrounding space
func ExactMatch(want, got string) float64 {
	want = strings.TrimSpace(want)
	got = strings.TrimSpace(got)
	if want == "" || got == "" {
		return 0
	}
	if strings.EqualFold(want, got) {
		return 1
	}
	return 0
}

var tokenRE = regexp.MustCompile(`[a-z0-9]+`)

func bagOfWords(text string) map[string]int {
	bag := make(map[string]int)
	for _, tok := range tokenRE.FindAllString(strings.ToLower(text), -1) {
		bag[tok]++
	}
	return bag
}

// TextSimilarity is the bag-of-words cosine of query and title, in [0,1]
func TextSimilarity(query, title string) float64 {
	a, b := bagOfWords(query), bagOfWords(title)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var dot, na, nb float64
	for tok, ca := range a {
		na += float64(ca * ca)
		if cb, ok := b[tok]; ok {
			dot += float64(ca * cb)
		}
	}
	for _, cb := range b {
		nb += float64(cb * cb)
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
