// Package sparse implements the inverted-index BM25 lexical search of
// spec.md §4.3: whitespace/punctuation tokenization, per-term posting
// lists, and BM25 scoring with k1=1.2, b=0.75 defaults.
package sparse

import (
	"encoding/gob"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/liliang-cn/vzr/pkg/errs"
)

const (
	defaultK1 = 1.2
	defaultB  = 0.75
)

// Index is a BM25 inverted index over tokenized documents keyed by internal_id.
type Index struct {
	mu         sync.RWMutex
	postings   map[string]map[uint32]int // term -> internal_id -> term frequency
	docLengths map[uint32]int
	totalLen   int64
	k1, b      float64
}

// New creates an empty BM25 index with the spec's default parameters.
func New() *Index {
	return &Index{
		postings:   make(map[string]map[uint32]int),
		docLengths: make(map[uint32]int),
		k1:         defaultK1,
		b:          defaultB,
	}
}

// WithParams overrides k1/b, for callers that need to tune recall/precision.
func (idx *Index) WithParams(k1, b float64) *Index {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.k1, idx.b = k1, b
	return idx
}

// Tokenize splits text on whitespace and punctuation, lowercasing, with
// no language-specific stemming — the language-neutral splitter spec.md
// §4.3 calls for.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToLower(f))
	}
	return out
}

// Index tokenizes text and records it under id, replacing any prior
// document indexed under the same id.
func (idx *Index) Index(id uint32, text string) {
	tokens := Tokenize(text)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if oldLen, existed := idx.docLengths[id]; existed {
		idx.removeLocked(id)
		idx.totalLen -= int64(oldLen)
	}

	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	for term, f := range freq {
		byDoc, ok := idx.postings[term]
		if !ok {
			byDoc = make(map[uint32]int)
			idx.postings[term] = byDoc
		}
		byDoc[id] = f
	}
	idx.docLengths[id] = len(tokens)
	idx.totalLen += int64(len(tokens))
}

// Remove deletes id from every posting list.
func (idx *Index) Remove(id uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if oldLen, existed := idx.docLengths[id]; existed {
		idx.removeLocked(id)
		idx.totalLen -= int64(oldLen)
	}
}

func (idx *Index) removeLocked(id uint32) {
	for term, byDoc := range idx.postings {
		if _, ok := byDoc[id]; ok {
			delete(byDoc, id)
			if len(byDoc) == 0 {
				delete(idx.postings, term)
			}
		}
	}
	delete(idx.docLengths, id)
}

// Hit is a single scored document from a BM25 query.
type Hit struct {
	ID    uint32
	Score float64
}

// Search tokenizes query and returns up to k documents ranked by
// descending BM25 score (ties broken by ascending internal_id for
// reproducibility, matching the HNSW tie-break convention).
func (idx *Index) Search(query string, k int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k <= 0 || len(idx.docLengths) == 0 {
		return []Hit{}
	}

	n := float64(len(idx.docLengths))
	avgLen := float64(idx.totalLen) / n

	scores := make(map[uint32]float64)
	for _, term := range Tokenize(query) {
		byDoc, ok := idx.postings[term]
		if !ok {
			continue
		}
		df := float64(len(byDoc))
		idf := bm25IDF(n, df)
		for id, tf := range byDoc {
			dl := float64(idx.docLengths[id])
			denom := float64(tf) + idx.k1*(1-idx.b+idx.b*dl/avgLen)
			scores[id] += idf * (float64(tf) * (idx.k1 + 1)) / denom
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// bm25IDF is the standard Robertson/Sparck-Jones IDF with the +1 inside
// the log that keeps it non-negative for df > n/2.
func bm25IDF(n, df float64) float64 {
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

type gobIndex struct {
	Postings   map[string]map[uint32]int
	DocLengths map[uint32]int
	TotalLen   int64
	K1, B      float64
}

// Save gob-encodes the index's postings and document-length statistics.
func (idx *Index) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	g := gobIndex{Postings: idx.postings, DocLengths: idx.docLengths, TotalLen: idx.totalLen, K1: idx.k1, B: idx.b}
	if err := gob.NewEncoder(w).Encode(g); err != nil {
		return errs.Newf("sparse_save", errs.Internal, "encode index: %v", err)
	}
	return nil
}

// Load replaces the index's contents from a Save stream.
func (idx *Index) Load(r io.Reader) error {
	var g gobIndex
	if err := gob.NewDecoder(r).Decode(&g); err != nil {
		return errs.Newf("sparse_load", errs.Corruption, "decode index: %v", err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.postings = g.Postings
	idx.docLengths = g.DocLengths
	idx.totalLen = g.TotalLen
	idx.k1 = g.K1
	idx.b = g.B
	return nil
}
