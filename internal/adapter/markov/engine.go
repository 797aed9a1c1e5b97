// Package markov builds a word transition table from a tenant corpus and
// samples new sentences from it.
package markov

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
)

var (
	wordChar   = regexp.MustCompile(`\w`)
	keyStrip   = regexp.MustCompile(`[<>()\[\]{}:;.,]`)
	bracePairs = [][2]byte{{'(', ')'}, {'[', ']'}, {'{', '}'}}
	quoteMarks = []byte{'"', '\'', '`', '*'}

	reservedKeys = map[string]struct{}{
		"constructor": {},
		"__proto__":   {},
	}
)

type node struct {
	canonical  string
	successors []string
}

// Option mutates engine configuration.
type Option func(*Engine)

// WithSource replaces the random source, e.g. with a fixed seed in tests.
func WithSource(src rand.Source) Option {
	return func(e *Engine) {
		if src != nil {
			e.rnd = rand.New(src)
		}
	}
}

// Engine holds one tenant's transition table. It is safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	nodes map[string]*node
	keys  []string
	rnd   *rand.Rand
}

// New creates an empty engine.
func New(options ...Option) *Engine {
	e := &Engine{
		nodes: make(map[string]*node),
		rnd:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// GenerateDictionary discards the current table and rebuilds it from texts.
func (e *Engine) GenerateDictionary(texts []string) {
	nodes := make(map[string]*node)
	var keys []string

	for _, text := range texts {
		words := strings.Fields(text)
		for i, word := range words {
			key := normalizeKey(word)
			if key == "" {
				continue
			}

			n, ok := nodes[key]
			if !ok {
				n = &node{canonical: word}
				nodes[key] = n
				keys = append(keys, key)
			}
			if i+1 < len(words) {
				n.successors = append(n.successors, words[i+1])
			}
		}
	}

	e.mu.Lock()
	e.nodes = nodes
	e.keys = keys
	e.mu.Unlock()
}

// GenerateChain samples a sentence of at most maxWords words. It reports
// false when the table is empty.
func (e *Engine) GenerateChain(maxWords int) (string, bool) {
	if maxWords < 1 {
		maxWords = 1
	}

	e.mu.Lock()
	if len(e.keys) == 0 {
		e.mu.Unlock()
		return "", false
	}

	var last string
	for last == "" {
		last = e.nodes[e.keys[e.rnd.IntN(len(e.keys))]].canonical
	}

	words := []string{last}
	for len(words) < maxWords {
		n, ok := e.nodes[normalizeKey(last)]
		if !ok || len(n.successors) == 0 {
			break
		}
		last = n.successors[e.rnd.IntN(len(n.successors))]
		words = append(words, last)
	}
	e.mu.Unlock()

	return cleanup(strings.Join(words, " ")), true
}

// Size returns the number of distinct keys in the table.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

func normalizeKey(word string) string {
	if wordChar.MatchString(word) {
		word = keyStrip.ReplaceAllString(word, "")
	}
	if _, ok := reservedKeys[word]; ok {
		word += "_"
	}
	return word
}
