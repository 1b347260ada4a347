// Package ngram expands a text field of a record into one record per word
// n-gram, so that the merge mode of the reader can count n-gram occurrences
// per month.
package ngram

import "strings"

const (
	// leadingDelimiters are skipped before a token starts.
	leadingDelimiters = " \t\n\r\v!\"#$%&()*,./:;<=>?@[\\]^`{|}~'-+"
	// endDelimiters end a token. ' - and + may appear inside one.
	endDelimiters = " \t\n\r\v!\"#$%&()*,./:;<=>?@[\\]^`{|}~"
	// trailing is trimmed from the end of a token.
	trailing = "'-"

	snowflakeMinLen = 17
	snowflakeMaxLen = 19
)

// LooksLikeID reports whether tok is an all-digit 17 to 19 character id.
// Ids break the n-gram window.
func LooksLikeID(tok string) bool {
	if len(tok) < snowflakeMinLen || len(tok) > snowflakeMaxLen {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return false
		}
	}
	return true
}

// Window is the sliding window of the most recent tokens.
type Window struct {
	tokens []string
	max    int
}

// NewWindow returns a window holding at most max tokens.
func NewWindow(max int) *Window {
	return &Window{tokens: make([]string, 0, max), max: max}
}

// Push appends tok, evicting the oldest token when the window is full.
func (w *Window) Push(tok string) {
	if len(w.tokens) == w.max {
		copy(w.tokens, w.tokens[1:])
		w.tokens = w.tokens[:w.max-1]
	}
	w.tokens = append(w.tokens, tok)
}

// Clear empties the window.
func (w *Window) Clear() {
	w.tokens = w.tokens[:0]
}

// Len returns the number of tokens in the window.
func (w *Window) Len() int {
	return len(w.tokens)
}

// Last returns the n most recent tokens, or false when fewer are held.
func (w *Window) Last(n int) ([]string, bool) {
	if n <= 0 || n > len(w.tokens) {
		return nil, false
	}
	return w.tokens[len(w.tokens)-n:], true
}

// Tokenize splits text into tokens and calls fn with the window after each
// token is pushed. The window passed to fn is reused between calls.
func Tokenize(text string, width int, fn func(w *Window)) {
	w := NewWindow(width)
	cursor := 0
	for cursor < len(text) {
		start := indexNotAny(text, leadingDelimiters, cursor)
		if start < 0 {
			return
		}
		end := strings.IndexAny(text[start:], endDelimiters)
		if end < 0 {
			end = len(text)
		} else {
			end += start
		}
		cursor = end

		tok := strings.TrimRight(text[start:end], trailing)
		if tok == "" {
			continue
		}
		if LooksLikeID(tok) {
			w.Clear()
			continue
		}
		w.Push(tok)
		fn(w)
	}
}

func indexNotAny(s, chars string, from int) int {
	for i := from; i < len(s); i++ {
		if strings.IndexByte(chars, s[i]) < 0 {
			return i
		}
	}
	return -1
}
