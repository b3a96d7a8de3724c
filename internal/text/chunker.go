package text

import (
	"errors"
	"fmt"
)

var ErrInvalidParams = errors.New("invalid chunk parameters")

// Chunk is a contiguous window of a document's cleaned text.
// Offset and Length are measured in runes.
type Chunk struct {
	DocID   string `json:"doc_id"`
	Index   int    `json:"index"`
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
	Content string `json:"content"`
}

// Split cuts text into windows of at most maxLen runes, each starting
// maxLen-overlap runes after the previous one. The last window is the first
// one that reaches the end of the text.
func Split(docID, text string, maxLen, overlap int) ([]Chunk, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: max length %d", ErrInvalidParams, maxLen)
	}
	if overlap < 0 || overlap >= maxLen {
		return nil, fmt.Errorf("%w: overlap %d with max length %d", ErrInvalidParams, overlap, maxLen)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	stride := maxLen - overlap
	var chunks []Chunk
	for start := 0; ; start += stride {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			DocID:   docID,
			Index:   len(chunks),
			Offset:  start,
			Length:  end - start,
			Content: string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// Chunker carries the configured window parameters.
type Chunker struct {
	maxLen  int
	overlap int
}

type Option func(*Chunker)

func WithMaxLen(n int) Option {
	return func(c *Chunker) { c.maxLen = n }
}

func WithOverlap(n int) Option {
	return func(c *Chunker) { c.overlap = n }
}

func NewChunker(opts ...Option) (*Chunker, error) {
	c := &Chunker{maxLen: 500, overlap: 50}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxLen <= 0 || c.overlap < 0 || c.overlap >= c.maxLen {
		return nil, fmt.Errorf("%w: overlap %d with max length %d", ErrInvalidParams, c.overlap, c.maxLen)
	}
	return c, nil
}

func (c *Chunker) Split(docID, text string) ([]Chunk, error) {
	return Split(docID, text, c.maxLen, c.overlap)
}
