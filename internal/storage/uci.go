package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/knirvcorp/spectrallda/internal/types"
)

var ErrMalformed = errors.New("storage: malformed input")

// ReadDocword parses a UCI bag-of-words file: three header lines (D, W,
// NNZ) followed by "docID wordID count" triples with 1-based ids. Documents
// are returned in ascending docID order; ids that never appear are omitted.
func ReadDocword(r io.Reader) (vocabSize int, docs []*types.Document, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var header [3]int
	line := 0
	for i := range header {
		if !nextLine(sc, &line) {
			return 0, nil, fmt.Errorf("%w: missing header line %d", ErrMalformed, i+1)
		}
		header[i], err = strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil || header[i] < 0 {
			return 0, nil, fmt.Errorf("%w: line %d: bad header %q", ErrMalformed, line, sc.Text())
		}
	}
	numDocs, vocabSize, nnz := header[0], header[1], header[2]

	terms := make(map[int][]types.Term)
	seen := 0
	for nextLine(sc, &line) {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			return 0, nil, fmt.Errorf("%w: line %d: want 3 fields, got %d", ErrMalformed, line, len(fields))
		}
		d, err1 := strconv.Atoi(fields[0])
		w, err2 := strconv.Atoi(fields[1])
		c, err3 := strconv.ParseFloat(fields[2], 64)
		if err := errors.Join(err1, err2, err3); err != nil {
			return 0, nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		if d < 1 || d > numDocs {
			return 0, nil, fmt.Errorf("%w: line %d: document %d outside 1..%d", ErrMalformed, line, d, numDocs)
		}
		terms[d] = append(terms[d], types.Term{Word: w - 1, Count: c})
		seen++
	}
	if err := sc.Err(); err != nil {
		return 0, nil, err
	}
	if seen != nnz {
		return 0, nil, fmt.Errorf("%w: header declares %d entries, found %d", ErrMalformed, nnz, seen)
	}

	for d := 1; d <= numDocs; d++ {
		t, ok := terms[d]
		if !ok {
			continue
		}
		doc, err := types.NewDocument(strconv.Itoa(d), vocabSize, t)
		if err != nil {
			return 0, nil, err
		}
		docs = append(docs, doc)
	}
	return vocabSize, docs, nil
}

// ReadVocabulary reads one word per line; line i names word id i-1.
func ReadVocabulary(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	var words []string
	for sc.Scan() {
		words = append(words, strings.TrimSpace(sc.Text()))
	}
	return words, sc.Err()
}

func nextLine(sc *bufio.Scanner, line *int) bool {
	for sc.Scan() {
		*line++
		if strings.TrimSpace(sc.Text()) != "" {
			return true
		}
	}
	return false
}
