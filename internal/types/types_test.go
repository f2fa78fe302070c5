package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocumentMergesTerms(t *testing.T) {
	doc, err := NewDocument("d1", 6, []Term{{Word: 4, Count: 2}, {Word: 1, Count: 1}, {Word: 4, Count: 1}, {Word: 2, Count: 0}})
	require.NoError(t, err)

	assert.Equal(t, 6, doc.VocabSize())
	assert.Equal(t, 4.0, doc.Len())
	assert.Equal(t, []Term{{Word: 1, Count: 1}, {Word: 4, Count: 3}}, doc.Terms())
}

func TestNewDocumentRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		terms []Term
		want  error
	}{
		{"word too large", []Term{{Word: 3, Count: 1}}, ErrWordOutOfRange},
		{"negative word", []Term{{Word: -1, Count: 1}}, ErrWordOutOfRange},
		{"negative count", []Term{{Word: 0, Count: -2}}, ErrNegativeCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDocument("bad", 3, tt.terms)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestEmptyDocument(t *testing.T) {
	doc, err := NewDocument("empty", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, doc.Len())
	assert.Empty(t, doc.Terms())
}
