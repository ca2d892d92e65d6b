package labfile

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamCSV_TrimsAndAllowsRaggedRows(t *testing.T) {
	rows, err := ReadCSV(context.Background(), strings.NewReader("a , b\n1\n"), CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1"}}, rows)
}

func TestStreamCSV_LazyQuotes(t *testing.T) {
	rows, err := ReadCSV(context.Background(), strings.NewReader("name,pct\n5\" peak,2\n"), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `5" peak`, rows[1][0])
}

func TestStreamCSV_Comment(t *testing.T) {
	rows, err := ReadCSV(context.Background(), strings.NewReader("# instrument: GC-7\nname,pct\n"), CSVOptions{Comment: '#'})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"name", "pct"}}, rows)
}

func TestStreamCSV_ContextAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadCSV(ctx, strings.NewReader("a,b\n1,2\n"), CSVOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ';', sniffDelimiter([]byte("a;b;c\n1,2;3")))
	assert.Equal(t, '\t', sniffDelimiter([]byte("a\tb\n")))
	assert.Equal(t, ',', sniffDelimiter([]byte("single")))
}
