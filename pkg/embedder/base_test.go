package embedder_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/memcore-go/pkg/embedder"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", embedder.Truncate("short"))

	long := strings.Repeat("x", embedder.MaxInputChars+100)
	got := embedder.Truncate(long)
	assert.Len(t, got, embedder.MaxInputChars)

	exact := strings.Repeat("y", embedder.MaxInputChars)
	assert.Equal(t, exact, embedder.Truncate(exact))
}
