package retrieval

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestSemanticKeyNormalises(t *testing.T) {
	require.Equal(t, "alpha graph project", SemanticKey("Show me the graph for project alpha!"))
	require.Equal(t, "alpha graph project", SemanticKey("the graph of project... ALPHA, please show us"))
	require.Equal(t, "", SemanticKey("tell me about that"))
	require.Equal(t, "", SemanticKey(""))
}

func TestSemanticKeyDropsStopWords(t *testing.T) {
	key := SemanticKey("please tell me how many documents are in the store")
	require.NotContains(t, strings.Fields(key), "please")
	require.NotContains(t, strings.Fields(key), "the")
	require.Contains(t, strings.Fields(key), "documents")
	require.Contains(t, strings.Fields(key), "many")
}

func TestSemanticKeyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("keying is idempotent", prop.ForAll(
		func(query string) bool {
			key := SemanticKey(query)
			return SemanticKey(key) == key
		},
		gen.AnyString(),
	))

	properties.Property("case and punctuation never change the key", prop.ForAll(
		func(query string) bool {
			return SemanticKey(strings.ToUpper(query)) == SemanticKey(query+"!?.")
		},
		gen.AlphaString(),
	))

	properties.Property("word order never changes the key", prop.ForAll(
		func(a, b string) bool {
			return SemanticKey(a+" "+b) == SemanticKey(b+" "+a)
		},
		gen.AlphaString(), gen.AlphaString(),
	))

	properties.Property("injected stop words never change the key", prop.ForAll(
		func(query string) bool {
			return SemanticKey("please tell me about "+query) == SemanticKey(query)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestTokenOverlap(t *testing.T) {
	require.Equal(t, 1.0, TokenOverlap("project alpha", "project alpha depends on vector-db"))
	require.Equal(t, 0.5, TokenOverlap("project beta", "project alpha"))
	require.Equal(t, 0.0, TokenOverlap("", "anything"))
	require.Equal(t, 0.0, TokenOverlap("unrelated words", "project alpha"))
	// Case-insensitive on both sides.
	require.Equal(t, 1.0, TokenOverlap("NETFLIX", "streams on netflix"))
}
