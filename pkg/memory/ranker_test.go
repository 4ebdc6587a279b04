package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/config"
	"github.com/itak-ai/itak/pkg/store"
)

func TestBM25PrefersTermDensity(t *testing.T) {
	candidates := []*store.Entry{
		{ID: "a", Content: "coffee coffee coffee is the best drink"},
		{ID: "b", Content: "tea is an acceptable drink on occasion"},
		{ID: "c", Content: "coffee once appeared in this sentence"},
	}
	scores := bm25Scores("coffee", candidates)
	require.Contains(t, scores, "a")
	require.Contains(t, scores, "c")
	assert.Greater(t, scores["a"], scores["c"])
	assert.NotContains(t, scores, "b")
}

func TestFuseAgreementOutranksSingleChannel(t *testing.T) {
	w := &config.RankerConfig{}
	w.SetDefaults()

	// "x" appears in all three channels mid-rank, "y" only tops one.
	vecRank := rankedList{"y", "x"}
	bm25Rank := rankedList{"x", "z"}
	graphRank := rankedList{"x"}
	vecSig := signal{"y": 1.0, "x": 0.8}
	bm25Sig := signal{"x": 1.0, "z": 0.5}
	graphSig := signal{"x": 1.0}

	ids := fuse(w, vecRank, bm25Rank, graphRank, vecSig, bm25Sig, graphSig)
	require.NotEmpty(t, ids)
	assert.Equal(t, "x", ids[0], "agreement across channels must outrank a single strong channel")
}

func TestFuseDeduplicates(t *testing.T) {
	w := &config.RankerConfig{}
	w.SetDefaults()
	ids := fuse(w, rankedList{"a"}, rankedList{"a"}, rankedList{"a"},
		signal{"a": 1}, signal{"a": 1}, signal{"a": 1})
	assert.Equal(t, []string{"a"}, ids)
}

func TestFuseEmptyChannels(t *testing.T) {
	w := &config.RankerConfig{}
	w.SetDefaults()
	assert.Empty(t, fuse(w, nil, nil, nil, nil, nil, nil))
}

func TestGraphProximityPrefersCloserHops(t *testing.T) {
	hits := []store.GraphHit{
		{Relation: store.Relation{SourceMemoryID: "near"}, Hops: 1},
		{Relation: store.Relation{SourceMemoryID: "far"}, Hops: 2},
	}
	scores := graphProximity(hits)
	assert.Greater(t, scores["near"], scores["far"])
}

func TestExtractEntities(t *testing.T) {
	entities := ExtractEntities("Alice Johnson met Bob in Berlin, said @carol")
	assert.Contains(t, entities, "alice johnson")
	assert.Contains(t, entities, "bob")
	assert.Contains(t, entities, "berlin")
	assert.Contains(t, entities, "carol")
}

func TestExtractEntitiesSkipsStopwords(t *testing.T) {
	entities := ExtractEntities("The quick brown fox. I like it.")
	assert.NotContains(t, entities, "the")
	assert.NotContains(t, entities, "i")
}

func TestExtractTags(t *testing.T) {
	tags := ExtractTags("remember this #infra note about #Networking")
	assert.Equal(t, []string{"infra", "networking"}, tags)
}

func TestChunkOverlap(t *testing.T) {
	text := ""
	for i := 0; i < 200; i++ {
		text += "word "
	}
	chunks := Chunk(text, 200, 50)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.NotEmpty(t, c)
	}
}

func TestChunkEmptyText(t *testing.T) {
	assert.Empty(t, Chunk("   ", 100, 10))
}

func TestContentHashNormalizesWhitespace(t *testing.T) {
	assert.Equal(t, ContentHash("a  b\tc"), ContentHash("a b c"))
	assert.NotEqual(t, ContentHash("a b c"), ContentHash("a B c"))
}
