package condition_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/condition"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

func sampleAttrs() map[string]map[string]any {
	return map[string]map[string]any{
		"image": {
			"type": "document-created",
			"data": map[string]any{
				"document": map[string]any{"type": "image/png", "size": 2048.0, "url": "s3://b/k.png"},
				"metadata": map[string]any{"language": "en", "score": 5.0, "tags": []any{"a", "b"}},
			},
		},
		"text": {
			"type": "document-deleted",
			"data": map[string]any{
				"document": map[string]any{"type": "text/plain", "size": 10.0, "url": "file:///tmp/a.txt"},
				"metadata": map[string]any{"language": "fr"},
			},
		},
		"json": {
			"type": "document-created",
			"data": map[string]any{
				"document": map[string]any{"type": "application/json", "size": 100.0},
				"metadata": map[string]any{"custom": map[string]any{"k": "v"}, "score": 11.0},
				"source":   map[string]any{"etag": "e1"},
			},
		},
		"empty": {},
	}
}

func TestNotTogglesNegation(t *testing.T) {
	once := condition.When("a").Not().Equals("x")
	twice := condition.When("a").Not().Not().Equals("x")

	assert.True(t, twice.Equal(condition.When("a").Equals("x")))
	assert.False(t, once.Equal(twice))
}

func TestNotBetweenFails(t *testing.T) {
	_, err := condition.When("a").Not().Between(1, 2)
	require.ErrorIs(t, err, condition.ErrNegatedBetween)

	c, err := condition.When("a").Not().Not().Between(1, 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": []any{map[string]any{"numeric": []any{">=", 1.0, "<=", 2.0}}},
	}, c.Value())

	_, err = condition.When("a").Between(3, 2)
	assert.Error(t, err)
}

func TestNewRejectsNegatedBetween(t *testing.T) {
	_, err := condition.New(condition.Clause{
		Subject:  "a",
		Negated:  true,
		Operator: condition.OpBetween,
		Operands: []any{1, 2},
	})
	assert.ErrorIs(t, err, condition.ErrNegatedBetween)
}

func TestNotIncludesUsesAnythingBut(t *testing.T) {
	c := condition.When("type").Not().Includes("a", "b")
	assert.Equal(t, map[string]any{
		"type": []any{map[string]any{"anything-but": []any{"a", "b"}}},
	}, c.Value())
}

func TestNotEqualsIsNegatedEquals(t *testing.T) {
	assert.True(t, condition.When("a").NotEquals("x").Equal(condition.When("a").Not().Equals("x")))
	assert.True(t, condition.When("a").Not().NotEquals("x").Equal(condition.When("a").Equals("x")))
}

func TestNegatedComparisonsInvert(t *testing.T) {
	tests := []struct {
		cond   *condition.Condition
		symbol string
	}{
		{condition.When("n").Not().Gt(1), "<="},
		{condition.When("n").Not().Gte(1), "<"},
		{condition.When("n").Not().Lt(1), ">="},
		{condition.When("n").Not().Lte(1), ">"},
	}
	for _, tt := range tests {
		got := tt.cond.Value()["n"].([]any)[0].(map[string]any)["numeric"].([]any)[0]
		assert.Equal(t, tt.symbol, got)
	}
}

func TestAndAccumulatesSamePath(t *testing.T) {
	c := condition.When("a.b").Equals("x").And(condition.When("a.b").Equals("y"), condition.When("a.c").Exists())
	assert.Equal(t, map[string]any{
		"a": map[string]any{
			"b": []any{"x", "y"},
			"c": []any{map[string]any{"exists": true}},
		},
	}, c.Value())
	assert.Len(t, c.Clauses(), 3)
	assert.Equal(t, []string{"a.b", "a.c"}, c.Paths())
}

func TestAndDoesNotMutateOperands(t *testing.T) {
	left := condition.When("a").Equals(1)
	_ = left.And(condition.When("a").Equals(2))
	assert.Len(t, left.Clauses(), 1)
	assert.Equal(t, []any{1.0}, left.Value()["a"])
}

func TestPathConflict(t *testing.T) {
	c := condition.When("a").Equals(1).And(condition.When("a.b").Equals(2))
	require.ErrorIs(t, c.Err(), condition.ErrPathConflict)

	_, err := c.MarshalJSON()
	assert.Error(t, err)
	assert.False(t, c.Match(map[string]any{"a": 1.0}))
	assert.False(t, c.Equal(c))
}

func TestEqualIsStructural(t *testing.T) {
	a := condition.When("x").Equals(1).And(condition.When("y").Exists())
	b := condition.When("y").Exists().And(condition.When("x").Equals(1.0))
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(condition.When("x").Equals(2)))
}

func TestEmptySubject(t *testing.T) {
	assert.ErrorIs(t, condition.When("").Equals(1).Err(), condition.ErrEmptySubject)
	assert.Error(t, condition.When("a..b").Equals(1).Err())
}

func TestNonScalarOperand(t *testing.T) {
	assert.Error(t, condition.When("a").Equals(map[string]any{"k": 1}).Err())
	assert.Error(t, condition.When("a").Includes().Err())
}

func TestMatch(t *testing.T) {
	samples := sampleAttrs()
	score, err := condition.When("data.metadata.score").Between(0, 10)
	require.NoError(t, err)

	tests := []struct {
		name   string
		cond   *condition.Condition
		sample string
		want   bool
	}{
		{"includes hit", condition.When("data.document.type").Includes("image/png", "image/jpeg"), "image", true},
		{"includes miss", condition.When("data.document.type").Includes("image/png", "image/jpeg"), "text", false},
		{"not equals present", condition.When("data.metadata.language").Not().Equals("fr"), "image", true},
		{"not equals same", condition.When("data.metadata.language").Not().Equals("fr"), "text", false},
		{"not equals absent", condition.When("data.metadata.language").Not().Equals("fr"), "empty", false},
		{"between inside", score, "image", true},
		{"between outside", score, "json", false},
		{"between absent", score, "text", false},
		{"gt", condition.When("data.document.size").Gt(1024), "image", true},
		{"not gt", condition.When("data.document.size").Not().Gt(1024), "text", true},
		{"lte boundary", condition.When("data.document.size").Lte(100), "json", true},
		{"exists", condition.When("data.metadata.custom").Exists(), "json", true},
		{"not exists", condition.When("data.metadata.language").Not().Exists(), "empty", true},
		{"not exists present", condition.When("data.metadata.language").Not().Exists(), "image", false},
		{"array any element", condition.When("data.metadata.tags").Includes("b"), "image", true},
		{"array anything-but", condition.When("data.metadata.tags").Not().Includes("b", "c"), "image", false},
		{"prefix", condition.When("data.document.type").StartsWith("image/"), "image", true},
		{"not prefix", condition.When("data.document.type").Not().StartsWith("text/"), "text", false},
		{"not prefix other", condition.When("data.document.type").Not().StartsWith("text/"), "json", true},
		{"number is not string", condition.When("data.document.size").Equals("2048"), "image", false},
		{"conjunction", condition.When("type").Equals("document-created").
			And(condition.When("data.document.type").StartsWith("application/")), "json", true},
		{"conjunction one side fails", condition.When("type").Equals("document-deleted").
			And(condition.When("data.document.type").StartsWith("application/")), "json", false},
		{"union on same path", condition.When("data.document.type").Equals("text/plain").
			And(condition.When("data.document.type").StartsWith("image/")), "image", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Match(samples[tt.sample]))
		})
	}
}

func TestMatchNormalizesStrings(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	assert.True(t, condition.When("name").Equals(composed).Match(map[string]any{"name": decomposed}))
	assert.True(t, condition.When("name").StartsWith(decomposed).Match(map[string]any{"name": composed + " noir"}))
}

func TestNilConditionMatchesEverything(t *testing.T) {
	var c *condition.Condition
	assert.True(t, c.Match(nil))
	assert.True(t, c.MatchEvent(event.New(event.DocumentCreated, event.Document{URL: "s3://b/k"})))
}

func TestMatchEvent(t *testing.T) {
	evt := event.New(event.DocumentCreated, event.Document{URL: "s3://b/k.json", Type: "application/json", Size: 300})

	c := condition.When("type").Equals("document-created").
		And(condition.When("data.document.type").Equals("application/json"),
			condition.When("data.document.size").Gt(200))
	assert.True(t, c.MatchEvent(evt))
	assert.False(t, condition.When("data.document.type").StartsWith("image/").MatchEvent(evt))
}

func TestRoundTripEvaluatesIdentically(t *testing.T) {
	between, err := condition.When("data.metadata.score").Between(0, 10)
	require.NoError(t, err)

	battery := []*condition.Condition{
		condition.When("data.document.type").Includes("image/png", "image/jpeg"),
		condition.When("data.metadata.language").Not().Equals("fr"),
		between,
		condition.When("data.document.size").Not().Gt(100),
		condition.When("data.metadata.custom").Exists(),
		condition.When("data.source.etag").Not().Exists(),
		condition.When("data.document.type").StartsWith("image/"),
		condition.When("data.document.type").Not().StartsWith("text/"),
		condition.When("type").Not().Includes("document-deleted", "document-archived"),
		condition.When("data.metadata.tags").Includes("b"),
		condition.When("data.document.size").Gte(100).And(
			condition.When("data.document.size").Lt(4096),
			condition.When("type").NotEquals("document-deleted"),
		),
	}

	for i, c := range battery {
		data, err := json.Marshal(c)
		require.NoError(t, err, "condition %d", i)

		parsed, err := condition.Parse(data)
		require.NoError(t, err, "condition %d", i)
		assert.True(t, c.Equal(parsed), "condition %d: %s vs %s", i, c, parsed)

		for name, attrs := range sampleAttrs() {
			assert.Equal(t, c.Match(attrs), parsed.Match(attrs), "condition %d on %s", i, name)
		}
	}
}

func TestParse(t *testing.T) {
	c, err := condition.Parse([]byte(`{
		"type": ["document-created"],
		"data": {
			"document": {"size": [{"numeric": [">", 0, "<", 10]}]},
			"metadata": {"language": [{"anything-but": "fr"}]}
		}
	}`))
	require.NoError(t, err)

	ops := map[condition.Operator]bool{}
	for _, cl := range c.Clauses() {
		ops[cl.Operator] = true
	}
	assert.True(t, ops[condition.OpRange])
	assert.True(t, ops[condition.OpEquals])

	assert.True(t, c.Match(map[string]any{
		"type": "document-created",
		"data": map[string]any{
			"document": map[string]any{"size": 5.0},
			"metadata": map[string]any{"language": "en"},
		},
	}))
	assert.False(t, c.Match(map[string]any{
		"type": "document-created",
		"data": map[string]any{
			"document": map[string]any{"size": 10.0},
			"metadata": map[string]any{"language": "en"},
		},
	}))
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"scalar leaf", `{"a": "x"}`},
		{"empty array", `{"a": []}`},
		{"unknown operator", `{"a": [{"suffix": ".png"}]}`},
		{"two keys", `{"a": [{"prefix": "x", "exists": true}]}`},
		{"bad numeric", `{"a": [{"numeric": ["<", 1, ">", 0]}]}`},
		{"nested literal", `{"a": [{"k": 1, "j": 2}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := condition.Parse([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestFromMapYAML(t *testing.T) {
	src := `
data:
  document:
    type: ["image/png", {prefix: "video/"}]
    size: [{numeric: [">=", 1, "<=", 1024]}]
`
	var m map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(src), &m))

	c, err := condition.FromMap(m)
	require.NoError(t, err)

	size, err := condition.When("data.document.size").Between(1, 1024)
	require.NoError(t, err)
	want := condition.When("data.document.type").Equals("image/png").
		And(condition.When("data.document.type").StartsWith("video/"), size)
	assert.True(t, c.Equal(want), "got %s", c)
}

func TestUnmarshalJSONField(t *testing.T) {
	var cfg struct {
		Filter *condition.Condition `json:"filter"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"filter": {"type": ["document-created"]}}`), &cfg))
	assert.True(t, cfg.Filter.Equal(condition.When("type").Equals("document-created")))
}
