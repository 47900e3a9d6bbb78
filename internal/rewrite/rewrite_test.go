package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nimbusmq/broker/internal/model"
)

// scenario 3 from spec.md §8.
func TestApplyScenario3(t *testing.T) {
	rules := []*model.RewriteRule{
		{Action: model.RewriteAll, SourceFilter: "y/+/z/#", DestTemplate: "y/z/$2", Regex: `^y/(.+)/z/(.+)$`, Timestamp: 1},
		{Action: model.RewriteAll, SourceFilter: "x/#", DestTemplate: "z/y/x/$1", Regex: `^x/y/(.+)$`, Timestamp: 2},
		{Action: model.RewriteAll, SourceFilter: "x/y/+", DestTemplate: "z/y/$1", Regex: `^x/y/(\d+)$`, Timestamp: 3},
	}
	e := New()

	cases := map[string]string{
		"y/a/z/b": "y/z/b",
		"y/def":   "y/def",
		"x/1/2":   "x/1/2",
		"x/y/2":   "z/y/2",
		"x/y/z":   "x/y/z",
	}
	for in, want := range cases {
		got, _ := e.Apply(rules, model.RewriteSubscribe, in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestApplyNoMatch(t *testing.T) {
	e := New()
	got, matched := e.Apply(nil, model.RewritePublish, "a/b/c")
	assert.False(t, matched)
	assert.Equal(t, "a/b/c", got)
}

func TestApplyDirectionFilter(t *testing.T) {
	e := New()
	rules := []*model.RewriteRule{
		{Action: model.RewriteSubscribe, SourceFilter: "a/#", DestTemplate: "z/$1", Regex: `^a/(.+)$`, Timestamp: 1},
	}
	got, matched := e.Apply(rules, model.RewritePublish, "a/b")
	assert.False(t, matched)
	assert.Equal(t, "a/b", got)

	got, matched = e.Apply(rules, model.RewriteSubscribe, "a/b")
	assert.True(t, matched)
	assert.Equal(t, "z/b", got)
}
