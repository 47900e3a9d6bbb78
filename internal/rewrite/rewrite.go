// Package rewrite implements the topic-rewrite engine (GLOSSARY "Topic
// rewrite"; spec.md §3, §8 scenario 3, property P6): an ordered,
// last-matching-rule-wins regex substitution applied to a client's
// published topic or subscription filter.
//
// Grounded on original_source's topic_rewrite.rs: rules are evaluated
// in ascending timestamp order against the *original* input string;
// every rule whose source filter matches recomputes the candidate
// result (so the last match wins), and a filter match whose regex
// fails to capture leaves the input unchanged rather than aborting the
// scan — the next rule can still match and override it.
package rewrite

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/nimbusmq/broker/internal/model"
)

// Engine compiles and caches RewriteRule regexes; compiling on every
// call would be wasteful given rules are evaluated on every
// PUBLISH/SUBSCRIBE.
type Engine struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// New constructs an empty rewrite Engine.
func New() *Engine {
	return &Engine{cache: make(map[string]*regexp.Regexp)}
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.cache[pattern] = re
	return re, nil
}

// actionApplies reports whether rule.Action governs the given direction.
func actionApplies(ruleAction model.RewriteAction, direction model.RewriteAction) bool {
	return ruleAction == model.RewriteAll || ruleAction == direction
}

// Apply evaluates rules (assumed already sorted ascending by
// Timestamp — internal/cache.Manager.RewriteRules guarantees this) in
// order against name for the given direction (Publish or Subscribe),
// returning the rewritten name and whether any rule matched. When no
// rule's source filter matches name, it returns (name, false)
// unchanged.
func (e *Engine) Apply(rules []*model.RewriteRule, direction model.RewriteAction, name string) (string, bool) {
	result := ""
	matched := false
	for _, rule := range rules {
		if !actionApplies(rule.Action, direction) {
			continue
		}
		if !model.TopicFilterMatches(rule.SourceFilter, name) {
			continue
		}
		matched = true
		rewritten, err := e.substitute(name, rule.Regex, rule.DestTemplate)
		if err != nil {
			continue
		}
		result = rewritten
	}
	if !matched {
		return name, false
	}
	if result == "" {
		result = name
	}
	return result, true
}

// substitute runs pattern against input and fills dest's positional
// placeholders ($1..$9) with the regex's capture groups. If the regex
// does not match, input is returned unchanged (not an error): the
// calling rule is still considered "matched" by filter, it simply
// leaves the name untouched, matching original_source's behavior where
// a filter hit with a non-capturing regex is a no-op rewrite, not a
// rejection.
func (e *Engine) substitute(input, pattern, dest string) (string, error) {
	re, err := e.compile(pattern)
	if err != nil {
		return "", err
	}
	captures := re.FindStringSubmatch(input)
	if captures == nil {
		return input, nil
	}
	out := dest
	for i := 1; i < len(captures); i++ {
		placeholder := "$" + strconv.Itoa(i)
		out = strings.ReplaceAll(out, placeholder, captures[i])
	}
	return out, nil
}
