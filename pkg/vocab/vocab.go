// Package vocab implements key-normalization across pack vocabularies
// (spec.md C14): packs may declare overlapping synonym groups (e.g.
// "tool" and "function_calling"), and this registry decides, per a
// configurable CollisionStrategy, which value survives when two keys in
// the same group appear in one document.
//
// Grounded in original_source/.../tests/test_vocab_registry.py and
// test_vocab_collision.py (VocabRegistry.register_group,
// normalize_dict_keys, CollisionStrategy enum, the "COLLISION:" change-log
// entry, VocabKeyCollisionError). Keys are NFC-normalized and case-folded
// via golang.org/x/text when looked up in the synonym groups, so any
// encoding or case variant of a registered key maps to the same canonical
// key; a key outside every group is kept exactly as given.
package vocab

import (
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// CollisionStrategy selects how normalize_dict_keys resolves two keys in
// the same synonym group appearing in one document.
type CollisionStrategy int

const (
	// StrategyWarn logs the collision and keeps the first value — the
	// original's documented backward-compatible default.
	StrategyWarn CollisionStrategy = iota
	StrategyKeepFirst
	StrategyKeepLast
	StrategyRaise
	StrategyMergeList
)

// CollisionError reports that key collided with an existing entry in its
// synonym group under StrategyRaise.
type CollisionError struct {
	Key      string
	Existing any
	New      any
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("vocab: key %q collides within its synonym group", e.Key)
}

// Change is one normalization side-effect recorded for audit/debugging.
// Reason is "COLLISION: <detail>" for a collision, "RENAME: <from>-><to>"
// for a plain canonicalization, matching the original's (reason, detail)
// tuple shape.
type Change struct {
	Reason string
	Key    string
}

// OnCollision lets a caller supply a custom merge function instead of a
// built-in CollisionStrategy.
type OnCollision func(key string, existing, newValue any) any

// Registry tracks synonym groups and normalizes document keys against them.
type Registry struct {
	log    *slog.Logger
	groups map[string]string // normalized key -> canonical (first-registered) key
	caser  cases.Caser
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger used by StrategyWarn.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		groups: map[string]string{},
		caser:  cases.Fold(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// normalizeKey applies NFC normalization then Unicode case-folding so
// visually-identical keys collide regardless of source encoding or case.
func (r *Registry) normalizeKey(key string) string {
	return r.caser.String(norm.NFC.String(key))
}

// RegisterGroup declares that every key in keys is a synonym of the
// others: the first key in the slice becomes the canonical key for the
// whole group.
func (r *Registry) RegisterGroup(keys []string) {
	if len(keys) == 0 {
		return
	}
	canonical := keys[0]
	for _, k := range keys {
		r.groups[r.normalizeKey(k)] = canonical
	}
}

// canonicalOf returns the canonical key for key: either the registered
// synonym-group canonical, or key itself, unchanged, if it belongs to no
// group.
func (r *Registry) canonicalOf(key string) string {
	norm := r.normalizeKey(key)
	if canonical, ok := r.groups[norm]; ok {
		return canonical
	}
	return key
}

// NormalizeDictKeys rewrites data's keys to their synonym-group canonical
// form, resolving collisions (two or more original keys mapping to the
// same canonical key) per strategy. The zero value of CollisionStrategy is
// StrategyWarn, matching the original's "strategy=None" backward
// compatibility default. onCollision, if non-nil, overrides strategy
// entirely, mirroring the original's on_collision callback parameter.
// Keys are visited with keys already in canonical form first, then the
// rest in lexical order, so "first" and "last" do not depend on map order.
func (r *Registry) NormalizeDictKeys(data map[string]any, strategy CollisionStrategy, onCollision OnCollision) (map[string]any, []Change, error) {
	out := make(map[string]any, len(data))
	var changes []Change

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := r.canonicalOf(keys[i]) == keys[i], r.canonicalOf(keys[j]) == keys[j]
		if ci != cj {
			return ci
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		v := data[k]
		canonical := r.canonicalOf(k)
		if canonical != k {
			changes = append(changes, Change{Reason: fmt.Sprintf("RENAME: %s->%s", k, canonical), Key: canonical})
		}

		existing, collided := out[canonical]
		if !collided {
			out[canonical] = v
			continue
		}

		changes = append(changes, Change{Reason: fmt.Sprintf("COLLISION: %s", canonical), Key: canonical})

		if onCollision != nil {
			out[canonical] = onCollision(canonical, existing, v)
			continue
		}

		switch strategy {
		case StrategyKeepFirst, StrategyWarn:
			if strategy == StrategyWarn {
				r.log.Warn("vocab key collision, keeping first value", "key", canonical)
			}
			// keep existing
		case StrategyKeepLast:
			out[canonical] = v
		case StrategyRaise:
			return nil, nil, &CollisionError{Key: canonical, Existing: existing, New: v}
		case StrategyMergeList:
			out[canonical] = mergeAsList(existing, v)
		default:
			return nil, nil, fmt.Errorf("vocab: unknown collision strategy %v", strategy)
		}
	}

	return out, changes, nil
}

func mergeAsList(existing, newValue any) []any {
	if list, ok := existing.([]any); ok {
		return append(append([]any{}, list...), newValue)
	}
	return []any{existing, newValue}
}
