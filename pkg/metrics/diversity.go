package metrics

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TagLookup maps an entity id to its tag. It is loaded once from durable
// storage by the caller and passed to the evaluation explicitly.
type TagLookup map[int]string

// ParseTagLookup decodes a JSON object of the form {"<entity id>": "<tag>"}.
func ParseTagLookup(data []byte) (TagLookup, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode tag lookup: %w", err)
	}
	tags := make(TagLookup, len(raw))
	for k, v := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid entity id %q in tag lookup: %w", k, err)
		}
		tags[id] = v
	}
	return tags, nil
}

// SameTag reports whether both entities are tagged and share the tag.
func (t TagLookup) SameTag(a, b int) bool {
	ta, ok := t[a]
	if !ok {
		return false
	}
	tb, ok := t[b]
	return ok && ta == tb
}

// SD is the structural diversity score: the fraction of (anchor, top-k
// prediction) pairs whose entities share a tag. The denominator is
// len(anchors) * k even when fewer than k predictions exist.
func SD(anchors, predicted []int, k int, tags TagLookup) float64 {
	all := len(anchors) * k
	if all <= 0 {
		return 0
	}
	top := topK(predicted, k)
	var cur int
	for _, a := range anchors {
		for _, p := range top {
			if tags.SameTag(a, p) {
				cur++
			}
		}
	}
	return float64(cur) / float64(all)
}
