// Package indicator turns valid comment anchors into margin markers, merging
// anchors that would render on top of each other into a single indicator.
package indicator

import (
	"hash/fnv"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AnchoredComment is the slice of a comment the clusterer needs: identity,
// author (for color assignment), and the anchor's character range.
type AnchoredComment struct {
	CommentID string
	AuthorID  string
	Start     int
	End       int
}

// Layout describes the rendered container at call time: the character offset
// where each visual line begins, the pixel height of a line, and how close
// two indicators may sit before they merge.
type Layout struct {
	LineStarts  []int   `json:"lineStarts"`
	LineHeight  float64 `json:"lineHeight"`
	MergeRadius float64 `json:"mergeRadius"`
}

// Indicator is a rendered margin marker covering one or more comments.
// Ephemeral: recomputed from current anchors and layout on every render.
type Indicator struct {
	Position   float64  `json:"position"`
	CommentIDs []string `json:"commentIds"`
	Colors     []string `json:"colors"`
}

// palette holds the deterministic author colors. The same author maps to the
// same entry across renders and sessions.
var palette = []string{
	"#2563eb", "#d97706", "#059669", "#dc2626", "#7c3aed",
	"#db2777", "#0891b2", "#65a30d", "#ea580c", "#475569",
}

// ColorFor returns the stable margin color for an author.
func ColorFor(authorID string) string {
	digest := fnv.New32a()
	_, _ = digest.Write([]byte(authorID))
	return palette[digest.Sum32()%uint32(len(palette))]
}

// Cluster computes indicators for the given anchored comments. The result is
// independent of input order: anchors are sorted by vertical position (ties
// by comment id) before adjacent or overlapping ones are merged.
func Cluster(comments []AnchoredComment, layout Layout) []Indicator {
	if len(comments) == 0 {
		return []Indicator{}
	}

	sorted := make([]AnchoredComment, len(comments))
	copy(sorted, comments)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].CommentID < sorted[j].CommentID
	})

	indicators := make([]Indicator, 0, len(sorted))
	var groupPos float64
	var groupMaxEnd int
	var group []AnchoredComment

	flush := func() {
		if len(group) == 0 {
			return
		}
		indicator := Indicator{Position: groupPos}
		seenColors := map[string]bool{}
		for _, member := range group {
			indicator.CommentIDs = append(indicator.CommentIDs, member.CommentID)
			color := ColorFor(member.AuthorID)
			if !seenColors[color] {
				seenColors[color] = true
				indicator.Colors = append(indicator.Colors, color)
			}
		}
		indicators = append(indicators, indicator)
		group = group[:0]
	}

	for _, comment := range sorted {
		position := layout.positionOf(comment.Start)
		overlaps := len(group) > 0 && comment.Start < groupMaxEnd
		adjacent := len(group) > 0 && position-groupPos <= layout.MergeRadius
		if !overlaps && !adjacent {
			flush()
			groupPos = position
			groupMaxEnd = comment.End
		}
		if comment.End > groupMaxEnd {
			groupMaxEnd = comment.End
		}
		group = append(group, comment)
	}
	flush()
	return indicators
}

// positionOf maps a character offset to an approximate vertical pixel
// position using the line starts known at render time.
func (l Layout) positionOf(offset int) float64 {
	line := sort.Search(len(l.LineStarts), func(i int) bool {
		return l.LineStarts[i] > offset
	}) - 1
	if line < 0 {
		line = 0
	}
	return float64(line) * l.LineHeight
}

// Clusterer wraps Cluster with a small memo keyed on the input tuple.
// Clustering is pure, so a cached result for identical anchors and layout is
// always current; anything else recomputes.
type Clusterer struct {
	cache *lru.Cache[uint64, []Indicator]
}

func NewClusterer() *Clusterer {
	cache, _ := lru.New[uint64, []Indicator](128)
	return &Clusterer{cache: cache}
}

func (c *Clusterer) Compute(comments []AnchoredComment, layout Layout) []Indicator {
	key := digest(comments, layout)
	if cached, ok := c.cache.Get(key); ok {
		return cached
	}
	result := Cluster(comments, layout)
	c.cache.Add(key, result)
	return result
}

func digest(comments []AnchoredComment, layout Layout) uint64 {
	sorted := make([]AnchoredComment, len(comments))
	copy(sorted, comments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CommentID < sorted[j].CommentID })

	hasher := fnv.New64a()
	writeInt := func(v int) {
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = hasher.Write(buf[:])
	}
	for _, comment := range sorted {
		_, _ = hasher.Write([]byte(comment.CommentID))
		_, _ = hasher.Write([]byte{0})
		_, _ = hasher.Write([]byte(comment.AuthorID))
		writeInt(comment.Start)
		writeInt(comment.End)
	}
	for _, start := range layout.LineStarts {
		writeInt(start)
	}
	writeInt(int(layout.LineHeight * 1000))
	writeInt(int(layout.MergeRadius * 1000))
	return hasher.Sum64()
}
