// Package anchor binds reader comments to spans of a document's plain text
// and keeps those bindings usable as the document is edited.
package anchor

import (
	"errors"
	"strings"
)

// ContextLen is the number of characters of surrounding context captured on
// each side of a selection. Context may be shorter near container boundaries.
const ContextLen = 40

// Descriptor is the durable record of a text selection: offsets into the
// container's flattened text, the exact selected substring, and bounded
// context used for relocation after edits.
type Descriptor struct {
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Text   string `json:"text"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

var (
	ErrCollapsedSelection = errors.New("anchor: selection is collapsed")
	ErrOutOfRange         = errors.New("anchor: selection outside container")
	ErrEmptySelection     = errors.New("anchor: selection has no text")
)

// Extract captures a Descriptor for the selection [start, end) within
// containerText. Offsets count characters (runes) in the flattened text, so
// they survive round trips through markup-aware renderers. Pure function.
func Extract(start, end int, containerText string) (Descriptor, error) {
	runes := []rune(containerText)
	if start == end {
		return Descriptor{}, ErrCollapsedSelection
	}
	if start < 0 || end > len(runes) || start > end {
		return Descriptor{}, ErrOutOfRange
	}
	text := string(runes[start:end])
	if strings.TrimSpace(text) == "" {
		return Descriptor{}, ErrEmptySelection
	}

	prefixStart := start - ContextLen
	if prefixStart < 0 {
		prefixStart = 0
	}
	suffixEnd := end + ContextLen
	if suffixEnd > len(runes) {
		suffixEnd = len(runes)
	}

	return Descriptor{
		Start:  start,
		End:    end,
		Text:   text,
		Prefix: string(runes[prefixStart:start]),
		Suffix: string(runes[end:suffixEnd]),
	}, nil
}
