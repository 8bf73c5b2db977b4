package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tribute/api/internal/store"
)

// FormatApprovedCommentsForGeneration renders the document's approved feedback
// as a plain-text block for the generation provider. Anchored comments come
// first, each quoting the text it targets with its character range, followed
// by general comments. Approved replies are inlined under their parent in
// creation order. Nothing outside the approved status is included.
func (s *Service) FormatApprovedCommentsForGeneration(ctx context.Context, key store.DocumentKey) (string, error) {
	comments, err := s.store.ListComments(ctx, key)
	if err != nil {
		return "", err
	}
	return formatGenerationContext(comments), nil
}

func formatGenerationContext(comments []store.Comment) string {
	repliesByParent := make(map[string][]store.Comment)
	var anchored, general []store.Comment
	for _, comment := range comments {
		if comment.Status != store.StatusApproved {
			continue
		}
		if comment.ParentID != nil {
			repliesByParent[*comment.ParentID] = append(repliesByParent[*comment.ParentID], comment)
			continue
		}
		if comment.Anchor != nil {
			anchored = append(anchored, comment)
		} else {
			general = append(general, comment)
		}
	}

	sort.SliceStable(anchored, func(i, j int) bool {
		if anchored[i].Anchor.Start != anchored[j].Anchor.Start {
			return anchored[i].Anchor.Start < anchored[j].Anchor.Start
		}
		return anchored[i].CreatedAt.Before(anchored[j].CreatedAt)
	})

	var b strings.Builder
	if len(anchored) > 0 {
		b.WriteString("Feedback on specific passages:\n")
		for _, comment := range anchored {
			fmt.Fprintf(&b, "- On %q (characters %d-%d), %s: %s\n",
				comment.Anchor.Text, comment.Anchor.Start, comment.Anchor.End,
				authorLabel(comment), comment.Content)
			writeReplies(&b, repliesByParent[comment.ID])
		}
	}
	if len(general) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("General feedback:\n")
		for _, comment := range general {
			fmt.Fprintf(&b, "- %s: %s\n", authorLabel(comment), comment.Content)
			writeReplies(&b, repliesByParent[comment.ID])
		}
	}
	return b.String()
}

func writeReplies(b *strings.Builder, replies []store.Comment) {
	// ListComments already orders by creation time, which carries through the
	// grouping above.
	for _, reply := range replies {
		fmt.Fprintf(b, "  - %s replied: %s\n", authorLabel(reply), reply.Content)
	}
}

func authorLabel(comment store.Comment) string {
	if strings.TrimSpace(comment.AuthorName) != "" {
		return comment.AuthorName
	}
	return comment.AuthorID
}
