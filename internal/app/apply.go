package app

import (
	"context"
	"net/http"
	"strings"

	"tribute/api/internal/rbac"
	"tribute/api/internal/store"
)

const (
	ApplyStatusSuccess = "success"
	ApplyStatusPartial = "partial"
)

// ApplyResult reports the outcome of an apply-then-resolve step. Partial
// means the content was committed but some comments could not be resolved;
// the content is never rolled back for a resolution shortfall.
type ApplyResult struct {
	Status        string              `json:"status"`
	Content       string              `json:"content"`
	ResolvedIDs   []string            `json:"resolvedIds"`
	UnresolvedIDs []string            `json:"unresolvedIds"`
	Relocations   []RelocationOutcome `json:"relocations"`
}

// ApplyGeneratedContentAndResolve commits provider-revised content and then
// resolves the comments the revision addressed. The two steps are deliberately
// not transactional: a failed commit leaves every comment untouched, and a
// failed or short resolution keeps the committed content and surfaces the
// leftover ids for manual moderation.
func (s *Service) ApplyGeneratedContentAndResolve(ctx context.Context, actor Actor, key store.DocumentKey, content string, commentIDs []string) (ApplyResult, error) {
	if strings.TrimSpace(content) == "" {
		return ApplyResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}

	updated, relocations, err := s.UpdateDocumentContent(ctx, actor, key, content)
	if err != nil {
		return ApplyResult{}, err
	}

	result := ApplyResult{
		Status:        ApplyStatusSuccess,
		Content:       updated.Content,
		ResolvedIDs:   []string{},
		UnresolvedIDs: []string{},
		Relocations:   relocations,
	}
	if len(commentIDs) == 0 {
		return result, nil
	}

	resolution, err := s.BulkResolve(ctx, actor, key, commentIDs)
	if err != nil {
		result.Status = ApplyStatusPartial
		result.UnresolvedIDs = append(result.UnresolvedIDs, commentIDs...)
		return result, nil
	}
	result.ResolvedIDs = resolution.ResolvedIDs
	result.UnresolvedIDs = resolution.SkippedIDs
	if len(resolution.SkippedIDs) > 0 {
		result.Status = ApplyStatusPartial
	}
	return result, nil
}

// GenerateAndApply runs the full feedback loop: format the approved comments,
// ask the generation provider for a revision of the current content, commit
// it, and resolve the comments that went into the prompt.
func (s *Service) GenerateAndApply(ctx context.Context, actor Actor, key store.DocumentKey) (ApplyResult, error) {
	if s.generator == nil {
		return ApplyResult{}, domainError(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "generation provider not configured", nil)
	}

	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return ApplyResult{}, err
	}
	if !rbac.Can(roleFor(doc, actor), rbac.ActionModerate) {
		return ApplyResult{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the document owner can apply generated content", nil)
	}

	feedback, err := s.FormatApprovedCommentsForGeneration(ctx, key)
	if err != nil {
		return ApplyResult{}, err
	}
	if strings.TrimSpace(feedback) == "" {
		return ApplyResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no approved feedback to apply", nil)
	}

	revised, err := s.generator.Revise(ctx, feedback, doc.Content)
	if err != nil {
		return ApplyResult{}, domainError(http.StatusBadGateway, "GENERATION_FAILED", "generation provider request failed", nil)
	}

	approvedIDs, err := s.approvedCommentIDs(ctx, key)
	if err != nil {
		return ApplyResult{}, err
	}
	return s.ApplyGeneratedContentAndResolve(ctx, actor, key, revised, approvedIDs)
}

func (s *Service) approvedCommentIDs(ctx context.Context, key store.DocumentKey) ([]string, error) {
	comments, err := s.store.ListComments(ctx, key)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(comments))
	for _, comment := range comments {
		if comment.Status == store.StatusApproved && comment.ParentID == nil {
			ids = append(ids, comment.ID)
		}
	}
	return ids, nil
}
