package app

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"tribute/api/internal/anchor"
	"tribute/api/internal/config"
	"tribute/api/internal/indicator"
	"tribute/api/internal/invalidate"
	"tribute/api/internal/rbac"
	"tribute/api/internal/store"
	"tribute/api/internal/util"
)

const maxCommentLen = 2000

// Actor is the caller identity resolved by the platform's external identity
// provider. The service only interprets it relative to a document.
type Actor struct {
	ID   string
	Name string
}

type CreateDocumentInput struct {
	Title             string `json:"title"`
	Content           string `json:"content"`
	CommentingEnabled *bool  `json:"commentingEnabled"`
}

type CreateCommentInput struct {
	Content  string             `json:"content"`
	ParentID *string            `json:"parentId"`
	Anchor   *anchor.Descriptor `json:"anchor"`
}

// statusTransitions is the moderation state machine. Anything not listed,
// including self-transitions, is a validation error.
var statusTransitions = map[string][]string{
	store.StatusPending:  {store.StatusApproved, store.StatusDenied},
	store.StatusApproved: {store.StatusResolved},
	store.StatusDenied:   {store.StatusPending},
	store.StatusResolved: {store.StatusPending},
}

type dataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, store.DocumentKey) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	UpdateDocumentContent(context.Context, store.DocumentKey, string) (bool, error)
	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, store.DocumentKey, string) (store.Comment, error)
	ListComments(context.Context, store.DocumentKey) ([]store.Comment, error)
	ListAnchoredComments(context.Context, store.DocumentKey) ([]store.Comment, error)
	UpdateCommentContent(context.Context, store.DocumentKey, string, string, string) (bool, error)
	DeleteComment(context.Context, store.DocumentKey, string, string) (bool, error)
	UpdateCommentStatus(context.Context, store.DocumentKey, string, string, string) (bool, error)
	UpdateAnchorStatus(context.Context, store.DocumentKey, string, string) (bool, error)
	UpdateAnchorPosition(context.Context, store.DocumentKey, string, int, int, bool) error
	BulkResolveComments(context.Context, store.DocumentKey, []string) ([]string, error)
	Ping(ctx context.Context) error
}

type reviser interface {
	Revise(ctx context.Context, feedbackContext, content string) (string, error)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	invalidator invalidate.Publisher
	generator   reviser
	clusterer   *indicator.Clusterer
}

func New(cfg config.Config, dataStore *store.PostgresStore, invalidator invalidate.Publisher, generator reviser) *Service {
	if invalidator == nil {
		invalidator = invalidate.Noop{}
	}
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		invalidator: invalidator,
		generator:   generator,
		clusterer:   indicator.NewClusterer(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// roleFor derives the caller's role relative to one document. Ownership wins;
// everyone else is a commenter while commenting is enabled, a viewer after.
func roleFor(doc store.Document, actor Actor) rbac.Role {
	if actor.ID != "" && actor.ID == doc.OwnerID {
		return rbac.RoleOwner
	}
	if doc.CommentingEnabled {
		return rbac.RoleCommenter
	}
	return rbac.RoleViewer
}

func (s *Service) CreateDocument(ctx context.Context, actor Actor, input CreateDocumentInput) (store.Document, error) {
	if actor.ID == "" {
		return store.Document{}, domainError(http.StatusForbidden, "FORBIDDEN", "an owner identity is required", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "Untitled"
	}
	commentingEnabled := true
	if input.CommentingEnabled != nil {
		commentingEnabled = *input.CommentingEnabled
	}
	doc := store.Document{
		ID:                util.NewID("doc"),
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
		Title:             title,
		Content:           input.Content,
		OwnerID:           actor.ID,
		OwnerName:         actor.Name,
		CommentingEnabled: commentingEnabled,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, key store.DocumentKey) (store.Document, error) {
	return s.store.GetDocument(ctx, key)
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

// RelocationOutcome reports where one anchored comment landed after a content
// update.
type RelocationOutcome struct {
	CommentID string `json:"commentId"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Valid     bool   `json:"valid"`
}

// UpdateDocumentContent commits new markdown for a document and then rebinds
// every anchored comment against the committed text. Relocation reads the
// content that was just written, never the caller's draft, so a concurrent
// writer cannot leave anchors pointing at text that lost the race.
func (s *Service) UpdateDocumentContent(ctx context.Context, actor Actor, key store.DocumentKey, content string) (store.Document, []RelocationOutcome, error) {
	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return store.Document{}, nil, err
	}
	if !rbac.Can(roleFor(doc, actor), rbac.ActionModerate) {
		return store.Document{}, nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the document owner can edit content", nil)
	}

	changed, err := s.store.UpdateDocumentContent(ctx, key, content)
	if err != nil {
		return store.Document{}, nil, err
	}
	if !changed {
		return store.Document{}, nil, domainError(http.StatusNotFound, "NOT_FOUND", "document not found", nil)
	}

	updated, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return store.Document{}, nil, err
	}
	outcomes, err := s.relocateAnchors(ctx, key, updated.Content)
	if err != nil {
		return store.Document{}, nil, err
	}

	s.publishChanged(ctx, key.ID)
	return updated, outcomes, nil
}

// publishChanged emits an invalidation event for a document. It is called
// after every successful mutation that changes what a rendered page shows.
// Stale cached pages self-heal on their next revalidation, so a publish
// failure never fails the mutation that triggered it.
func (s *Service) publishChanged(ctx context.Context, documentID string) {
	_ = s.invalidator.DocumentChanged(ctx, documentID)
}

func (s *Service) relocateAnchors(ctx context.Context, key store.DocumentKey, content string) ([]RelocationOutcome, error) {
	flattened := anchor.Flatten(content)
	anchored, err := s.store.ListAnchoredComments(ctx, key)
	if err != nil {
		return nil, err
	}
	outcomes := make([]RelocationOutcome, 0, len(anchored))
	for _, comment := range anchored {
		descriptor := anchor.Descriptor{
			Start:  comment.Anchor.Start,
			End:    comment.Anchor.End,
			Text:   comment.Anchor.Text,
			Prefix: comment.Anchor.Prefix,
			Suffix: comment.Anchor.Suffix,
		}
		result := anchor.Relocate(descriptor, flattened)
		if err := s.store.UpdateAnchorPosition(ctx, key, comment.ID, result.Start, result.End, result.Valid); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, RelocationOutcome{
			CommentID: comment.ID,
			Start:     result.Start,
			End:       result.End,
			Valid:     result.Valid,
		})
	}
	return outcomes, nil
}

func (s *Service) CreateComment(ctx context.Context, actor Actor, key store.DocumentKey, input CreateCommentInput) (store.Comment, error) {
	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return store.Comment{}, err
	}
	if actor.ID == "" || !rbac.Can(roleFor(doc, actor), rbac.ActionComment) {
		return store.Comment{}, domainError(http.StatusForbidden, "FORBIDDEN", "commenting is not available for this participant", nil)
	}

	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if len([]rune(content)) > maxCommentLen {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content exceeds the maximum comment length", nil)
	}

	var parentID *string
	if input.ParentID != nil && strings.TrimSpace(*input.ParentID) != "" {
		if input.Anchor != nil {
			return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "replies cannot carry an anchor", nil)
		}
		parent, err := s.store.GetComment(ctx, key, strings.TrimSpace(*input.ParentID))
		if err != nil {
			return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent comment not found in this document", nil)
		}
		if parent.ParentID != nil {
			return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "replies cannot nest below one level", nil)
		}
		id := parent.ID
		parentID = &id
	}

	var anchorRecord *store.Anchor
	if input.Anchor != nil {
		if err := validateAnchor(*input.Anchor); err != nil {
			return store.Comment{}, err
		}
		anchorRecord = &store.Anchor{
			Start:  input.Anchor.Start,
			End:    input.Anchor.End,
			Text:   input.Anchor.Text,
			Prefix: input.Anchor.Prefix,
			Suffix: input.Anchor.Suffix,
			Valid:  true,
			Status: store.AnchorApproved,
		}
	}

	now := time.Now().UTC()
	comment := store.Comment{
		ID:                util.NewID("cmt"),
		DocumentID:        key.ID,
		DocumentCreatedAt: key.CreatedAt,
		AuthorID:          actor.ID,
		AuthorName:        actor.Name,
		Content:           content,
		ParentID:          parentID,
		Status:            store.StatusPending,
		Anchor:            anchorRecord,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	s.publishChanged(ctx, key.ID)
	return comment, nil
}

func validateAnchor(d anchor.Descriptor) error {
	if d.Start < 0 || d.End <= d.Start {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchor offsets must satisfy 0 <= start < end", nil)
	}
	if strings.TrimSpace(d.Text) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchor text is required", nil)
	}
	if len([]rune(d.Text)) != d.End-d.Start {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchor text length does not match its offsets", nil)
	}
	return nil
}

func (s *Service) ListComments(ctx context.Context, actor Actor, key store.DocumentKey) ([]store.Comment, error) {
	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(roleFor(doc, actor), rbac.ActionRead) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.ListComments(ctx, key)
}

// EditComment changes a comment body. Only the author may edit, and only while
// moderation has not picked the comment up.
func (s *Service) EditComment(ctx context.Context, actor Actor, key store.DocumentKey, commentID, content string) (store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if len([]rune(content)) > maxCommentLen {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content exceeds the maximum comment length", nil)
	}

	comment, err := s.store.GetComment(ctx, key, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.AuthorID != actor.ID {
		return store.Comment{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the author can edit a comment", nil)
	}
	if comment.Status != store.StatusPending {
		return store.Comment{}, domainError(http.StatusForbidden, "FORBIDDEN", "only pending comments can be edited", nil)
	}
	changed, err := s.store.UpdateCommentContent(ctx, key, commentID, actor.ID, content)
	if err != nil {
		return store.Comment{}, err
	}
	if !changed {
		// The comment was pending when we looked; moderation beat us to it.
		return store.Comment{}, domainError(http.StatusConflict, "STATE_CHANGED", "comment is no longer editable", nil)
	}
	s.publishChanged(ctx, key.ID)
	return s.store.GetComment(ctx, key, commentID)
}

func (s *Service) DeleteComment(ctx context.Context, actor Actor, key store.DocumentKey, commentID string) error {
	comment, err := s.store.GetComment(ctx, key, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != actor.ID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only the author can delete a comment", nil)
	}
	if comment.Status != store.StatusPending {
		return domainError(http.StatusForbidden, "FORBIDDEN", "only pending comments can be deleted", nil)
	}
	changed, err := s.store.DeleteComment(ctx, key, commentID, actor.ID)
	if err != nil {
		return err
	}
	if !changed {
		return domainError(http.StatusConflict, "STATE_CHANGED", "comment is no longer deletable", nil)
	}
	s.publishChanged(ctx, key.ID)
	return nil
}

// TransitionStatus moves a comment through the moderation lifecycle. The
// transition is validated against the comment's current status and then
// asserted again in the store, so a moderator acting on a stale view gets a
// conflict instead of a silent double-apply.
func (s *Service) TransitionStatus(ctx context.Context, actor Actor, key store.DocumentKey, commentID, toStatus string) (store.Comment, error) {
	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return store.Comment{}, err
	}
	if !rbac.Can(roleFor(doc, actor), rbac.ActionModerate) {
		return store.Comment{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the document owner can moderate comments", nil)
	}

	comment, err := s.store.GetComment(ctx, key, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if !transitionAllowed(comment.Status, toStatus) {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "transition from "+comment.Status+" to "+toStatus+" is not allowed", map[string]any{
			"from": comment.Status,
			"to":   toStatus,
		})
	}
	changed, err := s.store.UpdateCommentStatus(ctx, key, commentID, comment.Status, toStatus)
	if err != nil {
		return store.Comment{}, err
	}
	if !changed {
		return store.Comment{}, domainError(http.StatusConflict, "STATE_CHANGED", "comment status changed concurrently", nil)
	}
	s.publishChanged(ctx, key.ID)
	return s.store.GetComment(ctx, key, commentID)
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionAnchorStatus moderates the anchor independently of the comment:
// a denied anchor hides the margin indicator while the comment stays in its
// own lifecycle.
func (s *Service) TransitionAnchorStatus(ctx context.Context, actor Actor, key store.DocumentKey, commentID, anchorStatus string) (store.Comment, error) {
	if anchorStatus != store.AnchorApproved && anchorStatus != store.AnchorDenied {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchor status must be approved or denied", nil)
	}
	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return store.Comment{}, err
	}
	if !rbac.Can(roleFor(doc, actor), rbac.ActionModerate) {
		return store.Comment{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the document owner can moderate anchors", nil)
	}
	comment, err := s.store.GetComment(ctx, key, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.Anchor == nil {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "comment has no anchor", nil)
	}
	changed, err := s.store.UpdateAnchorStatus(ctx, key, commentID, anchorStatus)
	if err != nil {
		return store.Comment{}, err
	}
	if !changed {
		return store.Comment{}, domainError(http.StatusConflict, "STATE_CHANGED", "comment changed concurrently", nil)
	}
	s.publishChanged(ctx, key.ID)
	return s.store.GetComment(ctx, key, commentID)
}

type BulkResolveResult struct {
	ResolvedIDs []string `json:"resolvedIds"`
	SkippedIDs  []string `json:"skippedIds"`
}

// BulkResolve resolves the approved subset of the given comment ids. Ids that
// are missing or not approved are reported as skipped, never as errors.
func (s *Service) BulkResolve(ctx context.Context, actor Actor, key store.DocumentKey, commentIDs []string) (BulkResolveResult, error) {
	doc, err := s.store.GetDocument(ctx, key)
	if err != nil {
		return BulkResolveResult{}, err
	}
	if !rbac.Can(roleFor(doc, actor), rbac.ActionModerate) {
		return BulkResolveResult{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the document owner can resolve comments", nil)
	}

	unique := make([]string, 0, len(commentIDs))
	seen := make(map[string]struct{}, len(commentIDs))
	for _, id := range commentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	resolved, err := s.store.BulkResolveComments(ctx, key, unique)
	if err != nil {
		return BulkResolveResult{}, err
	}
	resolvedSet := make(map[string]struct{}, len(resolved))
	for _, id := range resolved {
		resolvedSet[id] = struct{}{}
	}
	skipped := make([]string, 0)
	for _, id := range unique {
		if _, ok := resolvedSet[id]; !ok {
			skipped = append(skipped, id)
		}
	}
	if len(resolved) > 0 {
		s.publishChanged(ctx, key.ID)
	}
	return BulkResolveResult{ResolvedIDs: resolved, SkippedIDs: skipped}, nil
}

// ExtractAnchor captures an anchor descriptor for a selection, mapping
// extraction failures onto the validation error code.
func (s *Service) ExtractAnchor(start, end int, containerText string) (anchor.Descriptor, error) {
	descriptor, err := anchor.Extract(start, end, containerText)
	if err != nil {
		return anchor.Descriptor{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return descriptor, nil
}

func (s *Service) RelocateAnchor(descriptor anchor.Descriptor, currentText string) anchor.Result {
	return anchor.Relocate(descriptor, currentText)
}

// ComputeIndicators builds margin indicators for a document's live anchors.
// Denied and resolved comments and denied anchors are out of the margin, as
// are anchors that failed their last relocation.
func (s *Service) ComputeIndicators(ctx context.Context, key store.DocumentKey, layout indicator.Layout) ([]indicator.Indicator, error) {
	anchored, err := s.store.ListAnchoredComments(ctx, key)
	if err != nil {
		return nil, err
	}
	visible := make([]indicator.AnchoredComment, 0, len(anchored))
	for _, comment := range anchored {
		if !comment.Anchor.Valid || comment.Anchor.Status == store.AnchorDenied {
			continue
		}
		if comment.Status == store.StatusDenied || comment.Status == store.StatusResolved {
			continue
		}
		visible = append(visible, indicator.AnchoredComment{
			CommentID: comment.ID,
			AuthorID:  comment.AuthorID,
			Start:     comment.Anchor.Start,
			End:       comment.Anchor.End,
		})
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].CommentID < visible[j].CommentID })
	return s.clusterer.Compute(visible, layout), nil
}
