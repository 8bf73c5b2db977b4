package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tribute/api/internal/anchor"
	"tribute/api/internal/indicator"
	"tribute/api/internal/invalidate"
	"tribute/api/internal/store"
)

type fakeStore struct {
	insertDocument        func(context.Context, store.Document) error
	getDocument           func(context.Context, store.DocumentKey) (store.Document, error)
	listDocuments         func(context.Context) ([]store.Document, error)
	updateDocumentContent func(context.Context, store.DocumentKey, string) (bool, error)
	insertComment         func(context.Context, store.Comment) error
	getComment            func(context.Context, store.DocumentKey, string) (store.Comment, error)
	listComments          func(context.Context, store.DocumentKey) ([]store.Comment, error)
	listAnchoredComments  func(context.Context, store.DocumentKey) ([]store.Comment, error)
	updateCommentContent  func(context.Context, store.DocumentKey, string, string, string) (bool, error)
	deleteComment         func(context.Context, store.DocumentKey, string, string) (bool, error)
	updateCommentStatus   func(context.Context, store.DocumentKey, string, string, string) (bool, error)
	updateAnchorStatus    func(context.Context, store.DocumentKey, string, string) (bool, error)
	updateAnchorPosition  func(context.Context, store.DocumentKey, string, int, int, bool) error
	bulkResolveComments   func(context.Context, store.DocumentKey, []string) ([]string, error)
	ping                  func(context.Context) error
}

func (f *fakeStore) InsertDocument(ctx context.Context, doc store.Document) error {
	if f.insertDocument == nil {
		return nil
	}
	return f.insertDocument(ctx, doc)
}

func (f *fakeStore) GetDocument(ctx context.Context, key store.DocumentKey) (store.Document, error) {
	if f.getDocument == nil {
		return store.Document{}, errors.New("getDocument not stubbed")
	}
	return f.getDocument(ctx, key)
}

func (f *fakeStore) ListDocuments(ctx context.Context) ([]store.Document, error) {
	if f.listDocuments == nil {
		return nil, nil
	}
	return f.listDocuments(ctx)
}

func (f *fakeStore) UpdateDocumentContent(ctx context.Context, key store.DocumentKey, content string) (bool, error) {
	if f.updateDocumentContent == nil {
		return true, nil
	}
	return f.updateDocumentContent(ctx, key, content)
}

func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) error {
	if f.insertComment == nil {
		return nil
	}
	return f.insertComment(ctx, comment)
}

func (f *fakeStore) GetComment(ctx context.Context, key store.DocumentKey, commentID string) (store.Comment, error) {
	if f.getComment == nil {
		return store.Comment{}, errors.New("getComment not stubbed")
	}
	return f.getComment(ctx, key, commentID)
}

func (f *fakeStore) ListComments(ctx context.Context, key store.DocumentKey) ([]store.Comment, error) {
	if f.listComments == nil {
		return nil, nil
	}
	return f.listComments(ctx, key)
}

func (f *fakeStore) ListAnchoredComments(ctx context.Context, key store.DocumentKey) ([]store.Comment, error) {
	if f.listAnchoredComments == nil {
		return nil, nil
	}
	return f.listAnchoredComments(ctx, key)
}

func (f *fakeStore) UpdateCommentContent(ctx context.Context, key store.DocumentKey, commentID, authorID, content string) (bool, error) {
	if f.updateCommentContent == nil {
		return true, nil
	}
	return f.updateCommentContent(ctx, key, commentID, authorID, content)
}

func (f *fakeStore) DeleteComment(ctx context.Context, key store.DocumentKey, commentID, authorID string) (bool, error) {
	if f.deleteComment == nil {
		return true, nil
	}
	return f.deleteComment(ctx, key, commentID, authorID)
}

func (f *fakeStore) UpdateCommentStatus(ctx context.Context, key store.DocumentKey, commentID, fromStatus, toStatus string) (bool, error) {
	if f.updateCommentStatus == nil {
		return true, nil
	}
	return f.updateCommentStatus(ctx, key, commentID, fromStatus, toStatus)
}

func (f *fakeStore) UpdateAnchorStatus(ctx context.Context, key store.DocumentKey, commentID, anchorStatus string) (bool, error) {
	if f.updateAnchorStatus == nil {
		return true, nil
	}
	return f.updateAnchorStatus(ctx, key, commentID, anchorStatus)
}

func (f *fakeStore) UpdateAnchorPosition(ctx context.Context, key store.DocumentKey, commentID string, start, end int, valid bool) error {
	if f.updateAnchorPosition == nil {
		return nil
	}
	return f.updateAnchorPosition(ctx, key, commentID, start, end, valid)
}

func (f *fakeStore) BulkResolveComments(ctx context.Context, key store.DocumentKey, ids []string) ([]string, error) {
	if f.bulkResolveComments == nil {
		return nil, nil
	}
	return f.bulkResolveComments(ctx, key, ids)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.ping == nil {
		return nil
	}
	return f.ping(ctx)
}

type capturePublisher struct {
	documentIDs []string
}

func (c *capturePublisher) DocumentChanged(_ context.Context, documentID string) error {
	c.documentIDs = append(c.documentIDs, documentID)
	return nil
}

func newTestService(fs *fakeStore, invalidator invalidate.Publisher, generator reviser) *Service {
	if invalidator == nil {
		invalidator = invalidate.Noop{}
	}
	return &Service{
		store:       fs,
		invalidator: invalidator,
		generator:   generator,
		clusterer:   indicator.NewClusterer(),
	}
}

func testKey() store.DocumentKey {
	return store.DocumentKey{ID: "doc-memorial-1", CreatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func testDocument(commentingEnabled bool) store.Document {
	key := testKey()
	return store.Document{
		ID:                key.ID,
		CreatedAt:         key.CreatedAt,
		Title:             "In Memory of Ruth",
		Content:           "She loved the sea and everyone who sailed it.",
		OwnerID:           "owner_1",
		OwnerName:         "Dana",
		CommentingEnabled: commentingEnabled,
		UpdatedAt:         key.CreatedAt,
	}
}

func assertDomainError(t *testing.T, err error, wantStatus int, wantCode string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != wantStatus || domainErr.Code != wantCode {
		t.Fatalf("got %d/%s, want %d/%s", domainErr.Status, domainErr.Code, wantStatus, wantCode)
	}
}

func TestCreateCommentValidation(t *testing.T) {
	doc := testDocument(true)
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
	}
	service := newTestService(fs, nil, nil)
	actor := Actor{ID: "user_2", Name: "Sam"}

	longContent := ""
	for i := 0; i < maxCommentLen+1; i++ {
		longContent += "a"
	}

	cases := []struct {
		name  string
		input CreateCommentInput
	}{
		{name: "empty content", input: CreateCommentInput{Content: "   "}},
		{name: "content too long", input: CreateCommentInput{Content: longContent}},
		{name: "anchor with inverted offsets", input: CreateCommentInput{
			Content: "lovely", Anchor: &anchor.Descriptor{Start: 10, End: 4, Text: "loved"},
		}},
		{name: "anchor with blank text", input: CreateCommentInput{
			Content: "lovely", Anchor: &anchor.Descriptor{Start: 4, End: 9, Text: "   "},
		}},
		{name: "anchor text length mismatch", input: CreateCommentInput{
			Content: "lovely", Anchor: &anchor.Descriptor{Start: 4, End: 9, Text: "love"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.CreateComment(context.Background(), actor, testKey(), tc.input)
			assertDomainError(t, err, 422, "VALIDATION_ERROR")
		})
	}
}

func TestCreateCommentAnchoredDefaults(t *testing.T) {
	doc := testDocument(true)
	var inserted store.Comment
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		insertComment: func(_ context.Context, comment store.Comment) error {
			inserted = comment
			return nil
		},
	}
	service := newTestService(fs, nil, nil)

	created, err := service.CreateComment(context.Background(), Actor{ID: "user_2", Name: "Sam"}, testKey(), CreateCommentInput{
		Content: "This line is beautiful.",
		Anchor:  &anchor.Descriptor{Start: 4, End: 9, Text: "loved", Prefix: "She ", Suffix: " the sea"},
	})
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if created.Status != store.StatusPending {
		t.Fatalf("new comment status = %q, want pending", created.Status)
	}
	if created.Anchor == nil {
		t.Fatal("expected anchor to be stored")
	}
	if !created.Anchor.Valid || created.Anchor.Status != store.AnchorApproved {
		t.Fatalf("anchor defaults = valid:%v status:%q, want valid approved", created.Anchor.Valid, created.Anchor.Status)
	}
	if inserted.ID == "" || inserted.DocumentID != testKey().ID {
		t.Fatalf("inserted comment not keyed to document: %+v", inserted)
	}
}

func TestCreateCommentReplyRules(t *testing.T) {
	doc := testDocument(true)
	parentID := "cmt_parent"
	grandparentID := "cmt_grand"
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		getComment: func(_ context.Context, _ store.DocumentKey, commentID string) (store.Comment, error) {
			switch commentID {
			case parentID:
				return store.Comment{ID: parentID, DocumentID: doc.ID, Status: store.StatusPending}, nil
			case "cmt_reply":
				return store.Comment{ID: "cmt_reply", DocumentID: doc.ID, ParentID: &grandparentID}, nil
			}
			return store.Comment{}, errors.New("no such comment")
		},
	}
	service := newTestService(fs, nil, nil)
	actor := Actor{ID: "user_2", Name: "Sam"}

	if _, err := service.CreateComment(context.Background(), actor, testKey(), CreateCommentInput{
		Content: "agreed", ParentID: &parentID,
	}); err != nil {
		t.Fatalf("reply to top-level comment should succeed: %v", err)
	}

	replyID := "cmt_reply"
	_, err := service.CreateComment(context.Background(), actor, testKey(), CreateCommentInput{
		Content: "nested", ParentID: &replyID,
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	missing := "cmt_missing"
	_, err = service.CreateComment(context.Background(), actor, testKey(), CreateCommentInput{
		Content: "hello", ParentID: &missing,
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = service.CreateComment(context.Background(), actor, testKey(), CreateCommentInput{
		Content:  "anchored reply",
		ParentID: &parentID,
		Anchor:   &anchor.Descriptor{Start: 0, End: 3, Text: "She"},
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestCommentingDisabledBlocksNonOwners(t *testing.T) {
	doc := testDocument(false)
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
	}
	service := newTestService(fs, nil, nil)

	_, err := service.CreateComment(context.Background(), Actor{ID: "user_2"}, testKey(), CreateCommentInput{Content: "hi"})
	assertDomainError(t, err, 403, "FORBIDDEN")

	if _, err := service.CreateComment(context.Background(), Actor{ID: "owner_1", Name: "Dana"}, testKey(), CreateCommentInput{Content: "owner note"}); err != nil {
		t.Fatalf("owner should still comment when commenting is disabled: %v", err)
	}
}

func TestModerationLifecycle(t *testing.T) {
	doc := testDocument(true)
	status := store.StatusPending
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		getComment: func(context.Context, store.DocumentKey, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", DocumentID: doc.ID, AuthorID: "user_2", Status: status}, nil
		},
		updateCommentStatus: func(_ context.Context, _ store.DocumentKey, _, fromStatus, toStatus string) (bool, error) {
			if fromStatus != status {
				return false, nil
			}
			status = toStatus
			return true, nil
		},
	}
	service := newTestService(fs, nil, nil)
	owner := Actor{ID: "owner_1", Name: "Dana"}

	// Resolving straight from pending skips approval and must be rejected.
	_, err := service.TransitionStatus(context.Background(), owner, testKey(), "cmt_1", store.StatusResolved)
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	for _, step := range []string{store.StatusApproved, store.StatusResolved, store.StatusPending} {
		comment, err := service.TransitionStatus(context.Background(), owner, testKey(), "cmt_1", step)
		if err != nil {
			t.Fatalf("transition to %s: %v", step, err)
		}
		if comment.Status != step {
			t.Fatalf("status after transition = %q, want %q", comment.Status, step)
		}
	}

	_, err = service.TransitionStatus(context.Background(), owner, testKey(), "cmt_1", store.StatusPending)
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestTransitionRejectsEveryPairOutsideTheTable(t *testing.T) {
	allStatuses := []string{store.StatusPending, store.StatusApproved, store.StatusDenied, store.StatusResolved}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			allowed := transitionAllowed(from, to)
			inTable := false
			for _, next := range statusTransitions[from] {
				if next == to {
					inTable = true
				}
			}
			if allowed != inTable {
				t.Fatalf("transitionAllowed(%s, %s) = %v, table says %v", from, to, allowed, inTable)
			}
			if from == to && allowed {
				t.Fatalf("self-transition %s must not be allowed", from)
			}
		}
	}
	if transitionAllowed(store.StatusPending, "archived") {
		t.Fatal("unknown target status must be rejected")
	}
}

func TestTransitionConcurrencyMissIsConflict(t *testing.T) {
	doc := testDocument(true)
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		getComment: func(context.Context, store.DocumentKey, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", Status: store.StatusPending}, nil
		},
		updateCommentStatus: func(context.Context, store.DocumentKey, string, string, string) (bool, error) {
			// Another moderator got there first.
			return false, nil
		},
	}
	service := newTestService(fs, nil, nil)

	_, err := service.TransitionStatus(context.Background(), Actor{ID: "owner_1"}, testKey(), "cmt_1", store.StatusApproved)
	assertDomainError(t, err, 409, "STATE_CHANGED")
}

func TestTransitionIsOwnerOnly(t *testing.T) {
	doc := testDocument(true)
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
	}
	service := newTestService(fs, nil, nil)

	_, err := service.TransitionStatus(context.Background(), Actor{ID: "user_2"}, testKey(), "cmt_1", store.StatusApproved)
	assertDomainError(t, err, 403, "FORBIDDEN")
}

func TestEditCommentGuards(t *testing.T) {
	doc := testDocument(true)
	comment := store.Comment{ID: "cmt_1", AuthorID: "user_2", Status: store.StatusPending, Content: "original"}
	updateCalls := 0
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		getComment: func(context.Context, store.DocumentKey, string) (store.Comment, error) {
			return comment, nil
		},
		updateCommentContent: func(context.Context, store.DocumentKey, string, string, string) (bool, error) {
			updateCalls++
			return true, nil
		},
	}
	service := newTestService(fs, nil, nil)

	_, err := service.EditComment(context.Background(), Actor{ID: "user_3"}, testKey(), "cmt_1", "hijacked")
	assertDomainError(t, err, 403, "FORBIDDEN")

	// Once moderation has picked the comment up, even the author is out of
	// luck for good, so the rejection is an authorization error rather than
	// a retry signal.
	comment.Status = store.StatusApproved
	_, err = service.EditComment(context.Background(), Actor{ID: "user_2"}, testKey(), "cmt_1", "too late")
	assertDomainError(t, err, 403, "FORBIDDEN")
	err = service.DeleteComment(context.Background(), Actor{ID: "user_2"}, testKey(), "cmt_1")
	assertDomainError(t, err, 403, "FORBIDDEN")
	if updateCalls != 0 {
		t.Fatalf("update ran %d times for comments that were never editable", updateCalls)
	}

	err = service.DeleteComment(context.Background(), Actor{ID: "user_3"}, testKey(), "cmt_1")
	assertDomainError(t, err, 403, "FORBIDDEN")
}

func TestEditCommentConcurrentModerationIsConflict(t *testing.T) {
	doc := testDocument(true)
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		getComment: func(context.Context, store.DocumentKey, string) (store.Comment, error) {
			return store.Comment{ID: "cmt_1", AuthorID: "user_2", Status: store.StatusPending, Content: "original"}, nil
		},
		updateCommentContent: func(context.Context, store.DocumentKey, string, string, string) (bool, error) {
			// Moderation approved the comment between our read and the update.
			return false, nil
		},
		deleteComment: func(context.Context, store.DocumentKey, string, string) (bool, error) {
			return false, nil
		},
	}
	service := newTestService(fs, nil, nil)

	_, err := service.EditComment(context.Background(), Actor{ID: "user_2"}, testKey(), "cmt_1", "lost the race")
	assertDomainError(t, err, 409, "STATE_CHANGED")

	err = service.DeleteComment(context.Background(), Actor{ID: "user_2"}, testKey(), "cmt_1")
	assertDomainError(t, err, 409, "STATE_CHANGED")
}

func TestCommentMutationsPublishInvalidation(t *testing.T) {
	doc := testDocument(true)
	comment := store.Comment{
		ID: "cmt_1", AuthorID: "user_2", Status: store.StatusPending, Content: "original",
		Anchor: &store.Anchor{Start: 4, End: 9, Text: "loved", Valid: true, Status: store.AnchorApproved},
	}
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		getComment: func(context.Context, store.DocumentKey, string) (store.Comment, error) {
			return comment, nil
		},
		bulkResolveComments: func(_ context.Context, _ store.DocumentKey, ids []string) ([]string, error) {
			return ids, nil
		},
	}
	publisher := &capturePublisher{}
	service := newTestService(fs, publisher, nil)
	owner := Actor{ID: "owner_1", Name: "Dana"}
	author := Actor{ID: "user_2", Name: "Sam"}
	ctx := context.Background()
	key := testKey()

	if _, err := service.CreateComment(ctx, author, key, CreateCommentInput{Content: "lovely"}); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if _, err := service.EditComment(ctx, author, key, "cmt_1", "lovelier"); err != nil {
		t.Fatalf("EditComment: %v", err)
	}
	if err := service.DeleteComment(ctx, author, key, "cmt_1"); err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	if _, err := service.TransitionStatus(ctx, owner, key, "cmt_1", store.StatusApproved); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if _, err := service.TransitionAnchorStatus(ctx, owner, key, "cmt_1", store.AnchorDenied); err != nil {
		t.Fatalf("TransitionAnchorStatus: %v", err)
	}
	if _, err := service.BulkResolve(ctx, owner, key, []string{"cmt_1"}); err != nil {
		t.Fatalf("BulkResolve: %v", err)
	}

	if len(publisher.documentIDs) != 6 {
		t.Fatalf("events = %v, want one per mutation", publisher.documentIDs)
	}
	for _, id := range publisher.documentIDs {
		if id != doc.ID {
			t.Fatalf("event for %q, want %q", id, doc.ID)
		}
	}

	// A rejected transition leaves the page unchanged and must stay silent.
	if _, err := service.TransitionStatus(ctx, owner, key, "cmt_1", store.StatusResolved); err == nil {
		t.Fatal("expected the pending comment to reject resolution")
	}
	if len(publisher.documentIDs) != 6 {
		t.Fatalf("events after rejected transition = %v", publisher.documentIDs)
	}
}

func TestBulkResolveReportsSkippedIDs(t *testing.T) {
	doc := testDocument(true)
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		bulkResolveComments: func(_ context.Context, _ store.DocumentKey, ids []string) ([]string, error) {
			if len(ids) != 3 {
				t.Fatalf("expected deduplicated ids, got %v", ids)
			}
			return []string{"cmt_a", "cmt_c"}, nil
		},
	}
	service := newTestService(fs, nil, nil)

	result, err := service.BulkResolve(context.Background(), Actor{ID: "owner_1"}, testKey(), []string{"cmt_a", "cmt_b", "cmt_a", "cmt_c"})
	if err != nil {
		t.Fatalf("BulkResolve: %v", err)
	}
	if len(result.ResolvedIDs) != 2 {
		t.Fatalf("resolved = %v, want cmt_a and cmt_c", result.ResolvedIDs)
	}
	if len(result.SkippedIDs) != 1 || result.SkippedIDs[0] != "cmt_b" {
		t.Fatalf("skipped = %v, want [cmt_b]", result.SkippedIDs)
	}
}

func TestUpdateDocumentContentRelocatesAnchors(t *testing.T) {
	doc := testDocument(true)
	doc.Content = "the quick brown fox jumps"
	anchored := store.Comment{
		ID:         "cmt_1",
		DocumentID: doc.ID,
		AuthorID:   "user_2",
		Status:     store.StatusApproved,
		Anchor: &store.Anchor{
			Start: 4, End: 15, Text: "quick brown",
			Prefix: "the ", Suffix: " fox jumps",
			Valid: true, Status: store.AnchorApproved,
		},
	}

	var persistedStart, persistedEnd int
	var persistedValid bool
	publisher := &capturePublisher{}
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		updateDocumentContent: func(_ context.Context, _ store.DocumentKey, content string) (bool, error) {
			doc.Content = content
			return true, nil
		},
		listAnchoredComments: func(context.Context, store.DocumentKey) ([]store.Comment, error) {
			return []store.Comment{anchored}, nil
		},
		updateAnchorPosition: func(_ context.Context, _ store.DocumentKey, _ string, start, end int, valid bool) error {
			persistedStart, persistedEnd, persistedValid = start, end, valid
			return nil
		},
	}
	service := newTestService(fs, publisher, nil)

	updated, outcomes, err := service.UpdateDocumentContent(context.Background(), Actor{ID: "owner_1"}, testKey(), "zz the quick brown fox jumps")
	if err != nil {
		t.Fatalf("UpdateDocumentContent: %v", err)
	}
	if updated.Content != "zz the quick brown fox jumps" {
		t.Fatalf("content not committed: %q", updated.Content)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected one relocation outcome, got %d", len(outcomes))
	}
	if !persistedValid || persistedStart != 7 || persistedEnd != 18 {
		t.Fatalf("relocated to [%d,%d) valid=%v, want [7,18) valid", persistedStart, persistedEnd, persistedValid)
	}
	if len(publisher.documentIDs) != 1 || publisher.documentIDs[0] != doc.ID {
		t.Fatalf("invalidation not published: %v", publisher.documentIDs)
	}
}

func TestUpdateDocumentContentIsOwnerOnly(t *testing.T) {
	doc := testDocument(true)
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
	}
	service := newTestService(fs, nil, nil)

	_, _, err := service.UpdateDocumentContent(context.Background(), Actor{ID: "user_2"}, testKey(), "rewrite")
	assertDomainError(t, err, 403, "FORBIDDEN")
}

func TestApplyPartialWhenResolutionFallsShort(t *testing.T) {
	doc := testDocument(true)
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		updateDocumentContent: func(_ context.Context, _ store.DocumentKey, content string) (bool, error) {
			doc.Content = content
			return true, nil
		},
		bulkResolveComments: func(context.Context, store.DocumentKey, []string) ([]string, error) {
			return []string{"cmt_a"}, nil
		},
	}
	service := newTestService(fs, nil, nil)

	result, err := service.ApplyGeneratedContentAndResolve(context.Background(), Actor{ID: "owner_1"}, testKey(), "revised text", []string{"cmt_a", "cmt_b"})
	if err != nil {
		t.Fatalf("ApplyGeneratedContentAndResolve: %v", err)
	}
	if result.Status != ApplyStatusPartial {
		t.Fatalf("status = %q, want partial", result.Status)
	}
	if result.Content != "revised text" {
		t.Fatal("committed content must survive a resolution shortfall")
	}
	if len(result.ResolvedIDs) != 1 || result.ResolvedIDs[0] != "cmt_a" {
		t.Fatalf("resolved = %v", result.ResolvedIDs)
	}
	if len(result.UnresolvedIDs) != 1 || result.UnresolvedIDs[0] != "cmt_b" {
		t.Fatalf("unresolved = %v", result.UnresolvedIDs)
	}
}

func TestApplyContentFailureLeavesCommentsUntouched(t *testing.T) {
	doc := testDocument(true)
	resolveCalled := false
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		updateDocumentContent: func(context.Context, store.DocumentKey, string) (bool, error) {
			return false, fmt.Errorf("write failed")
		},
		bulkResolveComments: func(context.Context, store.DocumentKey, []string) ([]string, error) {
			resolveCalled = true
			return nil, nil
		},
	}
	service := newTestService(fs, nil, nil)

	_, err := service.ApplyGeneratedContentAndResolve(context.Background(), Actor{ID: "owner_1"}, testKey(), "revised", []string{"cmt_a"})
	if err == nil {
		t.Fatal("expected error when the content commit fails")
	}
	if resolveCalled {
		t.Fatal("no resolution may be attempted after a failed commit")
	}
}

func TestGenerateRequiresConfiguredProvider(t *testing.T) {
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return testDocument(true), nil
		},
	}
	service := newTestService(fs, nil, nil)

	_, err := service.GenerateAndApply(context.Background(), Actor{ID: "owner_1"}, testKey())
	assertDomainError(t, err, 503, "SERVICE_UNAVAILABLE")
}

type fakeReviser struct {
	revise func(ctx context.Context, feedbackContext, content string) (string, error)
}

func (f *fakeReviser) Revise(ctx context.Context, feedbackContext, content string) (string, error) {
	return f.revise(ctx, feedbackContext, content)
}

func TestGenerateAndApply(t *testing.T) {
	doc := testDocument(true)
	approved := store.Comment{
		ID:         "cmt_a",
		DocumentID: doc.ID,
		AuthorID:   "user_2",
		AuthorName: "Sam",
		Content:    "Mention her garden too.",
		Status:     store.StatusApproved,
	}
	fs := &fakeStore{
		getDocument: func(context.Context, store.DocumentKey) (store.Document, error) {
			return doc, nil
		},
		listComments: func(context.Context, store.DocumentKey) ([]store.Comment, error) {
			return []store.Comment{approved}, nil
		},
		updateDocumentContent: func(_ context.Context, _ store.DocumentKey, content string) (bool, error) {
			doc.Content = content
			return true, nil
		},
		bulkResolveComments: func(_ context.Context, _ store.DocumentKey, ids []string) ([]string, error) {
			return ids, nil
		},
	}
	var seenFeedback string
	generator := &fakeReviser{
		revise: func(_ context.Context, feedbackContext, content string) (string, error) {
			seenFeedback = feedbackContext
			return content + " Her garden bloomed every spring.", nil
		},
	}
	service := newTestService(fs, nil, generator)

	result, err := service.GenerateAndApply(context.Background(), Actor{ID: "owner_1"}, testKey())
	if err != nil {
		t.Fatalf("GenerateAndApply: %v", err)
	}
	if result.Status != ApplyStatusSuccess {
		t.Fatalf("status = %q, want success", result.Status)
	}
	if len(result.ResolvedIDs) != 1 || result.ResolvedIDs[0] != "cmt_a" {
		t.Fatalf("resolved = %v", result.ResolvedIDs)
	}
	if seenFeedback == "" {
		t.Fatal("provider must receive the formatted feedback context")
	}
}

func TestComputeIndicatorsFiltersModeratedAnchors(t *testing.T) {
	makeComment := func(id, status, anchorStatus string, valid bool) store.Comment {
		return store.Comment{
			ID:     id,
			Status: status,
			Anchor: &store.Anchor{Start: 0, End: 5, Text: "hello", Valid: valid, Status: anchorStatus},
		}
	}
	fs := &fakeStore{
		listAnchoredComments: func(context.Context, store.DocumentKey) ([]store.Comment, error) {
			return []store.Comment{
				makeComment("cmt_visible", store.StatusApproved, store.AnchorApproved, true),
				makeComment("cmt_denied", store.StatusDenied, store.AnchorApproved, true),
				makeComment("cmt_anchor_denied", store.StatusApproved, store.AnchorDenied, true),
				makeComment("cmt_invalid", store.StatusApproved, store.AnchorApproved, false),
				makeComment("cmt_resolved", store.StatusResolved, store.AnchorApproved, true),
			}, nil
		},
	}
	service := newTestService(fs, nil, nil)

	indicators, err := service.ComputeIndicators(context.Background(), testKey(), indicator.Layout{
		LineStarts:  []int{0},
		LineHeight:  20,
		MergeRadius: 24,
	})
	if err != nil {
		t.Fatalf("ComputeIndicators: %v", err)
	}
	if len(indicators) != 1 {
		t.Fatalf("expected one indicator, got %d", len(indicators))
	}
	if len(indicators[0].CommentIDs) != 1 || indicators[0].CommentIDs[0] != "cmt_visible" {
		t.Fatalf("indicator covers %v, want only cmt_visible", indicators[0].CommentIDs)
	}
}
