package store

import "time"

// Comment lifecycle statuses. Transition rules live in the app layer; the
// store only enforces them as conditional-update preconditions.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusResolved = "resolved"
)

// Anchor moderation statuses, independent of the comment's own status.
const (
	AnchorApproved = "approved"
	AnchorDenied   = "denied"
)

// DocumentKey identifies one version of a document. Documents are versioned
// by creation timestamp rather than mutated as a single row, so the pair is
// an immutable foreign key.
type DocumentKey struct {
	ID        string
	CreatedAt time.Time
}

type Document struct {
	ID                string
	CreatedAt         time.Time
	Title             string
	Content           string
	OwnerID           string
	OwnerName         string
	CommentingEnabled bool
	UpdatedAt         time.Time
}

func (d Document) Key() DocumentKey {
	return DocumentKey{ID: d.ID, CreatedAt: d.CreatedAt}
}

// Anchor is the span-attachment subset of a comment. All five capture fields
// are present together or the comment has no anchor at all; the database
// enforces the same with a CHECK constraint.
type Anchor struct {
	Start  int
	End    int
	Text   string
	Prefix string
	Suffix string
	Valid  bool
	Status string
}

type Comment struct {
	ID                string
	DocumentID        string
	DocumentCreatedAt time.Time
	AuthorID          string
	AuthorName        string
	Content           string
	ParentID          *string
	Status            string
	Anchor            *Anchor
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
