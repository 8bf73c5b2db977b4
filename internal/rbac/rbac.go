// Package rbac maps a caller's relationship to a document onto the actions
// the comment workflow allows. The identity provider that establishes the
// relationship is external; this package only interprets it.
package rbac

type Role string
type Action string

const (
	// RoleOwner is the document owner: full moderation rights.
	RoleOwner Role = "owner"
	// RoleCommenter is an authorized participant who may read and comment.
	RoleCommenter Role = "commenter"
	// RoleViewer may only read; assigned when commenting is disabled for the
	// document's organization.
	RoleViewer Role = "viewer"
)

const (
	ActionRead     Action = "read"
	ActionComment  Action = "comment"
	ActionModerate Action = "moderate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleCommenter:
		return action == ActionRead || action == ActionComment
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}
