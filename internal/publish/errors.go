package publish

import "errors"

// Rejection reasons the HTTP layer maps onto responses. Conflicts
// (ErrUsernameTaken, ErrEditConflict) are deliberately distinct from
// validation failures so the client can say "choose another name" vs.
// "try again".
var (
	ErrInvalidUsername = errors.New("publish: invalid username")
	ErrMissingAvatar   = errors.New("publish: avatar image required")
	ErrUsernameTaken   = errors.New("publish: username already taken")

	// ErrPartialPublish: the page was written but the avatar write failed.
	// The profile exists; only the asset upload needs retrying.
	ErrPartialPublish = errors.New("publish: page created but avatar upload failed")

	// ErrOrphanedSession: a valid session whose profile has no backing
	// document in the store.
	ErrOrphanedSession = errors.New("publish: session has no backing profile")

	// ErrEditConflict: the document changed concurrently and the single
	// retry with a fresh version token conflicted again.
	ErrEditConflict = errors.New("publish: profile changed concurrently")
)
