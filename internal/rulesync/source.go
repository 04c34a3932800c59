// Package rulesync keeps local Firestore rules and index definitions in step
// with what is deployed. Local edits and remote changes are combined with a
// three-way text merge; the merged file is only written back when it is free
// of conflict markers.
package rulesync

import "context"

// Source is a deployable artifact held by the platform.
type Source interface {
	// Name identifies the source in logs and state file names.
	Name() string
	// Fetch returns the currently deployed content.
	Fetch(ctx context.Context) ([]byte, error)
	// Deploy publishes content.
	Deploy(ctx context.Context, content []byte) error
}

// Normalizer is implemented by sources whose content has a canonical layout.
// The local file is normalized before merging so that formatting differences
// do not show up as conflicts.
type Normalizer interface {
	Normalize(content []byte) ([]byte, error)
}
