package ot

import "fmt"

// TransformError is returned by DocumentState.Apply and OperationsSince
// when an operation's baseVersion can't be serviced: either the client
// claims to have seen a version that doesn't exist yet (stale_base), or
// the client is so far behind that the operations it needs have already
// been truncated out of in-memory history (history_truncated — the
// session layer maps this to a forced SYNC_STATE_RESPONSE rather than
// the stale_base wire error, since the client isn't actually ahead).
type TransformError struct {
	Code    string
	Message string
}

func (e *TransformError) Error() string { return e.Message }

func staleBaseErr(baseVersion, current int) *TransformError {
	return &TransformError{
		Code:    "stale_base",
		Message: fmt.Sprintf("baseVersion %d is ahead of current version %d", baseVersion, current),
	}
}

func truncatedErr(baseVersion, oldest int) *TransformError {
	return &TransformError{
		Code:    "history_truncated",
		Message: fmt.Sprintf("baseVersion %d precedes retained history (oldest %d)", baseVersion, oldest),
	}
}

// DocumentState is the authoritative state of a single room's document:
// its current text, its version counter, and the tail of its operation
// history still held in memory (spec.md §4.2, §4.4). It is not
// goroutine-safe; a Room serializes all access through its single
// command-processing goroutine (spec.md §5), the same discipline the
// teacher's RoomState relies on its hub's single select loop for.
type DocumentState struct {
	content         string
	version         int
	snapshotVersion int
	history         []Operation
}

// NewDocumentState creates an empty document at version 0.
func NewDocumentState() *DocumentState {
	return &DocumentState{}
}

// Restore rebuilds a DocumentState from a persisted snapshot plus the
// operations appended after it, as loaded by the persistence layer on
// room warm-up (spec.md §4.4).
func Restore(snapshotContent string, snapshotVersion int, opsSinceSnapshot []Operation) *DocumentState {
	d := &DocumentState{
		content:         snapshotContent,
		version:         snapshotVersion,
		snapshotVersion: snapshotVersion,
	}
	for _, op := range opsSinceSnapshot {
		d.content = applyToText(d.content, op)
		d.history = append(d.history, op)
		if op.Version > d.version {
			d.version = op.Version
		}
	}
	return d
}

func (d *DocumentState) Content() string { return d.content }
func (d *DocumentState) Version() int    { return d.version }

// concurrentSince returns the history entries the caller's baseVersion
// has not yet observed: history[baseVersion-snapshotVersion:].
func (d *DocumentState) concurrentSince(baseVersion int) ([]Operation, error) {
	if baseVersion > d.version {
		return nil, staleBaseErr(baseVersion, d.version)
	}
	if baseVersion < d.snapshotVersion {
		return nil, truncatedErr(baseVersion, d.snapshotVersion)
	}
	idx := baseVersion - d.snapshotVersion
	return d.history[idx:], nil
}

// Apply transforms op against every operation it hasn't seen, clamps
// it into the current document's bounds, applies it, and appends it to
// history at the new version. The returned Operation is the
// server-canonical, post-transform form that gets broadcast and
// persisted — it may differ from what the client sent (shifted
// position, clipped content, or collapsed to a no-op).
func (d *DocumentState) Apply(op Operation) (Operation, error) {
	return d.ApplyBounded(op, 0)
}

// ApplyBounded is Apply with an additional document-size ceiling
// (spec.md §6's MAX_CONTENT_BYTES, counted here in runes per the same
// Unicode-scalar convention as positions). maxContentRunes <= 0 means
// unlimited. An insert that would push the document over the limit is
// rejected with a ContentTooLargeError and never touches document
// state.
func (d *DocumentState) ApplyBounded(op Operation, maxContentRunes int) (Operation, error) {
	concurrent, err := d.concurrentSince(op.BaseVersion)
	if err != nil {
		return Operation{}, err
	}

	transformed := op
	for _, c := range concurrent {
		transformed = transform(transformed, c)
	}
	transformed = clampToContent(transformed, d.content)

	if maxContentRunes > 0 && transformed.Type == Insert {
		if runeLen(d.content)+runeLen(transformed.Content) > maxContentRunes {
			return Operation{}, &ContentTooLargeError{Limit: maxContentRunes}
		}
	}

	d.content = applyToText(d.content, transformed)
	d.version++
	transformed.Version = d.version
	transformed.BaseVersion = op.BaseVersion
	d.history = append(d.history, transformed)

	return transformed, nil
}

// ContentTooLargeError is returned by ApplyBounded when an insert
// would grow the document past its configured maximum.
type ContentTooLargeError struct{ Limit int }

func (e *ContentTooLargeError) Error() string {
	return "operation would exceed the document's maximum content size"
}

// OperationsSince returns the canonical, already-transformed operations
// applied after fromVersion, for SYNC_STATE_RESPONSE and broadcast
// catch-up.
func (d *DocumentState) OperationsSince(fromVersion int) ([]Operation, error) {
	return d.concurrentSince(fromVersion)
}

// TruncateHistoryBefore drops history entries at or before version,
// shrinking memory once the persistence layer has durably saved a
// snapshot covering them (spec.md §4.4's SNAPSHOT_OPS/SNAPSHOT_INTERVAL
// policy). It is a no-op if version doesn't advance the retained tail.
func (d *DocumentState) TruncateHistoryBefore(version int) {
	if version <= d.snapshotVersion {
		return
	}
	if version > d.version {
		version = d.version
	}
	idx := version - d.snapshotVersion
	if idx > len(d.history) {
		idx = len(d.history)
	}
	d.history = append([]Operation(nil), d.history[idx:]...)
	d.snapshotVersion = version
}

// clampToContent bounds op's position (and, for deletes, its content
// length) to what the current document can actually satisfy. A delete
// that would overrun the document end is clipped to it; a delete
// clipped to zero width becomes a no-op rather than an error, matching
// the Open Questions resolution in SPEC_FULL.md: the server's own
// content length is authoritative, never the client's claim about it.
func clampToContent(op Operation, content string) Operation {
	n := runeLen(content)

	switch op.Type {
	case Insert:
		if op.Position < 0 {
			op.Position = 0
		}
		if op.Position > n {
			op.Position = n
		}
	case Delete:
		if op.Position < 0 {
			op.Position = 0
		}
		if op.Position > n {
			op.Position = n
		}
		maxLen := n - op.Position
		curLen := runeLen(op.Content)
		if curLen > maxLen {
			runes := []rune(op.Content)
			op.Content = string(runes[:maxLen])
		}
		if runeLen(op.Content) == 0 {
			op.Type = Noop
		}
	}

	return op
}
