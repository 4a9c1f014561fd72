package ot

import "testing"

func op(id string, typ OpType, pos int, content string, base int, client string) Operation {
	return Operation{ID: id, Type: typ, Position: pos, Content: content, BaseVersion: base, ClientID: client}
}

// S1: hello world, single client.
func TestDocumentState_HelloWorldSingleClient(t *testing.T) {
	d := NewDocumentState()

	applied, err := d.Apply(op("1", Insert, 0, "hello", 0, "c1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Content() != "hello" || applied.Version != 1 {
		t.Fatalf("got content=%q version=%d", d.Content(), applied.Version)
	}

	applied, err = d.Apply(op("2", Insert, 5, " world", 1, "c1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Content() != "hello world" || applied.Version != 2 {
		t.Fatalf("got content=%q version=%d", d.Content(), applied.Version)
	}
}

// S2: two clients insert concurrently at the same position; the
// clientId tiebreak must be deterministic and the loser must land
// after the winner's inserted text.
func TestDocumentState_ConcurrentInsertTiebreak(t *testing.T) {
	d := NewDocumentState()
	if _, err := d.Apply(op("seed", Insert, 0, "ab", 0, "seed")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Both clients observed version 1 and insert at position 1.
	a := op("a", Insert, 1, "X", 1, "alice")
	b := op("b", Insert, 1, "Y", 1, "bob")

	appliedA, err := d.Apply(a)
	if err != nil {
		t.Fatalf("apply a: %v", err)
	}
	appliedB, err := d.Apply(b)
	if err != nil {
		t.Fatalf("apply b: %v", err)
	}

	// alice < bob lexicographically, so alice's insert (applied first
	// here) keeps position 1 and bob's insert, transformed against it,
	// shifts to position 2.
	if appliedA.Position != 1 {
		t.Fatalf("expected alice's insert to stay at 1, got %d", appliedA.Position)
	}
	if appliedB.Position != 2 {
		t.Fatalf("expected bob's insert to shift to 2, got %d", appliedB.Position)
	}
	if d.Content() != "aXYb" {
		t.Fatalf("got content=%q", d.Content())
	}
}

// S3: a concurrent insert before a delete's range must shift the
// delete's position by the insert's length.
func TestDocumentState_InsertShiftsLaterDelete(t *testing.T) {
	d := NewDocumentState()
	if _, err := d.Apply(op("seed", Insert, 0, "hello world", 0, "seed")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	ins := op("a", Insert, 0, ">>", 1, "alice")
	del := op("b", Delete, 6, "world", 1, "bob") // deletes "world" in "hello world"

	if _, err := d.Apply(ins); err != nil {
		t.Fatalf("apply insert: %v", err)
	}
	appliedDel, err := d.Apply(del)
	if err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	if appliedDel.Position != 8 {
		t.Fatalf("expected delete to shift to 8, got %d", appliedDel.Position)
	}
	if d.Content() != ">>hello " {
		t.Fatalf("got content=%q", d.Content())
	}
}

// S4: two overlapping concurrent deletes must clip against each other
// rather than double-delete or go out of bounds.
func TestDocumentState_OverlappingDeletes(t *testing.T) {
	d := NewDocumentState()
	if _, err := d.Apply(op("seed", Insert, 0, "abcdef", 0, "seed")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	delA := op("a", Delete, 1, "bcd", 1, "alice") // [1,4)
	delB := op("b", Delete, 3, "de", 1, "bob")    // [3,5)

	appliedA, err := d.Apply(delA)
	if err != nil {
		t.Fatalf("apply a: %v", err)
	}
	if d.Content() != "aef" {
		t.Fatalf("after a, got content=%q", d.Content())
	}

	appliedB, err := d.Apply(delB)
	if err != nil {
		t.Fatalf("apply b: %v", err)
	}
	// b's range [3,5) overlapped a's [1,4) in [3,4); only "e" (position
	// 4 in the original doc) remains to delete, which after a's delete
	// sits at position 1 ("aef" -> delete "e").
	if d.Content() != "af" {
		t.Fatalf("got content=%q", d.Content())
	}
	if appliedA.Version != 2 || appliedB.Version != 3 {
		t.Fatalf("unexpected versions a=%d b=%d", appliedA.Version, appliedB.Version)
	}
}

func TestDocumentState_DeleteFullyInsideConcurrentDeleteBecomesNoop(t *testing.T) {
	d := NewDocumentState()
	if _, err := d.Apply(op("seed", Insert, 0, "abcdef", 0, "seed")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	outer := op("a", Delete, 0, "abcdef", 1, "alice")
	inner := op("b", Delete, 2, "cd", 1, "bob")

	if _, err := d.Apply(outer); err != nil {
		t.Fatalf("apply outer: %v", err)
	}
	applied, err := d.Apply(inner)
	if err != nil {
		t.Fatalf("apply inner: %v", err)
	}
	if applied.Type != Noop {
		t.Fatalf("expected inner delete to collapse to a no-op, got %v", applied.Type)
	}
	if d.Content() != "" {
		t.Fatalf("got content=%q", d.Content())
	}
}

func TestDocumentState_StaleBaseRejected(t *testing.T) {
	d := NewDocumentState()
	if _, err := d.Apply(op("seed", Insert, 0, "abc", 0, "seed")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := d.Apply(op("a", Insert, 0, "x", 5, "alice"))
	if err == nil {
		t.Fatal("expected stale_base error")
	}
	terr, ok := err.(*TransformError)
	if !ok || terr.Code != "stale_base" {
		t.Fatalf("expected stale_base TransformError, got %v", err)
	}
}

func TestDocumentState_TruncateHistoryBefore(t *testing.T) {
	d := NewDocumentState()
	if _, err := d.Apply(op("seed", Insert, 0, "a", 0, "seed")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := d.Apply(op("a2", Insert, 1, "b", 1, "seed")); err != nil {
		t.Fatalf("apply 2: %v", err)
	}
	if _, err := d.Apply(op("a3", Insert, 2, "c", 2, "seed")); err != nil {
		t.Fatalf("apply 3: %v", err)
	}

	d.TruncateHistoryBefore(2)

	if _, err := d.OperationsSince(1); err == nil {
		t.Fatal("expected history_truncated error for a version before the retained tail")
	}
	ops, err := d.OperationsSince(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ops) != 1 || ops[0].Version != 3 {
		t.Fatalf("expected one retained op at version 3, got %+v", ops)
	}
}

// Commutation property: transforming a against b then applying b
// first, must equal transforming b against a then applying a first —
// both orderings must converge on the same document.
func TestTransform_Commutes(t *testing.T) {
	cases := []struct {
		name string
		a, b Operation
		doc  string
	}{
		{"insert-insert", op("a", Insert, 2, "XX", 0, "alice"), op("b", Insert, 2, "YY", 0, "bob"), "hello"},
		{"insert-delete", op("a", Insert, 1, "Z", 0, "alice"), op("b", Delete, 2, "ll", 0, "bob"), "hello"},
		{"delete-delete", op("a", Delete, 0, "he", 0, "alice"), op("b", Delete, 1, "el", 0, "bob"), "hello"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// order 1: apply a, then b transformed against a
			aPrime := tc.a
			docA := applyToText(tc.doc, clampToContent(aPrime, tc.doc))
			bT := transform(tc.b, clampToContent(aPrime, tc.doc))
			bT = clampToContent(bT, docA)
			finalA := applyToText(docA, bT)

			// order 2: apply b, then a transformed against b
			bPrime := tc.b
			docB := applyToText(tc.doc, clampToContent(bPrime, tc.doc))
			aT := transform(tc.a, clampToContent(bPrime, tc.doc))
			aT = clampToContent(aT, docB)
			finalB := applyToText(docB, aT)

			if finalA != finalB {
				t.Fatalf("orderings diverged: %q vs %q", finalA, finalB)
			}
		})
	}
}

func TestApplyToText_InsertDeleteInverse(t *testing.T) {
	doc := "hello world"
	ins := op("a", Insert, 5, ", dear", 0, "alice")
	withIns := applyToText(doc, ins)

	del := op("b", Delete, 5, ", dear", 0, "alice")
	back := applyToText(withIns, del)

	if back != doc {
		t.Fatalf("insert followed by its inverse delete should restore the original, got %q", back)
	}
}
