package kafkalog

import (
	"testing"

	"github.com/Aarnav2440/extension-kafka/tokenstore"
)

func rec(owner string, expect uint64) tokenstore.Record {
	return tokenstore.Record{
		Claim:  tokenstore.Claim{Segment: "relay/0", Owner: owner},
		Expect: expect,
	}
}

func TestLogState_LosingWriterNeverBecomesCurrent(t *testing.T) {
	s := newLogState()
	s.watch()

	// two instances loaded the absent segment and appended concurrently
	if !s.apply(0, rec("owner-A", 0)) {
		t.Fatal("first claim rejected")
	}
	if s.apply(1, rec("owner-B", 0)) {
		t.Fatal("second writer expecting the same generation was accepted")
	}
	if !s.acceptedAt(0) || s.acceptedAt(1) {
		t.Fatal("winner is not the first record")
	}
	c, gen := s.load("relay/0")
	if c == nil || c.Owner != "owner-A" || gen != 1 {
		t.Fatalf("load = %+v gen %d", c, gen)
	}

	// a writer that observed generation 1 may replace it
	if !s.apply(2, rec("owner-A", 1)) {
		t.Fatal("renewal rejected")
	}
	if s.apply(3, rec("owner-B", 1)) {
		t.Fatal("stale writer accepted")
	}
	if _, gen := s.load("relay/0"); gen != 2 {
		t.Fatalf("generation = %d, want 2", gen)
	}
	if s.applied != 3 {
		t.Fatalf("applied = %d, want 3", s.applied)
	}
}

func TestLogState_Deletion(t *testing.T) {
	s := newLogState()
	s.apply(0, rec("owner-A", 0))

	del := rec("", 1)
	del.Deleted = true
	if !s.apply(1, del) {
		t.Fatal("delete rejected")
	}
	c, gen := s.load("relay/0")
	if c != nil || gen != 2 {
		t.Fatalf("deleted segment loads as %+v gen %d", c, gen)
	}
	if len(s.list()) != 0 {
		t.Fatal("deleted segment listed")
	}
	// recreating must expect the deletion's generation
	if s.apply(2, rec("owner-B", 0)) {
		t.Fatal("recreate with stale generation accepted")
	}
	if !s.apply(3, rec("owner-B", 2)) {
		t.Fatal("recreate rejected")
	}
}

func TestLogState_ReplayAfterCompaction(t *testing.T) {
	// compaction left only the latest record of the key
	s := newLogState()
	if !s.apply(57, rec("owner-C", 9)) {
		t.Fatal("first surviving record rejected")
	}
	if _, gen := s.load("relay/0"); gen != 10 {
		t.Fatalf("generation = %d, want 10", gen)
	}
	if s.apply(58, rec("owner-D", 3)) {
		t.Fatal("stale writer accepted after compaction")
	}
}

func TestLogState_VerdictSurvivesLaterWinner(t *testing.T) {
	s := newLogState()
	s.watch()

	// our record is accepted, then another writer that observed it renews
	// before we read the verdict
	if !s.apply(0, rec("owner-A", 0)) {
		t.Fatal("claim rejected")
	}
	if !s.apply(1, rec("owner-B", 1)) {
		t.Fatal("follow-up write rejected")
	}
	if !s.acceptedAt(0) {
		t.Fatal("accepted record reported as lost after a later write")
	}
	if c, _ := s.load("relay/0"); c == nil || c.Owner != "owner-B" {
		t.Fatalf("current claim = %+v", c)
	}
}

func TestLogState_VerdictsDroppedWhenNoWriterWaits(t *testing.T) {
	s := newLogState()
	s.apply(0, rec("owner-A", 0))
	if s.acceptedAt(0) {
		t.Fatal("verdict kept with no writer waiting")
	}

	s.watch()
	s.watch()
	s.apply(1, rec("owner-A", 1))
	s.unwatch()
	if !s.acceptedAt(1) {
		t.Fatal("verdict dropped while a writer still waits")
	}
	s.unwatch()
	if len(s.accepted) != 0 {
		t.Fatalf("accepted = %v after the last writer left", s.accepted)
	}
}
