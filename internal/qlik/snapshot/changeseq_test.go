package snapshot

import "testing"

func TestChangeSeqForSnapshotPadsTo35Digits(t *testing.T) {
	got := changeSeqForSnapshot("20260101T000000Z")
	if len(got) != 35 {
		t.Fatalf("expected 35-digit change_seq, got %d digits: %s", len(got), got)
	}
	want := "20260101000000" + "000000000000000000000"
	if got != want {
		t.Fatalf("changeSeqForSnapshot() = %s, want %s", got, want)
	}
}
