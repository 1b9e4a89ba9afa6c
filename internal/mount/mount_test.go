package mount

import "testing"

func TestDescriptorValidate(t *testing.T) {
	ok := Descriptor{Path: "/tmp/a.json", Mode: ModeReadWrite, Authority: AuthorityCell, Persistent: PersistentTrue}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	strict := Descriptor{Path: "/tmp/a.json", Mode: ModeRead, Authority: AuthorityFileStrict, Persistent: PersistentTrue}
	if err := strict.Validate(); err != nil {
		t.Fatalf("valid file-strict descriptor rejected: %v", err)
	}

	badMode := Descriptor{Path: "/tmp/a.json", Mode: ModeReadWrite, Authority: AuthorityFileStrict, Persistent: PersistentTrue}
	if err := badMode.Validate(); err == nil {
		t.Error("file-strict with mode rw should be rejected")
	}

	badPersist := Descriptor{Path: "/tmp/a.json", Mode: ModeRead, Authority: AuthorityFileStrict, Persistent: PersistentFalse}
	if err := badPersist.Validate(); err == nil {
		t.Error("file-strict without persistent=true should be rejected")
	}
}

func TestErrorFilterOncePerMessage(t *testing.T) {
	f := NewErrorFilter()
	if !f.ShouldLog("cell.a", "permission denied") {
		t.Fatal("first occurrence must log")
	}
	if f.ShouldLog("cell.a", "permission denied") {
		t.Fatal("repeat occurrence must be suppressed")
	}
	if !f.ShouldLog("cell.a", "disk full") {
		t.Fatal("a distinct message for the same item must log")
	}
	if !f.ShouldLog("cell.b", "permission denied") {
		t.Fatal("the same message for a distinct item must log")
	}

	f.Clear("cell.a")
	if !f.ShouldLog("cell.a", "permission denied") {
		t.Fatal("a cleared item must log again")
	}
}
