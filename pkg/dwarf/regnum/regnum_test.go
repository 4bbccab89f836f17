package regnum

import "testing"

func TestNames(t *testing.T) {
	for _, tc := range []struct {
		got, want string
	}{
		{AMD64ToName(AMD64_Rsp), "Rsp"},
		{AMD64ToName(12), "R12"},
		{AMD64ToName(AMD64_Rip), "Rip"},
		{AMD64ToName(AMD64_XMM0 + 3), "XMM3"},
		{AMD64ToName(200), "unknown200"},
		{ARM64ToName(ARM64_LR), "X30"},
		{ARM64ToName(ARM64_SP), "SP"},
		{ARM64ToName(ARM64_V0 + 1), "V1"},
		{SPARC64ToName(SPARC64_O7), "o7"},
		{SPARC64ToName(SPARC64_I0), "i0"},
	} {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestNameToDwarf(t *testing.T) {
	if AMD64NameToDwarf["rbp"] != AMD64_Rbp || AMD64NameToDwarf["rip"] != AMD64_Rip || AMD64NameToDwarf["st3"] != AMD64_ST0+3 {
		t.Fatalf("bad amd64 name mapping %v", AMD64NameToDwarf)
	}
	if ARM64NameToDwarf["lr"] != ARM64_LR || ARM64NameToDwarf["x3"] != 3 {
		t.Fatalf("bad arm64 name mapping")
	}
	if SPARC64NameToDwarf["sp"] != SPARC64_SP || SPARC64NameToDwarf["l0"] != SPARC64_L0 {
		t.Fatalf("bad sparc64 name mapping")
	}
}
