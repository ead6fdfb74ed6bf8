package common

import "testing"

func TestGenerateRandByteArray(t *testing.T) {
	a := GenerateRandByteArray(32)
	b := GenerateRandByteArray(32)
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("lengths = %d, %d", len(a), len(b))
	}
	if string(a) == string(b) {
		t.Fatal("two random arrays are identical")
	}
}

func TestMakeRandHexString(t *testing.T) {
	s, err := MakeRandHexString(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s) != 32 {
		t.Fatalf("length = %d, want 32", len(s))
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("non-hex character %q in %q", c, s)
		}
	}
}

func TestWipeByteArray(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	WipeByteArray(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("b[%d] = %d after wipe", i, v)
		}
	}
	WipeByteArray(nil)
}
