package packet

import "testing"

func TestDigestIsStableAndContentAddressed(t *testing.T) {
	a := Digest([]byte{0xFE, 0x01, 0x02})
	b := Digest([]byte{0xFE, 0x01, 0x02})
	c := Digest([]byte{0xFE, 0x01, 0x03})

	if a != b {
		t.Error("identical bytes must hash identically")
	}
	if a == c {
		t.Error("different bytes must not collide in this test")
	}
}

func TestSafeJSONConvertsByteSlicesToHex(t *testing.T) {
	in := map[string]interface{}{
		"raw":    []byte{0xDE, 0xAD, 0xBE, 0xEF},
		"nested": map[string]interface{}{"raw2": []byte{0x01}},
	}
	out := SafeJSON(in).(map[string]interface{})

	if out["raw"] != "deadbeef" {
		t.Errorf("expected hex-encoded raw bytes, got %v", out["raw"])
	}
	nested := out["nested"].(map[string]interface{})
	if nested["raw2"] != "01" {
		t.Errorf("expected hex-encoded nested bytes, got %v", nested["raw2"])
	}
}

func TestCanonicalJSONSortsKeysAndCoercesInts(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"z": 1, "a": int32(2)})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	b, err := CanonicalJSON(map[string]interface{}{"a": 2, "z": int64(1)})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical JSON must be stable across insertion order and int width: %s vs %s", a, b)
	}
}

func TestCanonicalHashRoundTrips(t *testing.T) {
	v1 := map[string]interface{}{"seq": uint8(1), "x": int32(100)}
	v2 := map[string]interface{}{"x": int32(100), "seq": uint8(1)}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatalf("CanonicalHash: %v", err)
	}
	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatalf("CanonicalHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("canonical hash must not depend on map build order: %s vs %s", h1, h2)
	}
}
