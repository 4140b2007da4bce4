package canonjson

import "testing"

func TestMarshalSortsKeys(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(got) != want {
		t.Fatalf("Marshal() = %s, want %s", got, want)
	}
}

func TestCanonicalizeFixedPoint(t *testing.T) {
	raw := []byte(`{"b": 1, "a": [3, 2, 1], "c": null}`)
	once, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	twice, err := Canonicalize(once)
	if err != nil {
		t.Fatalf("Canonicalize (second pass): %v", err)
	}
	if string(once) != string(twice) {
		t.Fatalf("canonicalization not idempotent: %s != %s", once, twice)
	}
}

func TestCanonicalizePreservesNumberPrecision(t *testing.T) {
	raw := []byte(`{"n": 123456789012345678}`)
	got, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"n":123456789012345678}`
	if string(got) != want {
		t.Fatalf("Canonicalize() = %s, want %s (number precision lost)", got, want)
	}
}

func TestEqualIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := []byte(`{"a": 1, "b": 2}`)
	b := []byte(`{"b":2,"a":1}`)
	eq, err := Equal(a, b)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if !eq {
		t.Fatalf("Equal() = false, want true for semantically identical documents")
	}
}

func TestEqualDetectsRealDifference(t *testing.T) {
	a := []byte(`{"a": 1}`)
	b := []byte(`{"a": 2}`)
	eq, err := Equal(a, b)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if eq {
		t.Fatalf("Equal() = true, want false for differing documents")
	}
}

func TestMustMarshalPanicsOnUnencodable(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("MustMarshal did not panic on an unencodable value")
		}
	}()
	MustMarshal(make(chan int))
}
