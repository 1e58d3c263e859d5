package canonical

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func TestMarshalSorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}
	expected := `{"a":1,"b":2,"c":3}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshalRecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}
	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshalRejectsNaN(t *testing.T) {
	if _, err := Marshal(map[string]float64{"bad": math.NaN()}); err == nil {
		t.Error("NaN accepted")
	}
	if _, err := Marshal(map[string]float64{"bad": math.Inf(1)}); err == nil {
		t.Error("Infinity accepted")
	}
	if _, err := Marshal([]float64{1.5, math.Inf(-1)}); err == nil {
		t.Error("negative Infinity in slice accepted")
	}
}

func TestTransformIdempotent(t *testing.T) {
	raw := []byte(`{"b": 2, "a": {"z": [3, 2, 1], "y": "t"}}`)
	once, err := Transform(raw)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := Transform(once)
	if err != nil {
		t.Fatal(err)
	}
	if string(once) != string(twice) {
		t.Errorf("transform not idempotent: %s vs %s", once, twice)
	}
}

func TestHashValueStability(t *testing.T) {
	// Semantically identical inputs constructed differently must collide.
	v1 := map[string]interface{}{"a": 1, "b": 2}
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := HashValue(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashValue(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash mismatch for identical inputs: %s != %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("hash %q is not lowercase hex sha-256", h1)
	}
}

func TestHashKnownVector(t *testing.T) {
	// sha256("") is a fixed universal constant.
	if got := Hash(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("sha256 of empty input = %s", got)
	}
}

func TestFormatTimeFixedWidth(t *testing.T) {
	// Trailing zeros must be preserved so canonical bytes never vary.
	at := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	got := FormatTime(at)
	if got != "2026-03-01T08:30:00.000000Z" {
		t.Errorf("FormatTime = %q", got)
	}
	// Nanoseconds truncate to microseconds.
	at = time.Date(2026, 3, 1, 8, 30, 0, 123456789, time.UTC)
	if got := FormatTime(at); got != "2026-03-01T08:30:00.123456Z" {
		t.Errorf("FormatTime = %q", got)
	}
}

func TestPayloadCanonicalHash(t *testing.T) {
	p := &EnvelopePayload{
		EnvelopeVersion:         SpecVersion,
		TenantID:                "ent-1",
		WorkspaceID:             "ws-1",
		PersonaID:               "per-1",
		PolicyID:                "pol-1",
		PolicyVersion:           3,
		PersonaResolutionPath:   "LOCAL(UAE-DUBAI) → REGIONAL(UAE)",
		PersonaResolutionScope:  "REGIONAL",
		TerritoryResolutionPath: "region_code:UAE",
		Content:                 json.RawMessage(`{"lead":"acme","intent":"demo"}`),
		SealedAt:                "2026-03-01T08:30:00.000000Z",
		SealedBy:                "user-1",
	}

	b1, h1, err := p.CanonicalHash()
	if err != nil {
		t.Fatal(err)
	}
	b2, h2, err := p.CanonicalHash()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || string(b1) != string(b2) {
		t.Error("payload hashing not deterministic")
	}

	// Omitted optionals must not appear at all.
	if strings.Contains(string(b1), "user_id") || strings.Contains(string(b1), "expires_at") {
		t.Errorf("empty optional fields serialized: %s", b1)
	}
	if strings.Contains(string(b1), "territory_id") {
		t.Errorf("empty territory serialized: %s", b1)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	p := &EnvelopePayload{
		EnvelopeVersion:         SpecVersion,
		TenantID:                "ent-1",
		WorkspaceID:             "ws-1",
		UserID:                  "user-9",
		PersonaID:               "per-1",
		PolicyID:                "pol-1",
		PolicyVersion:           1,
		TerritoryID:             "ter-7",
		PersonaResolutionPath:   "GLOBAL",
		PersonaResolutionScope:  "GLOBAL",
		TerritoryResolutionPath: "GLOBAL",
		Content:                 json.RawMessage(`{"k":"v"}`),
		SealedAt:                "2026-03-01T08:30:00.000000Z",
		SealedBy:                "user-9",
		ExpiresAt:               "2026-03-02T08:30:00.000000Z",
	}

	canon, err := p.Canonical()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePayload(canon)
	if err != nil {
		t.Fatal(err)
	}
	again, err := parsed.Canonical()
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != string(again) {
		t.Errorf("round trip changed canonical form:\n%s\n%s", canon, again)
	}
}

func TestPayloadRejectsBadContent(t *testing.T) {
	p := &EnvelopePayload{
		EnvelopeVersion: SpecVersion,
		TenantID:        "ent-1",
		WorkspaceID:     "ws-1",
		PersonaID:       "per-1",
		PolicyID:        "pol-1",
		SealedAt:        "2026-03-01T08:30:00.000000Z",
		SealedBy:        "user-1",
	}
	if _, err := p.Canonical(); err == nil {
		t.Error("empty content accepted")
	}
	p.Content = json.RawMessage(`{"broken`)
	if _, err := p.Canonical(); err == nil {
		t.Error("invalid JSON content accepted")
	}
}

func TestCheckVersion(t *testing.T) {
	for _, tag := range []string{"1.0", "1.0.0", "1.4.2", SpecVersion} {
		if err := CheckVersion(tag); err != nil {
			t.Errorf("supported tag %s rejected: %v", tag, err)
		}
	}
	for _, tag := range []string{"", "v?", "not-a-version", "2.0", "0.9.0"} {
		if err := CheckVersion(tag); err == nil {
			t.Errorf("unsupported tag %q accepted", tag)
		}
	}
}
