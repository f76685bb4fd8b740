package toolsvc

import "testing"

func TestSubstituteTemplate(t *testing.T) {
	got := substituteTemplate("https://api.example.com/v1/{resource}?id={id}", map[string]any{
		"resource": "widgets",
		"id":       42,
	})
	want := "https://api.example.com/v1/widgets?id=42"
	if got != want {
		t.Fatalf("substituteTemplate() = %q, want %q", got, want)
	}
}

func TestSubstituteTemplate_MissingArgLeftLiteral(t *testing.T) {
	got := substituteTemplate("https://api.example.com/{missing}", map[string]any{})
	if got != "https://api.example.com/{missing}" {
		t.Fatalf("expected unresolved token to pass through unchanged, got %q", got)
	}
}

func TestDefaultPolicy_GrantsHTTPGetCapability(t *testing.T) {
	p := DefaultPolicy()
	if !p.AllowCapability("wasm.http.get") {
		t.Fatal("DefaultPolicy() must grant wasm.http.get so STANDARD http_get tools can run")
	}
	if p.AllowHTTPURL("https://example.com") {
		t.Fatal("DefaultPolicy() must not allowlist any domain by default")
	}
}
