package content

import (
	"strings"
	"testing"
)

func TestTemplateService_Render(t *testing.T) {
	ts := NewTemplateService()

	tests := []struct {
		name     string
		template string
		ctx      map[string]interface{}
		expected string
	}{
		{
			name:     "simple substitution",
			template: "Hallo {{ first_name }}!",
			ctx:      map[string]interface{}{"first_name": "Anna"},
			expected: "Hallo Anna!",
		},
		{
			name:     "default for missing name",
			template: `Hallo {{ first_name | default: "liebes Mitglied" }}!`,
			ctx:      map[string]interface{}{},
			expected: "Hallo liebes Mitglied!",
		},
		{
			name:     "default for empty name",
			template: `Hallo {{ first_name | default: "liebes Mitglied" }}!`,
			ctx:      map[string]interface{}{"first_name": ""},
			expected: "Hallo liebes Mitglied!",
		},
		{
			name:     "capitalize",
			template: "{{ name | capitalize }}",
			ctx:      map[string]interface{}{"name": "anna"},
			expected: "Anna",
		},
		{
			name:     "truncate",
			template: "{{ text | truncate: 10 }}",
			ctx:      map[string]interface{}{"text": "ein sehr langer Text"},
			expected: "ein seh...",
		},
		{
			name:     "escape",
			template: "{{ input | escape }}",
			ctx:      map[string]interface{}{"input": "<script>"},
			expected: "&lt;script&gt;",
		},
		{
			name:     "mask_email",
			template: "{{ email | mask_email }}",
			ctx:      map[string]interface{}{"email": "anna.schmidt@example.org"},
			expected: "an***@example.org",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ts.Render("", tc.template, tc.ctx)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tc.expected {
				t.Errorf("Render() = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestTemplateService_Parse(t *testing.T) {
	ts := NewTemplateService()

	if err := ts.Parse("Hallo {{ first_name }}"); err != nil {
		t.Errorf("Parse() of valid template returned %v", err)
	}
	if err := ts.Parse("Hallo {% if %}"); err == nil {
		t.Error("Parse() of broken template should return an error")
	}
}

func TestTemplateService_RenderCaching(t *testing.T) {
	ts := NewTemplateService()

	out1, err := ts.Render("nl-1", "Hallo {{ first_name }}", map[string]interface{}{"first_name": "Anna"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out2, err := ts.Render("nl-1", "IGNORED BODY", map[string]interface{}{"first_name": "Ben"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	// Second call must hit the cached template, not the new body.
	if out1 != "Hallo Anna" || out2 != "Hallo Ben" {
		t.Errorf("cached render = (%q, %q), want (Hallo Anna, Hallo Ben)", out1, out2)
	}

	ts.ClearCacheKey("nl-1")
	out3, err := ts.Render("nl-1", "Tschüss {{ first_name }}", map[string]interface{}{"first_name": "Ben"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out3 != "Tschüss Ben" {
		t.Errorf("render after cache clear = %q, want %q", out3, "Tschüss Ben")
	}
}

func TestTemplateService_RenderErrorReturnsOriginal(t *testing.T) {
	ts := NewTemplateService()

	broken := "Hallo {% if %}"
	got, err := ts.Render("", broken, nil)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(got, "Hallo") {
		t.Errorf("failed render should return the original template, got %q", got)
	}
}
