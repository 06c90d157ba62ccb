package render

import (
	"strings"
	"testing"
)

const testTemplate = `<html data-font="${user.font}"><h1>${user.display}</h1><p>@${user.name}</p><p>${user.description}</p></html>`

func TestRender_SubstitutesAllPlaceholders(t *testing.T) {
	out := Render(testTemplate, Fields{
		Username:    "ghost1",
		DisplayName: "Ghost One",
		Description: "boo",
		Font:        "creepster",
	})

	for _, want := range []string{">Ghost One<", "@ghost1<", ">boo<", `data-font="creepster"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "${user.") {
		t.Errorf("unsubstituted placeholder left in output: %s", out)
	}
}

func TestRender_EscapesScriptInjection(t *testing.T) {
	out := Render(testTemplate, Fields{
		Username:    "ghost1",
		DisplayName: "<script>x</script>",
		Description: `"><img src=x onerror=alert(1)>`,
	})

	if strings.Contains(out, "<script>") {
		t.Fatalf("unescaped script tag in output: %s", out)
	}
	if strings.Contains(out, "<img") {
		t.Fatalf("unescaped injected tag in output: %s", out)
	}
	if !strings.Contains(out, "&lt;script&gt;x&lt;/script&gt;") {
		t.Errorf("expected escaped script text, got: %s", out)
	}
}

func TestRender_MissingFieldsAreEmpty(t *testing.T) {
	out := Render(testTemplate, Fields{Username: "ghost1"})

	if !strings.Contains(out, "<h1></h1>") {
		t.Errorf("empty display name should render as empty string: %s", out)
	}
	if !strings.Contains(out, `data-font="`+DefaultFont+`"`) {
		t.Errorf("missing font should fall back to default: %s", out)
	}
}

func TestRender_RepeatedPlaceholders(t *testing.T) {
	out := Render("${user.name} ${user.name}", Fields{Username: "ghost1"})
	if out != "ghost1 ghost1" {
		t.Errorf("every occurrence should be replaced, got %q", out)
	}
}

func TestEscape_Idempotent(t *testing.T) {
	inputs := []string{
		"<script>x</script>",
		`Tom & Jerry "quoted" <b>`,
		"plain text",
		"&& & &notreallyanentitybecauseitsverylong",
	}

	for _, in := range inputs {
		once := Escape(in)
		twice := Escape(once)
		if once != twice {
			t.Errorf("Escape not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestEscape_PreservesExistingEntities(t *testing.T) {
	in := "&lt;already escaped&gt; &#34;quote&#34;"
	if got := Escape(in); got != in {
		t.Errorf("already-escaped input changed: %q", got)
	}
}

func TestEscape_BareAmpersand(t *testing.T) {
	if got := Escape("a & b"); got != "a &amp; b" {
		t.Errorf("expected bare ampersand escaped, got %q", got)
	}
	if got := Escape("a&"); got != "a&amp;" {
		t.Errorf("expected trailing ampersand escaped, got %q", got)
	}
}

func TestNormalizeFont(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"creepster", "creepster"},
		{" Creepster ", "creepster"},
		{"comic-sans", DefaultFont},
		{"", DefaultFont},
	}
	for _, tc := range cases {
		if got := NormalizeFont(tc.in); got != tc.want {
			t.Errorf("NormalizeFont(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if KnownFont("comic-sans") {
		t.Error("comic-sans should not be in the catalog")
	}
	if !KnownFont("inter") {
		t.Error("inter should be in the catalog")
	}
}
