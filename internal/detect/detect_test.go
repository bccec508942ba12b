package detect

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestExtractTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "empty input",
			text: "",
			want: nil,
		},
		{
			name: "no tokens",
			text: "hello there, nothing to see @ all",
			want: nil,
		},
		{
			name: "mixed case normalized in order",
			text: "reach me at A@Foo.COM or b@bar.io",
			want: []string{"a@foo.com", "b@bar.io"},
		},
		{
			name: "duplicates collapse to first occurrence",
			text: "b@bar.io, A@foo.com, B@BAR.IO",
			want: []string{"b@bar.io", "a@foo.com"},
		},
		{
			name: "plus tags and dots",
			text: "Contact user.name+tag@gmail.com today",
			want: []string{"user.name+tag@gmail.com"},
		},
		{
			name: "single letter tld rejected",
			text: "x@y.z",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractTokens(tt.text)
			var norms []string
			if len(got) > 0 {
				norms = Normalized(got)
			}
			if !reflect.DeepEqual(norms, tt.want) {
				t.Errorf("ExtractTokens(%q) = %v, want %v", tt.text, norms, tt.want)
			}
		})
	}
}

func TestExtractTokens_PreservesRaw(t *testing.T) {
	got := ExtractTokens("reach me at A@Foo.COM")
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Raw != "A@Foo.COM" {
		t.Errorf("Raw = %q, want A@Foo.COM", got[0].Raw)
	}
}

func TestPartition(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tokens := ExtractTokens("reach me at A@Foo.COM or b@bar.io")

	tests := []struct {
		name           string
		snapshot       Snapshot
		wantActive     []string
		wantSuppressed []string
	}{
		{
			name:       "no suppressions",
			snapshot:   nil,
			wantActive: []string{"a@foo.com", "b@bar.io"},
		},
		{
			name:           "future expiry suppresses",
			snapshot:       Snapshot{"a@foo.com": now.Add(time.Hour)},
			wantActive:     []string{"b@bar.io"},
			wantSuppressed: []string{"a@foo.com"},
		},
		{
			name:       "expiry equal to now is inert",
			snapshot:   Snapshot{"a@foo.com": now},
			wantActive: []string{"a@foo.com", "b@bar.io"},
		},
		{
			name:       "past expiry is inert",
			snapshot:   Snapshot{"b@bar.io": now.Add(-time.Second)},
			wantActive: []string{"a@foo.com", "b@bar.io"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active, suppressed := Partition(tokens, tt.snapshot, now)
			if got := names(active); !reflect.DeepEqual(got, tt.wantActive) {
				t.Errorf("active = %v, want %v", got, tt.wantActive)
			}
			if got := names(suppressed); !reflect.DeepEqual(got, tt.wantSuppressed) {
				t.Errorf("suppressed = %v, want %v", got, tt.wantSuppressed)
			}
		})
	}
}

func TestMask(t *testing.T) {
	text := "reach me at A@Foo.COM or b@bar.io"

	t.Run("all active", func(t *testing.T) {
		got := Mask(text, nil)
		want := "reach me at " + Placeholder + " or " + Placeholder
		if got != want {
			t.Errorf("Mask() = %q, want %q", got, want)
		}
	})

	t.Run("suppressed token left verbatim", func(t *testing.T) {
		got := Mask(text, map[string]bool{"a@foo.com": true})
		want := "reach me at A@Foo.COM or " + Placeholder
		if got != want {
			t.Errorf("Mask() = %q, want %q", got, want)
		}
	})

	t.Run("every occurrence masked", func(t *testing.T) {
		got := Mask("b@bar.io then B@BAR.IO", nil)
		if strings.Contains(strings.ToLower(got), "bar.io") {
			t.Errorf("Mask() left a token behind: %q", got)
		}
	})

	t.Run("empty text", func(t *testing.T) {
		if got := Mask("", nil); got != "" {
			t.Errorf("Mask(\"\") = %q", got)
		}
	})
}

func TestMask_ExtractionIsStable(t *testing.T) {
	now := time.Now()
	inputs := []string{
		"reach me at A@Foo.COM or b@bar.io",
		"plain text only",
		"x@y.co,x@y.co;Z@Q.ORG",
	}
	snapshot := Snapshot{"b@bar.io": now.Add(time.Hour)}

	for _, in := range inputs {
		scan := Analyze(in, snapshot, now)

		// Masked output only keeps suppressed tokens, so re-extracting yields
		// the suppressed set and nothing active.
		again := Analyze(scan.Masked, snapshot, now)
		if len(again.Active) != 0 {
			t.Errorf("%q: masked output still has active tokens %v", in, names(again.Active))
		}
		if !reflect.DeepEqual(names(again.Suppressed), names(scan.Suppressed)) {
			t.Errorf("%q: suppressed = %v, want %v", in, names(again.Suppressed), names(scan.Suppressed))
		}

		// Substituting the originals back restores the same active set.
		restored := scan.Masked
		for _, tok := range scan.Active {
			restored = strings.Replace(restored, Placeholder, tok.Raw, 1)
		}
		if got, want := names(Analyze(restored, snapshot, now).Active), names(scan.Active); !reflect.DeepEqual(got, want) {
			t.Errorf("%q: restored active = %v, want %v", in, got, want)
		}
	}
}

func names(tokens []Token) []string {
	if len(tokens) == 0 {
		return nil
	}
	return Normalized(tokens)
}

func TestExtractTokens_LongInput(t *testing.T) {
	dotted := strings.Repeat("a.", 20000)

	tests := []struct {
		name       string
		text       string
		want       []string
		wantMasked string
	}{
		{
			name:       "long run without at sign",
			text:       dotted,
			want:       nil,
			wantMasked: dotted,
		},
		{
			name:       "long run with at sign is flagged whole",
			text:       "see " + dotted + "@x.io now",
			want:       []string{dotted + "@x.io"},
			wantMasked: "see " + Placeholder + " now",
		},
		{
			name:       "many short words",
			text:       strings.Repeat("word ", 20000) + "Bob@Corp.example",
			want:       []string{"bob@corp.example"},
			wantMasked: strings.Repeat("word ", 20000) + Placeholder,
		},
		{
			name:       "run at the length limit is matched",
			text:       strings.Repeat("a", MaxRunLen-6) + "@b.com",
			want:       []string{strings.Repeat("a", MaxRunLen-6) + "@b.com"},
			wantMasked: Placeholder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			got := ExtractTokens(tt.text)
			masked := Mask(tt.text, nil)
			if d := time.Since(start); d > 2*time.Second {
				t.Errorf("scan took %v", d)
			}

			if norm := names(got); !reflect.DeepEqual(norm, tt.want) {
				t.Errorf("ExtractTokens() returned %d tokens, want %d", len(norm), len(tt.want))
			}
			if masked != tt.wantMasked {
				t.Errorf("Mask() = %.60q..., want %.60q...", masked, tt.wantMasked)
			}
		})
	}
}
