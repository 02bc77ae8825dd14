package voice

import (
	"testing"
	"time"
)

func TestSpeakableText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops emoji and markdown markers",
			in:   "Sure 😊 **let's** do this / now.",
			want: "Sure let's do this now.",
		},
		{
			name: "keeps markdown link label and removes url",
			in:   "Read [the docs](https://example.com/docs) first.",
			want: "Read the docs first.",
		},
		{
			name: "removes code blocks and inline code",
			in:   "```bash\nnpm run dev\n```\nThen run `make test` ✅",
			want: "Then run",
		},
		{
			name: "normalizes odd punctuation spacing",
			in:   "Hello***world///again",
			want: "Hello world again",
		},
		{
			name: "symbols only",
			in:   "✨🎉",
			want: "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := SpeakableText(tc.in)
			if got != tc.want {
				t.Fatalf("SpeakableText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSentenceChunks(t *testing.T) {
	got := sentenceChunks("One. Two! Three is longer? Four", 12)
	want := []string{"One. Two!", "Three is longer?", "Four"}
	if len(got) != len(want) {
		t.Fatalf("sentenceChunks() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
	if got := sentenceChunks("  ", 10); got != nil {
		t.Fatalf("sentenceChunks(blank) = %q, want nil", got)
	}
}

func TestEstimateSpeechDuration(t *testing.T) {
	if got := EstimateSpeechDuration(""); got != 0 {
		t.Fatalf("EstimateSpeechDuration(\"\") = %v, want 0", got)
	}
	got := EstimateSpeechDuration("one two three four five six seven eight nine ten eleven twelve thirteen")
	if got < 4*time.Second || got > 6*time.Second {
		t.Fatalf("EstimateSpeechDuration() = %v, want about 5s", got)
	}
}
