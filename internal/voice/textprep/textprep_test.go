package textprep_test

import (
	"testing"

	"github.com/book-expert/voiceclone/internal/voice/textprep"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty",
			input: "   ",
			want:  "",
		},
		{
			name:  "abbreviations numbers and whitespace",
			input: "Dr. Smith  lives at 221 Baker St.   ",
			want:  "Doctor Smith lives at two hundred twenty-one Baker Saint.",
		},
		{
			name:  "urls keep their digits",
			input: "Visit https://example.com/page2 now",
			want:  "Visit https://example.com/page2 now.",
		},
		{
			name:  "emails are preserved",
			input: "Write to Dr.Who@example.com today",
			want:  "Write to Dr.Who@example.com today.",
		},
		{
			name:  "citations and references removed",
			input: "As shown (Smith, 2020) in [12] the results hold",
			want:  "As shown in the results hold.",
		},
		{
			name:  "typography",
			input: "“Hello”—she said…",
			want:  `"Hello" - she said...`,
		},
		{
			name:  "repeated punctuation",
			input: "Wait!!! Really??",
			want:  "Wait! Really?",
		},
		{
			name:  "trailing comma becomes period",
			input: "Hello, world,",
			want:  "Hello, world.",
		},
		{
			name:  "newlines and tabs",
			input: "line one\r\n\tline two",
			want:  "line one line two.",
		},
	}

	normalizer := textprep.New()

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.want, normalizer.Normalize(testCase.input))
		})
	}
}

func TestNormalizeWithoutNumberSpelling(t *testing.T) {
	t.Parallel()

	normalizer := textprep.New(textprep.WithoutNumberSpelling())

	assert.Equal(t, "Chapter 3 begins.", normalizer.Normalize("Chapter 3 begins"))
}

func TestNormalizeManyProtectedTokens(t *testing.T) {
	t.Parallel()

	input := ""
	want := ""

	for index := range 30 {
		url := "https://example.com/" + textprep.SpellInt(index)
		input += url + " "
		want += url + " "
	}

	assert.Equal(t, want[:len(want)-1]+".", textprep.New().Normalize(input))
}

func TestSpellInt(t *testing.T) {
	t.Parallel()

	tests := map[int]string{
		0:       "zero",
		7:       "seven",
		15:      "fifteen",
		40:      "forty",
		42:      "forty-two",
		105:     "one hundred five",
		1000:    "one thousand",
		123456:  "one hundred twenty-three thousand four hundred fifty-six",
		999999:  "nine hundred ninety-nine thousand nine hundred ninety-nine",
		1000000: "1000000",
		-3:      "-3",
	}

	for number, want := range tests {
		assert.Equal(t, want, textprep.SpellInt(number), "number %d", number)
	}
}
