package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Class
	}{
		{"question mark", "What time works for you?", Short},
		{"statement", "Okay, I've scheduled that.", Long},
		{"empty", "", Long},
		{"whitespace only", "   \n\t", Long},
		{"padded question", "  Are you free tomorrow?  ", Short},
		{"cue without question mark", "Could you send me the file", Short},
		{"upper-case cue", "WHERE should I put it", Short},
		{"contraction cue", "what's the meeting about", Short},
		{"cue is a whole word", "However, the event is booked.", Long},
		{"cue inside sentence", "Done. Let me know how it goes.", Long},
		{"tell me more", "Tell me more about the trip", Short},
		{"trailing question after newline", "Booked.\nAnything else?\n", Short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.text))
		})
	}
}

func TestKeywordsCustomCues(t *testing.T) {
	k := NewKeywords("  Pardon ", "")
	assert.Equal(t, Short, k.Classify("pardon me"))
	assert.Equal(t, Long, k.Classify("what is it"))
	assert.Equal(t, Short, k.Classify("what is it?"))
}

func TestBlankResponseIsLong(t *testing.T) {
	assert.Equal(t, Long, Classify(""))
	assert.Equal(t, Long, Classify(" \n\t "))
}

func TestTTLsDuration(t *testing.T) {
	ttls := DefaultTTLs()
	assert.Equal(t, 300*time.Second, ttls.Duration(Short))
	assert.Equal(t, 3600*time.Second, ttls.Duration(Long))
	assert.Equal(t, 3600*time.Second, ttls.Duration(Class(7)))
	assert.Equal(t, "short", Short.String())
	assert.Equal(t, "long", Long.String())
}

func TestCompileExpr(t *testing.T) {
	e, err := CompileExpr(`trimmed endsWith "?" || lower startsWith "please confirm"`)
	require.NoError(t, err)

	assert.Equal(t, Short, e.Classify("Please confirm the booking"))
	assert.Equal(t, Short, e.Classify("  Ready?  "))
	assert.Equal(t, Long, e.Classify("How nice."))

	kw, err := CompileExpr(`keyword && len(trimmed) < 200`)
	require.NoError(t, err)
	assert.Equal(t, Short, kw.Classify("How nice."))
	assert.Equal(t, Long, kw.Classify(strings.Repeat("a", 250)+"?"))
}

func TestCompileExprErrors(t *testing.T) {
	_, err := CompileExpr("")
	require.Error(t, err)

	_, err = CompileExpr(`len(text)`)
	require.Error(t, err, "non-boolean expressions are rejected")

	_, err = CompileExpr(`unknown_var == 1`)
	require.Error(t, err)
}

func TestClassifyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("trailing question mark is always short", prop.ForAll(
		func(s string) bool {
			return Classify(s+"?") == Short
		},
		gen.AlphaString(),
	))

	properties.Property("surrounding whitespace is ignored", prop.ForAll(
		func(s string) bool {
			return Classify(" \t"+s+"\n ") == Classify(s)
		},
		gen.AnyString(),
	))

	properties.Property("case is ignored", prop.ForAll(
		func(s string) bool {
			return Classify(strings.ToUpper(s)) == Classify(s)
		},
		gen.AlphaString(),
	))

	properties.Property("deterministic", prop.ForAll(
		func(s string) bool {
			return Classify(s) == Classify(s)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
