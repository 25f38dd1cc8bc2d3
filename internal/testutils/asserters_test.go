package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures asserter failures instead of failing the test.
type recordingT struct {
	errors []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestJSONAsserter(t *testing.T) {
	ja := NewJSONAsserter(t)

	assert.Empty(t, ja.Diff(`{"a": 1, "extra": true}`, `{"a": 1}`), "extra keys MUST be ignored by default")
	assert.Empty(t, ja.Diff(`{"id": "x-42", "a": 1}`, `{"id": "<<PRESENCE>>", "a": 1}`), "placeholder MUST accept any present value")
	assert.NotEmpty(t, ja.Diff(`{"a": 1}`, `{"id": "<<PRESENCE>>", "a": 1}`), "placeholder MUST require presence")
	assert.NotEmpty(t, ja.Diff(`{"list": [2, 1]}`, `{"list": [1, 2]}`), "array order MUST matter by default")
	assert.Empty(t, NewJSONAsserter(t).WithOptions(WithIgnoreArrayOrder(true)).Diff(`{"list": [2, 1]}`, `{"list": [1, 2]}`))
	assert.Empty(t, NewJSONAsserter(t).WithOptions(WithIgnoredFields("ts")).Diff(`{"a": {"ts": 1}}`, `{"a": {"ts": 2}}`))
	assert.NotEmpty(t, NewJSONAsserter(t).WithOptions(WithIgnoreExtraKeys(false)).Diff(`{"a": 1, "b": 2}`, `{"a": 1}`))
	assert.Empty(t, ja.Diff(`[{"a": 1}]`, `[{"a": 1}]`), "top-level arrays MUST compare")
	assert.Contains(t, ja.Diff(`{`, `{}`), "invalid actual JSON")

	rec := &recordingT{}
	newJSONAsserter(rec).Assert(`{"a": 1}`, `{"a": 2}`)
	assert.Len(t, rec.errors, 1, "mismatch MUST report one failure")
}

func TestTextAsserter(t *testing.T) {
	ta := NewTextAsserter(t)

	assert.Empty(t, ta.Diff("  a  \nb\t\n", "a\nb"), "surrounding and trailing whitespace MUST be ignored")

	diff := ta.Diff("a\nc", "a\nb")
	assert.Contains(t, diff, "-b")
	assert.Contains(t, diff, "+c")

	colored := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("x", "y")
	assert.Contains(t, colored, "\x1b[", "colored diff MUST carry escape codes")

	assert.NotEmpty(t, NewTextAsserter(t).WithOptions(WithTrimSpace(false)).Diff(" a", "a"))

	rec := &recordingT{}
	newTextAsserter(rec).Assert("a", "b")
	assert.Len(t, rec.errors, 1)
}
