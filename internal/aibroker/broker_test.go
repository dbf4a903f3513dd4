package aibroker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/formscout/controlplane/internal/domain"
)

func stepFixture() domain.Step {
	return domain.Step{Action: domain.ActionSelect, Selector: "#state"}
}

func TestGenerateFormSteps_ObjectShape(t *testing.T) {
	fc := &FakeModelClient{Responses: []FakeResponse{
		{Text: "```json\n{\"steps\": [{\"action\": \"fill\", \"selector\": \"#email\", \"value\": \"a@b.com\"}], \"no_more_paths\": true}\n```", InputTokens: 10, OutputTokens: 5},
	}}
	b := New(fc)
	result, err := b.GenerateFormSteps(context.Background(), "<html></html>", nil, nil)
	require.NoError(t, err)
	require.True(t, result.NoMorePaths)
	require.Len(t, result.Steps, 1)
	require.Equal(t, "#email", result.Steps[0].Selector)
}

func TestGenerateFormSteps_BareArrayLegacyShape(t *testing.T) {
	fc := &FakeModelClient{Responses: []FakeResponse{
		{Text: `[{"action": "click", "selector": ".submit"}]`},
	}}
	b := New(fc)
	result, err := b.GenerateFormSteps(context.Background(), "<html></html>", nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	require.False(t, result.NoMorePaths)
}

func TestCall_RetriesThenSucceeds(t *testing.T) {
	fc := &FakeModelClient{Responses: []FakeResponse{
		{Err: fakeErr("overloaded")},
		{Err: fakeErr("overloaded")},
		{Text: `{"steps": [], "no_more_paths": true}`},
	}}
	b := New(fc)
	result, err := b.GenerateFormSteps(context.Background(), "<html></html>", nil, nil)
	require.NoError(t, err)
	require.True(t, result.NoMorePaths)
}

func TestCall_ExhaustsRetriesReturnsEmptyNotError(t *testing.T) {
	fc := &FakeModelClient{Responses: []FakeResponse{
		{Err: fakeErr("e1")}, {Err: fakeErr("e2")}, {Err: fakeErr("e3")},
	}}
	b := New(fc)
	result, err := b.GenerateFormSteps(context.Background(), "<html></html>", nil, nil)
	require.NoError(t, err) // exhausted retries is an empty result, never a Go error
	require.Empty(t, result.Steps)
	require.False(t, result.NoMorePaths)
}

func TestExtractBalancedBlock_IgnoresBracesInStrings(t *testing.T) {
	raw := `some preamble {"steps": [{"action": "fill", "value": "use {braces} here"}], "no_more_paths": false} trailing`
	block := extractBalancedBlock(raw)
	require.Equal(t, `{"steps": [{"action": "fill", "value": "use {braces} here"}], "no_more_paths": false}`, block)
}

func TestSanitizeEscapes_FixesInvalidBackslash(t *testing.T) {
	raw := `{"field_requirements": "path is C:\Env"}`
	out := sanitizeEscapes(raw)
	require.Contains(t, out, `C:\\Env`)
}

func TestVerifyJunction_DefaultsTrueWhenUnverifiable(t *testing.T) {
	fc := &FakeModelClient{Responses: []FakeResponse{
		{Text: ""},
	}}
	b := New(fc)
	v, err := b.VerifyJunction(context.Background(), nil, nil, stepFixture())
	require.NoError(t, err)
	require.True(t, v.IsJunction)
}
