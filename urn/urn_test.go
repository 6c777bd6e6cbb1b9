package urn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeport-io/capmesh/urn"
)

func TestParseRejectsMissingPrefix(t *testing.T) {
	_, err := urn.Parse("in=media:text;out=media:text")
	require.Error(t, err)
}

func TestParseRoundTripsCanonicalForm(t *testing.T) {
	u, err := urn.Parse("cap:out=media:text;in=media:text;op=summarize")
	require.NoError(t, err)
	assert.Equal(t, "cap:in=media:text;op=summarize;out=media:text", u.String())
}

func TestParseBareKeyIsWildcard(t *testing.T) {
	u, err := urn.Parse("cap:in;out=media:text")
	require.NoError(t, err)
	v, ok := u.Tag("in")
	require.True(t, ok)
	assert.Equal(t, urn.Wildcard, v)
}

func TestParseRejectsDuplicateKey(t *testing.T) {
	_, err := urn.Parse("cap:in=media:text;in=media:json")
	require.Error(t, err)
}

func TestParseQuotedValueWithSpaces(t *testing.T) {
	u, err := urn.Parse(`cap:in=media:text;name="hello world"`)
	require.NoError(t, err)
	v, ok := u.Tag("name")
	require.True(t, ok)
	assert.Equal(t, "hello world", v)
	assert.Contains(t, u.String(), `name="hello world"`)
}

func TestAcceptsExactMatch(t *testing.T) {
	a := urn.MustParse("cap:in=media:text;out=media:json;op=summarize")
	b := urn.MustParse("cap:in=media:text;out=media:json;op=summarize")
	assert.True(t, a.Accepts(b))
	assert.True(t, b.Accepts(a))
}

func TestAcceptsWildcardTag(t *testing.T) {
	registered := urn.MustParse("cap:in=media:text;out=*;op=summarize")
	request := urn.MustParse("cap:in=media:text;out=media:json;op=summarize")
	assert.True(t, registered.Accepts(request))
}

func TestAcceptsMissingTagIsWildcard(t *testing.T) {
	registered := urn.MustParse("cap:in=media:text;out=media:json")
	request := urn.MustParse("cap:in=media:text;out=media:json;op=summarize")
	assert.True(t, registered.Accepts(request))
	assert.True(t, request.Accepts(registered))
}

func TestAcceptsMismatchFails(t *testing.T) {
	registered := urn.MustParse("cap:in=media:text;out=media:json;op=summarize")
	request := urn.MustParse("cap:in=media:text;out=media:json;op=translate")
	assert.False(t, registered.Accepts(request))
}

func TestSpecificityCountsNonWildcardTags(t *testing.T) {
	a := urn.MustParse("cap:in=media:text;out=media:json;op=summarize")
	b := urn.MustParse("cap:in=media:text;out=*;op=*")
	assert.Equal(t, 3, a.Specificity())
	assert.Equal(t, 1, b.Specificity())
	assert.True(t, a.Specificity() > b.Specificity())
}

func TestEqualsIgnoresTagOrder(t *testing.T) {
	a := urn.MustParse("cap:in=media:text;out=media:json")
	b := urn.MustParse("cap:out=media:json;in=media:text")
	assert.True(t, a.Equals(b))
}
