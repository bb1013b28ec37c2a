/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package keyname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name   string
		server string
		in     Name
		want   string
	}{
		{name: "two segments", server: "test", in: New("t1", "a.jpg"), want: "test/t1/a.jpg"},
		{name: "empty name", server: "test", in: Name{}, want: "test"},
		{name: "nil name", server: "test", in: nil, want: "test"},
		{name: "unicode", server: "voez", in: New("t1", "エグゼリカ01.jpg"), want: "voez/t1/エグゼリカ01.jpg"},
		{name: "empty segment", server: "s", in: New("a", "", "b"), want: "s/a//b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.server, tt.in))
			assert.Equal(t, []byte(tt.want), EncodeBytes(tt.server, tt.in))
		})
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	names := []Name{
		New("t1", "a.jpg"),
		New("t1"),
		{},
		New("a", "b", "c", "d"),
		New("t2", "エグゼリカ02.jpg"),
		New("", "x"),
	}

	for _, n := range names {
		t.Run(n.String(), func(t *testing.T) {
			got, err := Decode("test", Encode("test", n))
			require.NoError(t, err)
			assert.True(t, got.Equal(n), "Decode(Encode(%v)) = %v", n, got)
		})
	}
}

func TestDecode_AddressMismatch(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "other server", key: "prod/t1/a.jpg"},
		{name: "server is string prefix", key: "tester/t1/a.jpg"},
		{name: "empty key", key: ""},
		{name: "leading slash", key: "/test/t1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("test", tt.key)
			assert.ErrorIs(t, err, ErrAddressMismatch)
		})
	}
}

func TestPrefixKey(t *testing.T) {
	assert.Equal(t, "test/", PrefixKey("test", Name{}))
	assert.Equal(t, "test/t1/", PrefixKey("test", New("t1")))
	assert.Equal(t, "test/t1/sub/", PrefixKey("test", New("t1", "sub")))

	prefixes := []Name{{}, New("t1"), New("t1", "sub")}
	for _, p := range prefixes {
		pk := PrefixKey("test", p)
		assert.True(t, strings.HasSuffix(pk, "/"), "PrefixKey(%v) = %q", p, pk)
		for _, seg := range []string{"x", "a.jpg", ""} {
			key := Encode("test", p.Append(seg))
			assert.True(t, strings.HasPrefix(key, pk), "%q should start with %q", key, pk)
		}
	}
}

func TestPrefixKey_ExcludesSiblings(t *testing.T) {
	pk := PrefixKey("test", New("t1"))
	assert.False(t, strings.HasPrefix(Encode("test", New("t10", "a.jpg")), pk))
}

func TestParse(t *testing.T) {
	assert.Equal(t, Name{}, Parse(""))
	assert.Equal(t, New("t1"), Parse("t1"))
	assert.Equal(t, New("t1", "a.jpg"), Parse("t1/a.jpg"))
}

func TestName_Append(t *testing.T) {
	base := make(Name, 1, 4)
	base[0] = "t1"
	a := base.Append("a")
	b := base.Append("b")
	assert.Equal(t, New("t1", "a"), a)
	assert.Equal(t, New("t1", "b"), b)
	assert.Equal(t, New("t1"), base)
}

func TestName_String(t *testing.T) {
	assert.Equal(t, `("t1", "a.jpg")`, New("t1", "a.jpg").String())
	assert.Equal(t, `()`, Name{}.String())
}

func TestNamer(t *testing.T) {
	n := NewNamer("test")
	assert.Equal(t, "test", n.ServerName())
	assert.Equal(t, "test/t1/a.jpg", n.Key(New("t1", "a.jpg")))
	assert.Equal(t, []byte("test/t1/a.jpg"), n.KeyBytes(New("t1", "a.jpg")))
	assert.Equal(t, "test/t1/", n.Prefix(New("t1")))

	got, err := n.Name("test/t1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, New("t1", "a.jpg"), got)

	_, err = n.Name("other/t1/a.jpg")
	assert.ErrorIs(t, err, ErrAddressMismatch)
}
