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

// Package keyname maps hierarchical object names onto flat storage keys.
//
// A key is the server name followed by every segment of the name, joined
// with "/". For server "test" the name ("t1", "a.jpg") becomes the key
// "test/t1/a.jpg". Segments are not escaped: a segment containing "/"
// produces a key that decodes to a different name.
package keyname

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator joins the server name and name segments into a key.
const Separator = "/"

// ErrAddressMismatch is returned when a key does not belong to the expected
// server namespace.
var ErrAddressMismatch = errors.New("key does not belong to server namespace")

// Name is an ordered sequence of path segments identifying an object within
// a server namespace.
type Name []string

// New builds a Name from its segments.
func New(segments ...string) Name {
	return Name(segments)
}

// Parse splits a slash separated path such as "t1/a.jpg" into a Name.
// An empty path yields an empty Name.
func Parse(path string) Name {
	if path == "" {
		return Name{}
	}
	return Name(strings.Split(path, Separator))
}

// Append returns a new Name with the given segments added after n.
func (n Name) Append(segments ...string) Name {
	out := make(Name, 0, len(n)+len(segments))
	out = append(out, n...)
	return append(out, segments...)
}

// Equal reports whether n and other contain the same segments in order.
func (n Name) Equal(other Name) bool {
	if len(n) != len(other) {
		return false
	}
	for i := range n {
		if n[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the name as a tuple, e.g. ("t1", "a.jpg").
func (n Name) String() string {
	quoted := make([]string, len(n))
	for i, s := range n {
		quoted[i] = strconv.Quote(s)
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

// Encode joins serverName and every segment of name into a storage key.
func Encode(serverName string, name Name) string {
	parts := make([]string, 0, len(name)+1)
	parts = append(parts, serverName)
	parts = append(parts, name...)
	return strings.Join(parts, Separator)
}

// EncodeBytes is Encode returning the UTF-8 bytes of the key.
func EncodeBytes(serverName string, name Name) []byte {
	return []byte(Encode(serverName, name))
}

// Decode splits key back into a Name. It returns ErrAddressMismatch when the
// first segment of key is not serverName.
func Decode(serverName, key string) (Name, error) {
	parts := strings.Split(key, Separator)
	if parts[0] != serverName {
		return nil, fmt.Errorf("%w: key %q, server %q", ErrAddressMismatch, key, serverName)
	}
	return Name(parts[1:]), nil
}

// PrefixKey encodes a partial name with an empty trailing segment. The result
// always ends in "/", so a prefix search only matches true descendants of
// prefix and not siblings sharing a string prefix ("t1" vs "t10").
func PrefixKey(serverName string, prefix Name) string {
	return Encode(serverName, prefix.Append(""))
}

// Namer binds the codec to one server namespace. Backends embed it by value.
type Namer struct {
	serverName string
}

// NewNamer returns a Namer for serverName.
func NewNamer(serverName string) Namer {
	return Namer{serverName: serverName}
}

// ServerName returns the namespace this Namer encodes into.
func (n Namer) ServerName() string {
	return n.serverName
}

// Key returns the storage key for name.
func (n Namer) Key(name Name) string {
	return Encode(n.serverName, name)
}

// KeyBytes returns the storage key for name as bytes.
func (n Namer) KeyBytes(name Name) []byte {
	return EncodeBytes(n.serverName, name)
}

// Prefix returns the prefix key used to list everything under prefix.
func (n Namer) Prefix(prefix Name) string {
	return PrefixKey(n.serverName, prefix)
}

// Name decodes key back into a Name.
func (n Namer) Name(key string) (Name, error) {
	return Decode(n.serverName, key)
}
