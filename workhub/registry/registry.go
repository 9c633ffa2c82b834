// Package registry resolves an envelope's fully-qualified type descriptor
// to the decoder that can deserialize its payload. The map is built once
// at startup by the host's generated registration call and is read-only
// and lock-free afterward — there is no runtime reflection-based type
// resolution anywhere in this package.
package registry

import (
	"fmt"
	"strings"
	"sync"
)

// Decoder turns the opaque payload bytes of one envelope type into a Go
// value.
type Decoder func(data []byte) (any, error)

// Registry is a name-to-decoder map, normalized on both registration and
// lookup so producer/consumer version skew never breaks decoding.
type Registry struct {
	mu      sync.Mutex
	sealed  bool
	decoders map[string]Decoder
}

// New returns an empty, unsealed registry.
func New() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register associates a decoder with a type name, normalizing the name
// first. Register panics if called after Seal: registration is meant to
// happen exactly once, during startup.
func (r *Registry) Register(typeName string, decoder Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		panic(fmt.Sprintf("registry: Register(%q) called after Seal", typeName))
	}
	r.decoders[Normalize(typeName)] = decoder
}

// Seal marks the registry read-only. Call it once, after every generated
// registration call has run, before serving traffic.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup finds the decoder for typeName, normalizing it first. Reads never
// take the registry's mutex: a sealed map is never written again, so
// concurrent lookups are safe without synchronization.
func (r *Registry) Lookup(typeName string) (Decoder, bool) {
	decoder, ok := r.decoders[Normalize(typeName)]
	return decoder, ok
}

// Normalize strips version, culture and public-key-token qualifiers from a
// fully-qualified type descriptor, recursing into bracketed generic
// arguments, so "MyApp.OrderCreated, MyApp.Domain, Version=1.0.0.0,
// Culture=neutral, PublicKeyToken=null" and a newer assembly's descriptor
// for the same type normalize to the same key.
func Normalize(typeName string) string {
	typeName = strings.TrimSpace(typeName)

	if args, rest, ok := splitGenericArgs(typeName); ok {
		normalizedArgs := make([]string, len(args))
		for i, a := range args {
			normalizedArgs[i] = Normalize(a)
		}
		return stripQualifiers(rest) + "[[" + strings.Join(normalizedArgs, "],[") + "]]"
	}

	return stripQualifiers(typeName)
}

// stripQualifiers drops everything after the first top-level comma: the
// assembly name, Version=, Culture= and PublicKeyToken= segments that a
// .NET-style assembly-qualified name appends after the bare type name.
func stripQualifiers(typeName string) string {
	depth := 0
	for i, r := range typeName {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				return strings.TrimSpace(typeName[:i])
			}
		}
	}
	return strings.TrimSpace(typeName)
}

// splitGenericArgs recognizes the "Outer`1[[Arg1],[Arg2]], assembly..."
// shape and returns the bracketed argument descriptors plus the
// (still-qualified) outer type name with the argument list removed.
func splitGenericArgs(typeName string) (args []string, rest string, ok bool) {
	open := strings.Index(typeName, "[[")
	if open < 0 {
		return nil, "", false
	}

	depth := 0
	close := -1
	for i := open; i < len(typeName); i++ {
		switch typeName[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				close = i
			}
		}
		if close >= 0 {
			break
		}
	}
	if close < 0 {
		return nil, "", false
	}

	// inner keeps each argument's own bracket pair, e.g. "[Arg1],[Arg2]" for
	// a two-argument generic, or "[Arg1]" for one — uniform enough that
	// splitTopLevelArgs only needs to find top-level bracket groups.
	inner := typeName[open+1 : close]
	rest = typeName[:open] + typeName[close+1:]
	return splitTopLevelArgs(inner), rest, true
}

// splitTopLevelArgs extracts the content of each top-level "[...]" group in
// inner, descending through nested brackets (an argument that is itself a
// generic type) without splitting on them.
func splitTopLevelArgs(inner string) []string {
	var args []string
	depth := 0
	argStart := -1
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '[':
			depth++
			if depth == 1 {
				argStart = i + 1
			}
		case ']':
			depth--
			if depth == 0 {
				args = append(args, inner[argStart:i])
			}
		}
	}
	return args
}
