package node

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// StaticResolver resolves node IDs from a fixed set of clients.
type StaticResolver struct {
	clients map[ID]Client
}

// NewStaticResolver indexes clients by their Info().ID. Later duplicates
// replace earlier ones.
func NewStaticResolver(clients ...Client) *StaticResolver {
	r := &StaticResolver{clients: make(map[ID]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Info().ID] = c
	}
	return r
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, id ID) (Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return c, nil
}

// IDs returns the registered node IDs in no particular order.
func (r *StaticResolver) IDs() []ID {
	ids := make([]ID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// StaticAuthorizer hands out the token configured on each node.
// The local node never needs a token.
type StaticAuthorizer struct{}

// Token implements Authorizer.
func (StaticAuthorizer) Token(_ context.Context, target Info) (string, error) {
	if target.Local {
		return "", nil
	}
	if target.Token == "" {
		return "", fmt.Errorf("no token configured for node %s", target.ID)
	}
	return target.Token, nil
}

// MajorVersionChecker accepts node pairs whose versions share a major
// component ("4.2.1" and "4.0" are compatible, "4.2" and "5.0" are not).
type MajorVersionChecker struct{}

// Compatible implements CompatibilityChecker.
func (MajorVersionChecker) Compatible(src, dst Info) error {
	sm, dm := majorVersion(src.Version), majorVersion(dst.Version)
	if sm == "" || dm == "" || sm != dm {
		return fmt.Errorf("%w: %s is %q, %s is %q", ErrIncompatible, src.ID, src.Version, dst.ID, dst.Version)
	}
	return nil
}

func majorVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	major, _, _ := strings.Cut(v, ".")
	return major
}

// NormalizeName returns the comparison form of an artifact name:
// trimmed, NFC-normalized and case-folded. Two artifacts on a node are the
// same policy when their normalized names are equal.
func NormalizeName(name string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(name)))
}

// SameName reports whether two artifact names refer to the same policy.
func SameName(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}
