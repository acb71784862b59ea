package testutil

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// AssertGoldenJSON compares the indented JSON encoding of v against
// testdata/golden/{name}.golden in the calling package.
//
// To regenerate golden files, run the package tests with -update.
func AssertGoldenJSON(t *testing.T, name string, v any) {
	t.Helper()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal golden value: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
