// Package jsonassert compares two JSON-shaped values with a readable diff
// on mismatch, grounded on the teacher's jsondiff usage in its end-to-end
// test fixtures (go/materialize/tester/fixture.go, go/testing/driver.go):
// a field-by-field require.Equal on a deeply nested document snapshot
// reports only "not equal", while jsondiff.Compare reports which field.
package jsonassert

import (
	"encoding/json"
	"fmt"

	"github.com/nsf/jsondiff"
)

var options = jsondiff.DefaultConsoleOptions()

// Equal reports whether expected and actual, both JSON-marshalable values,
// encode to the same JSON document, and returns a human-readable diff when
// they don't.
func Equal(expected, actual any) (bool, string) {
	var expectedJSON, err = json.Marshal(expected)
	if err != nil {
		return false, fmt.Sprintf("jsonassert: marshal expected: %s", err)
	}
	var actualJSON []byte
	actualJSON, err = json.Marshal(actual)
	if err != nil {
		return false, fmt.Sprintf("jsonassert: marshal actual: %s", err)
	}

	var mode, diff = jsondiff.Compare(expectedJSON, actualJSON, &options)
	if mode == jsondiff.FullMatch {
		return true, ""
	}
	return false, diff
}
