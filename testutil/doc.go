// Package testutil provides shared test helpers and mock implementations.
// It must only be imported from _test.go files.
package testutil
