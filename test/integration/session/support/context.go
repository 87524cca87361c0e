// Package support holds the step definitions of the session feature suite.
package support

import (
	"errors"
	"fmt"

	"github.com/cucumber/godog"

	"github.com/MeKo-Tech/docscan/internal/collection"
	"github.com/MeKo-Tech/docscan/internal/gate"
	"github.com/MeKo-Tech/docscan/internal/scanner"
	"github.com/MeKo-Tech/docscan/internal/scanner/scannertest"
	"github.com/MeKo-Tech/docscan/internal/session"
)

// errorKinds maps the names used in feature files to sentinel errors.
var errorKinds = map[string]error{
	"NoSelection":             collection.ErrNoSelection,
	"NotCropped":              collection.ErrNotCropped,
	"SomeNotCropped":          collection.ErrSomeNotCropped,
	"UnknownPageID":           collection.ErrUnknownPageID,
	"ExternalOperationFailed": gate.ErrExternalOperationFailed,
	"Busy":                    gate.ErrBusy,
	"Canceled":                scanner.ErrCanceled,
}

// TestContext holds the state of one scenario.
type TestContext struct {
	Collection *collection.Controller

	Session *session.Session
	Scanner *scannertest.Fake

	LastError   error
	ExportPages int
}

// NewTestContext creates an empty scenario state.
func NewTestContext() *TestContext {
	return &TestContext{}
}

// Register adds every step definition to sc.
func (tc *TestContext) Register(sc *godog.ScenarioContext) {
	tc.registerCollectionSteps(sc)
	tc.registerSessionSteps(sc)
	tc.registerErrorSteps(sc)
}

func (tc *TestContext) registerErrorSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the last operation succeeded$`, tc.theLastOperationSucceeded)
	sc.Step(`^the last operation failed with "([^"]*)"$`, tc.theLastOperationFailedWith)
}

func (tc *TestContext) theLastOperationSucceeded() error {
	if tc.LastError != nil {
		return fmt.Errorf("expected success, got %w", tc.LastError)
	}
	return nil
}

func (tc *TestContext) theLastOperationFailedWith(kind string) error {
	return expectError(tc.LastError, kind)
}

func expectError(err error, kind string) error {
	want, ok := errorKinds[kind]
	if !ok {
		return fmt.Errorf("unknown error kind %q", kind)
	}
	if err == nil {
		return fmt.Errorf("expected %s, got success", kind)
	}
	if !errors.Is(err, want) {
		return fmt.Errorf("expected %s, got %v", kind, err)
	}
	return nil
}
