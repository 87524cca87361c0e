package support

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cucumber/godog"

	"github.com/MeKo-Tech/docscan/internal/collection"
	"github.com/MeKo-Tech/docscan/internal/scanner/scannertest"
	"github.com/MeKo-Tech/docscan/internal/session"
)

func (tc *TestContext) registerSessionSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a new scanning session$`, tc.aNewScanningSession)
	sc.Step(`^the scanner fails "([^"]*)" with "([^"]*)"$`, tc.theScannerFailsWith)
	sc.Step(`^the scanner cancels "([^"]*)"$`, tc.theScannerCancels)
	sc.Step(`^I scan a document$`, tc.iScanADocument)
	sc.Step(`^I import the image "([^"]*)"$`, tc.iImportTheImage)
	sc.Step(`^I crop the selected page$`, tc.iCropTheSelectedPage)
	sc.Step(`^I rotate the selected page clockwise$`, tc.iRotateTheSelectedPageClockwise)
	sc.Step(`^I export a PDF$`, tc.iExportAPDF)
	sc.Step(`^the session holds (\d+) pages?$`, tc.theSessionHoldsPages)
	sc.Step(`^the newest page is selected$`, tc.theNewestPageIsSelected)
	sc.Step(`^the selected page has rotation (\d+)$`, tc.theSelectedPageHasRotation)
	sc.Step(`^the session is not busy$`, tc.theSessionIsNotBusy)
	sc.Step(`^the user is told "([^"]*)"$`, tc.theUserIsTold)
	sc.Step(`^the scanner was not called$`, tc.theScannerWasNotCalled)
	sc.Step(`^the debug message contains "([^"]*)"$`, tc.theDebugMessageContains)
	sc.Step(`^the export holds (\d+) pages?$`, tc.theExportHoldsPages)
}

func (tc *TestContext) aNewScanningSession() error {
	tc.Scanner = scannertest.New()
	tc.Session = session.New("feature", tc.Scanner, session.Config{})
	return nil
}

func (tc *TestContext) theScannerFailsWith(method, msg string) error {
	tc.Scanner.Fail(method, errors.New(msg))
	return nil
}

func (tc *TestContext) theScannerCancels(method string) error {
	tc.Scanner.Canceled[method] = true
	return nil
}

func (tc *TestContext) iScanADocument(ctx context.Context) error {
	_, tc.LastError = tc.Session.ScanDocument(ctx)
	return nil
}

func (tc *TestContext) iImportTheImage(ctx context.Context, uri string) error {
	_, tc.LastError = tc.Session.ImportImage(ctx, uri)
	return nil
}

func (tc *TestContext) iCropTheSelectedPage(ctx context.Context) error {
	_, tc.LastError = tc.Session.Crop(ctx, nil)
	return nil
}

func (tc *TestContext) iRotateTheSelectedPageClockwise(ctx context.Context) error {
	_, tc.LastError = tc.Session.RotateClockwise(ctx)
	return nil
}

func (tc *TestContext) iExportAPDF(ctx context.Context) error {
	res, err := tc.Session.CreatePDF(ctx)
	tc.LastError = err
	tc.ExportPages = res.Pages
	return nil
}

func (tc *TestContext) theSessionHoldsPages(n int) error {
	if got := tc.Session.State().Len(); got != n {
		return fmt.Errorf("expected %d pages, got %d", n, got)
	}
	return nil
}

func (tc *TestContext) theNewestPageIsSelected() error {
	st := tc.Session.State()
	if st.Len() == 0 {
		return errors.New("session holds no pages")
	}
	if last := st.Pages[st.Len()-1].ID; st.Selected != last {
		return fmt.Errorf("expected newest page %s selected, got %q", last, st.Selected)
	}
	return nil
}

func (tc *TestContext) theSelectedPageHasRotation(rotation int) error {
	p, ok := tc.Session.State().SelectedPage()
	if !ok {
		return errors.New("no page selected")
	}
	if p.Rotation != rotation {
		return fmt.Errorf("expected rotation %d, got %d", rotation, p.Rotation)
	}
	return nil
}

func (tc *TestContext) theSessionIsNotBusy() error {
	if tc.Session.Busy() {
		return errors.New("session is still busy")
	}
	return nil
}

func (tc *TestContext) theUserIsTold(msg string) error {
	if got := collection.UserMessage(tc.LastError); got != msg {
		return fmt.Errorf("expected message %q, got %q", msg, got)
	}
	return nil
}

func (tc *TestContext) theScannerWasNotCalled() error {
	if calls := tc.Scanner.Calls(); len(calls) > 0 {
		return fmt.Errorf("expected no scanner calls, got %v", calls)
	}
	return nil
}

func (tc *TestContext) theDebugMessageContains(text string) error {
	if got := tc.Session.Snapshot().Debug; !strings.Contains(got, text) {
		return fmt.Errorf("expected debug message to contain %q, got %q", text, got)
	}
	return nil
}

func (tc *TestContext) theExportHoldsPages(n int) error {
	if tc.ExportPages != n {
		return fmt.Errorf("expected %d exported pages, got %d", n, tc.ExportPages)
	}
	return nil
}
