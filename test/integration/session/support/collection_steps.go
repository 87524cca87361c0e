package support

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cucumber/godog"

	"github.com/MeKo-Tech/docscan/internal/collection"
	"github.com/MeKo-Tech/docscan/internal/page"
)

func (tc *TestContext) registerCollectionSteps(sc *godog.ScenarioContext) {
	sc.Step(`^an empty collection$`, tc.anEmptyCollection)
	sc.Step(`^a collection of document-ready pages "([^"]*)"$`, tc.aCollectionOfDocumentReadyPages)
	sc.Step(`^I add page "([^"]*)" with original "([^"]*)"$`, tc.iAddPageWithOriginal)
	sc.Step(`^I update page "([^"]*)" with document "([^"]*)"$`, tc.iUpdatePageWithDocument)
	sc.Step(`^I select page "([^"]*)"$`, tc.iSelectPage)
	sc.Step(`^I clear the collection$`, tc.iClearTheCollection)
	sc.Step(`^the collection holds pages "([^"]*)"$`, tc.theCollectionHoldsPages)
	sc.Step(`^the collection holds no pages$`, tc.theCollectionHoldsNoPages)
	sc.Step(`^the selected page is "([^"]*)"$`, tc.theSelectedPageIs)
	sc.Step(`^no page is selected$`, tc.noPageIsSelected)
	sc.Step(`^page "([^"]*)" has document "([^"]*)"$`, tc.pageHasDocument)
	sc.Step(`^requiring all pages to be document-ready fails with "([^"]*)"$`, tc.requiringAllDocumentReadyFailsWith)
	sc.Step(`^requiring a selection fails with "([^"]*)"$`, tc.requiringASelectionFailsWith)
}

func (tc *TestContext) anEmptyCollection() error {
	tc.Collection = collection.New()
	return nil
}

func (tc *TestContext) aCollectionOfDocumentReadyPages(ids string) error {
	tc.Collection = collection.New()
	for _, id := range strings.Split(ids, ",") {
		tc.Collection.AddPage(page.Page{ID: id, OriginalImageURI: id + ".png", DocumentImageURI: id + "-doc.png"})
	}
	return nil
}

func (tc *TestContext) iAddPageWithOriginal(id, original string) error {
	tc.Collection.AddPage(page.Page{ID: id, OriginalImageURI: original})
	return nil
}

func (tc *TestContext) iUpdatePageWithDocument(id, document string) error {
	p, ok := tc.Collection.Page(id)
	if !ok {
		return fmt.Errorf("page %s not in collection", id)
	}
	p.DocumentImageURI = document
	tc.Collection.UpdatePage(p)
	return nil
}

func (tc *TestContext) iSelectPage(id string) error {
	_, tc.LastError = tc.Collection.SelectPage(id)
	return nil
}

func (tc *TestContext) iClearTheCollection() error {
	tc.Collection.Clear()
	return nil
}

func (tc *TestContext) theCollectionHoldsPages(ids string) error {
	want := strings.Split(ids, ",")
	if got := tc.Collection.State().IDs(); !slices.Equal(got, want) {
		return fmt.Errorf("expected pages %v, got %v", want, got)
	}
	return nil
}

func (tc *TestContext) theCollectionHoldsNoPages() error {
	if n := tc.Collection.Len(); n != 0 {
		return fmt.Errorf("expected no pages, got %d", n)
	}
	return nil
}

func (tc *TestContext) theSelectedPageIs(id string) error {
	if got := tc.Collection.State().Selected; got != id {
		return fmt.Errorf("expected page %q selected, got %q", id, got)
	}
	return nil
}

func (tc *TestContext) noPageIsSelected() error {
	if got := tc.Collection.State().Selected; got != "" {
		return fmt.Errorf("expected no selection, got %q", got)
	}
	return nil
}

func (tc *TestContext) pageHasDocument(id, document string) error {
	p, ok := tc.Collection.Page(id)
	if !ok {
		return fmt.Errorf("page %s not in collection", id)
	}
	if p.DocumentImageURI != document {
		return fmt.Errorf("expected document %q, got %q", document, p.DocumentImageURI)
	}
	return nil
}

func (tc *TestContext) requiringAllDocumentReadyFailsWith(kind string) error {
	_, err := tc.Collection.RequireAllDocumentReady()
	return expectError(err, kind)
}

func (tc *TestContext) requiringASelectionFailsWith(kind string) error {
	_, err := tc.Collection.RequireSelection()
	return expectError(err, kind)
}
