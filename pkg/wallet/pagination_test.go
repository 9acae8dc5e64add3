package wallet

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func buildLedger(test *testing.T, count int) []Transaction {
	test.Helper()
	items := make([]Transaction, 0, count)
	for index := 1; index <= count; index++ {
		items = append(items, mustTransaction(test, "tx-"+strconv.Itoa(index), "", TransactionCredit, int64(index), testEpoch.Add(time.Duration(index)*time.Minute)))
	}
	SortTransactions(items)
	return items
}

func TestSortTransactionsNewestFirstWithIDTieBreak(test *testing.T) {
	test.Parallel()
	items := []Transaction{
		mustTransaction(test, "a", "", TransactionCredit, 1, testEpoch),
		mustTransaction(test, "c", "", TransactionCredit, 1, testEpoch.Add(time.Minute)),
		mustTransaction(test, "b", "", TransactionCredit, 1, testEpoch),
	}
	SortTransactions(items)
	order := []string{items[0].ID.String(), items[1].ID.String(), items[2].ID.String()}
	if order[0] != "c" || order[1] != "b" || order[2] != "a" {
		test.Fatalf("unexpected order %v", order)
	}
}

func TestPageFromAnchorIsStableUnderInserts(test *testing.T) {
	test.Parallel()
	ledger := buildLedger(test, 6)
	first, err := PageWindow(ledger, PageQuery{PageSize: 2})
	if err != nil {
		test.Fatalf("first page: %v", err)
	}
	anchor, ok := NextAnchor(first)
	if !ok {
		test.Fatalf("expected a next anchor")
	}
	second, err := PageWindow(ledger, PageQuery{Anchor: anchor, Direction: DirectionAfter, PageSize: 2})
	if err != nil {
		test.Fatalf("second page: %v", err)
	}
	if second.Items[0].ID.String() != "tx-4" || second.Items[1].ID.String() != "tx-3" || !second.HasPrev || !second.HasNext {
		test.Fatalf("unexpected second page %+v", second)
	}

	inserted := append([]Transaction{
		mustTransaction(test, "tx-7", "", TransactionCredit, 7, testEpoch.Add(7*time.Minute)),
		mustTransaction(test, "tx-8", "", TransactionCredit, 8, testEpoch.Add(8*time.Minute)),
	}, ledger...)
	SortTransactions(inserted)
	reloaded, err := PageFromAnchor(inserted, second.Cursor, 2)
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if reloaded.Items[0].ID != second.Items[0].ID || reloaded.Items[1].ID != second.Items[1].ID {
		test.Fatalf("anchored page shifted: %+v", reloaded.Items)
	}
}

func TestPageWindowRejectsUnknownAnchorAndOversizedPage(test *testing.T) {
	test.Parallel()
	ledger := buildLedger(test, 3)
	if _, err := PageFromAnchor(ledger, mustTransactionID(test, "missing"), 2); !errors.Is(err, ErrUnknownAnchor) {
		test.Fatalf("expected unknown anchor, got %v", err)
	}
	if _, err := PageWindow(ledger, PageQuery{PageSize: MaxPageSize + 1}); !errors.Is(err, ErrInvalidPageSize) {
		test.Fatalf("expected invalid page size, got %v", err)
	}
	page, err := PageWindow(ledger, PageQuery{})
	if err != nil {
		test.Fatalf("default page: %v", err)
	}
	if page.PageSize != DefaultPageSize || len(page.Items) != 3 || page.HasNext || page.HasPrev {
		test.Fatalf("unexpected default page %+v", page)
	}
}

func TestPagerWalksAnchoredPages(test *testing.T) {
	test.Parallel()
	ledger := buildLedger(test, 4)
	client := &stubLedgerClient{pages: map[string]RemotePage{
		"page:1":     {Items: ledger[:2], HasNext: true, Anchor: ledger[0].ID},
		"after:tx-3": {Items: ledger[2:], HasPrev: true, Anchor: ledger[2].ID},
		"from:tx-4":  {Items: ledger[:2], HasNext: true, Anchor: ledger[0].ID},
	}}
	pager, err := NewPager(client, mustUserID(test, "user-1"), 2)
	if err != nil {
		test.Fatalf("pager: %v", err)
	}
	first, err := pager.Open(context.Background())
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if first.Guarantee != GuaranteeAnchored || first.Cursor.String() != "tx-4" {
		test.Fatalf("unexpected first page %+v", first)
	}
	second, err := pager.Next(context.Background(), first)
	if err != nil {
		test.Fatalf("next: %v", err)
	}
	if len(second.Items) != 2 || second.Items[0].ID.String() != "tx-2" || second.HasNext {
		test.Fatalf("unexpected second page %+v", second)
	}
	if _, err := pager.Reload(context.Background(), first); err != nil {
		test.Fatalf("reload: %v", err)
	}
	last := client.queries[len(client.queries)-1]
	if last.Anchor.String() != "tx-4" || last.Direction != DirectionFrom {
		test.Fatalf("expected reload from the pinned anchor, got %+v", last)
	}
}

func TestPagerFallsBackToOffsetPages(test *testing.T) {
	test.Parallel()
	ledger := buildLedger(test, 4)
	client := &stubLedgerClient{pages: map[string]RemotePage{
		"page:1": {Items: ledger[:2], HasNext: true, OffsetMode: true, Page: 1, TotalPages: 2, TotalCount: 4},
		"page:2": {Items: ledger[2:], HasPrev: true, OffsetMode: true, Page: 2, TotalPages: 2, TotalCount: 4},
	}}
	pager, err := NewPager(client, mustUserID(test, "user-1"), 2)
	if err != nil {
		test.Fatalf("pager: %v", err)
	}
	first, err := pager.Open(context.Background())
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if first.Guarantee != GuaranteeOffset || first.TotalPages != 2 {
		test.Fatalf("expected offset guarantee, got %+v", first)
	}
	second, err := pager.Next(context.Background(), first)
	if err != nil {
		test.Fatalf("next: %v", err)
	}
	if second.Page != 2 || second.Items[0].ID.String() != "tx-2" {
		test.Fatalf("unexpected offset page %+v", second)
	}
}

func TestNewPagerValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewPager(nil, mustUserID(test, "user-1"), 10); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config, got %v", err)
	}
	if _, err := NewPager(&stubLedgerClient{}, UserID{}, 10); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected invalid user id, got %v", err)
	}
}
