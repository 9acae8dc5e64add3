package wallet

import (
	"context"
	"fmt"
	"sort"
)

// PageGuarantee describes how stable a page's boundaries are under concurrent inserts.
type PageGuarantee string

const (
	// GuaranteeAnchored pins the page to the transaction id at its top.
	GuaranteeAnchored PageGuarantee = "anchored"
	// GuaranteeOffset is the weaker fallback: a page can shift by the number of rows
	// inserted above it since it was loaded.
	GuaranteeOffset PageGuarantee = "offset"
)

// PageDirection selects whether the anchor row opens the page or precedes it.
type PageDirection string

const (
	DirectionFrom  PageDirection = "from"
	DirectionAfter PageDirection = "after"
)

// PageQuery addresses a window of the ledger.
type PageQuery struct {
	Anchor    TransactionID
	Direction PageDirection
	PageSize  int
	// Page is the 1-based page number used only by offset-only backends.
	Page int
}

// TransactionPage is a window of rows ordered by (CreatedAt desc, ID desc).
type TransactionPage struct {
	Items      []Transaction
	Cursor     TransactionID
	PageSize   int
	HasNext    bool
	HasPrev    bool
	Guarantee  PageGuarantee
	Page       int
	TotalPages int
	TotalCount int
}

// RemotePage is the authority's answer to a transaction listing.
type RemotePage struct {
	Items      []Transaction
	HasNext    bool
	HasPrev    bool
	Anchor     TransactionID
	OffsetMode bool
	Page       int
	TotalPages int
	TotalCount int
}

// NormalizePageSize applies the default and rejects sizes above the maximum.
func NormalizePageSize(size int) (int, error) {
	if size <= 0 {
		return DefaultPageSize, nil
	}
	if size > MaxPageSize {
		return 0, fmt.Errorf("%w: %d exceeds %d", ErrInvalidPageSize, size, MaxPageSize)
	}
	return size, nil
}

// SortTransactions orders rows newest first with the id as a deterministic tie-break.
func SortTransactions(items []Transaction) {
	sort.SliceStable(items, func(left, right int) bool {
		return transactionPrecedes(items[left], items[right])
	})
}

func transactionPrecedes(left Transaction, right Transaction) bool {
	if !left.CreatedAt.Equal(right.CreatedAt) {
		return left.CreatedAt.After(right.CreatedAt)
	}
	return left.ID.String() > right.ID.String()
}

// PageWindow cuts a page out of rows already sorted with SortTransactions.
func PageWindow(sorted []Transaction, query PageQuery) (TransactionPage, error) {
	size, err := NormalizePageSize(query.PageSize)
	if err != nil {
		return TransactionPage{}, err
	}
	start := 0
	if !query.Anchor.IsZero() {
		anchorIndex := -1
		for index, transaction := range sorted {
			if transaction.ID == query.Anchor {
				anchorIndex = index
				break
			}
		}
		if anchorIndex < 0 {
			return TransactionPage{}, fmt.Errorf("%w: %s", ErrUnknownAnchor, query.Anchor.String())
		}
		start = anchorIndex
		if query.Direction == DirectionAfter {
			start++
		}
	}
	end := start + size
	if end > len(sorted) {
		end = len(sorted)
	}
	page := TransactionPage{
		Items:      append([]Transaction(nil), sorted[start:end]...),
		PageSize:   size,
		HasPrev:    start > 0,
		HasNext:    end < len(sorted),
		Guarantee:  GuaranteeAnchored,
		TotalCount: len(sorted),
	}
	if len(page.Items) > 0 {
		page.Cursor = page.Items[0].ID
	} else if query.Direction != DirectionAfter {
		page.Cursor = query.Anchor
	}
	return page, nil
}

// PageFromAnchor returns the rows starting at the anchor row.
func PageFromAnchor(sorted []Transaction, anchor TransactionID, size int) (TransactionPage, error) {
	return PageWindow(sorted, PageQuery{Anchor: anchor, Direction: DirectionFrom, PageSize: size})
}

// NextAnchor returns the row the following page is loaded after.
func NextAnchor(page TransactionPage) (TransactionID, bool) {
	if !page.HasNext || len(page.Items) == 0 {
		return TransactionID{}, false
	}
	return page.Items[len(page.Items)-1].ID, true
}

// Pager walks the authoritative ledger with anchored cursors, falling back to offsets
// when the backend cannot anchor.
type Pager struct {
	client   AuthoritativeLedgerClient
	userID   UserID
	pageSize int
}

// NewPager wires a Pager.
func NewPager(client AuthoritativeLedgerClient, userID UserID, pageSize int) (*Pager, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: ledger client is nil", ErrInvalidServiceConfig)
	}
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	size, err := NormalizePageSize(pageSize)
	if err != nil {
		return nil, err
	}
	return &Pager{client: client, userID: userID, pageSize: size}, nil
}

// Open loads the newest page and pins its anchor.
func (pager *Pager) Open(ctx context.Context) (TransactionPage, error) {
	return pager.fetch(ctx, PageQuery{PageSize: pager.pageSize, Page: 1})
}

// Reload re-fetches the rows starting at the page's anchor, so inserts above it do not reshuffle it.
func (pager *Pager) Reload(ctx context.Context, page TransactionPage) (TransactionPage, error) {
	if page.Guarantee == GuaranteeOffset {
		return pager.fetch(ctx, PageQuery{PageSize: pager.pageSize, Page: page.Page})
	}
	if page.Cursor.IsZero() {
		return pager.Open(ctx)
	}
	return pager.fetch(ctx, PageQuery{Anchor: page.Cursor, Direction: DirectionFrom, PageSize: pager.pageSize})
}

// Next loads the page that follows the given one.
func (pager *Pager) Next(ctx context.Context, page TransactionPage) (TransactionPage, error) {
	if !page.HasNext || len(page.Items) == 0 {
		return TransactionPage{PageSize: pager.pageSize, HasPrev: true, Guarantee: page.Guarantee, Page: page.Page + 1}, nil
	}
	if page.Guarantee == GuaranteeOffset {
		return pager.fetch(ctx, PageQuery{PageSize: pager.pageSize, Page: page.Page + 1})
	}
	last := page.Items[len(page.Items)-1]
	return pager.fetch(ctx, PageQuery{Anchor: last.ID, Direction: DirectionAfter, PageSize: pager.pageSize})
}

func (pager *Pager) fetch(ctx context.Context, query PageQuery) (TransactionPage, error) {
	remote, err := pager.client.ListTransactions(ctx, pager.userID, query)
	if err != nil {
		return TransactionPage{}, err
	}
	items := append([]Transaction(nil), remote.Items...)
	SortTransactions(items)
	page := TransactionPage{
		Items:     items,
		PageSize:  pager.pageSize,
		HasNext:   remote.HasNext,
		HasPrev:   remote.HasPrev,
		Guarantee: GuaranteeAnchored,
		Cursor:    remote.Anchor,
	}
	if page.Cursor.IsZero() && len(items) > 0 {
		page.Cursor = items[0].ID
	}
	if remote.OffsetMode {
		page.Guarantee = GuaranteeOffset
		page.Page = remote.Page
		page.TotalPages = remote.TotalPages
		page.TotalCount = remote.TotalCount
	}
	return page, nil
}
