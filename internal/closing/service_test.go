package closing

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/almoner-erp/almoner-erp/internal/ledger"
	"github.com/almoner-erp/almoner-erp/internal/shared"
)

type memoryStore struct {
	costCenters map[int64]ledger.CostCenter
	categories  map[int64]ledger.Category
	entries     map[int64]*ledger.Entry
	rules       []ledger.AllocationRule
	closings    map[int64]*Closing
	items       map[int64][]AllocationItem
	lines       map[int64][]DetailLine
	nextID      int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		costCenters: make(map[int64]ledger.CostCenter),
		categories:  make(map[int64]ledger.Category),
		entries:     make(map[int64]*ledger.Entry),
		closings:    make(map[int64]*Closing),
		items:       make(map[int64][]AllocationItem),
		lines:       make(map[int64][]DetailLine),
	}
}

func (m *memoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return fn(ctx, &memoryTx{store: m})
}

func (m *memoryStore) GetClosing(ctx context.Context, id int64) (Closing, error) {
	c, ok := m.closings[id]
	if !ok {
		return Closing{}, ErrClosingNotFound
	}
	out := *c
	out.Allocations = append([]AllocationItem(nil), m.items[id]...)
	return out, nil
}

func (m *memoryStore) ListClosings(ctx context.Context, costCenterID int64, limit, offset int) ([]Closing, error) {
	var closings []Closing
	for _, c := range m.closings {
		if costCenterID == 0 || c.CostCenterID == costCenterID {
			closings = append(closings, *c)
		}
	}
	sort.Slice(closings, func(i, j int) bool { return closings[i].ID < closings[j].ID })
	return closings, nil
}

func (m *memoryStore) StalePendingIDs(ctx context.Context, before time.Time) ([]int64, error) {
	var ids []int64
	for _, c := range m.closings {
		if c.Status == StatusPending && c.SubmittedAt.Before(before) {
			ids = append(ids, c.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type memoryTx struct {
	store *memoryStore
}

func (t *memoryTx) GetCostCenter(ctx context.Context, id int64) (ledger.CostCenter, error) {
	cc, ok := t.store.costCenters[id]
	if !ok {
		return ledger.CostCenter{}, ledger.ErrCostCenterNotFound
	}
	return cc, nil
}

func (t *memoryTx) ClosingExists(ctx context.Context, costCenterID int64, year int, month time.Month) (bool, error) {
	for _, c := range t.store.closings {
		if c.CostCenterID == costCenterID && c.Year == year && c.Month == month {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) EntriesInRange(ctx context.Context, costCenterID int64, rng ledger.DateRange) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range t.store.entries {
		if e.CostCenterID == costCenterID && rng.Contains(e.Date) && !e.IncludedInClosing {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) Categories(ctx context.Context) (map[int64]ledger.Category, error) {
	return t.store.categories, nil
}

func (t *memoryTx) ActiveRules(ctx context.Context, originID int64) ([]ledger.AllocationRule, error) {
	var out []ledger.AllocationRule
	for _, r := range t.store.rules {
		if r.Active && r.OriginID == originID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertClosing(ctx context.Context, c Closing) (Closing, error) {
	c.ID = t.store.id()
	stored := c
	t.store.closings[c.ID] = &stored
	return c, nil
}

func (t *memoryTx) GetClosingForUpdate(ctx context.Context, id int64) (Closing, error) {
	c, ok := t.store.closings[id]
	if !ok {
		return Closing{}, ErrClosingNotFound
	}
	return *c, nil
}

func (t *memoryTx) UpdateClosingComputation(ctx context.Context, c Closing) error {
	stored, ok := t.store.closings[c.ID]
	if !ok {
		return ErrClosingNotFound
	}
	stored.Totals = c.Totals
	stored.AllocationTotal = c.AllocationTotal
	stored.FinalBalance = c.FinalBalance
	return nil
}

func (t *memoryTx) ApproveClosing(ctx context.Context, id, actorID int64, at time.Time) error {
	c, ok := t.store.closings[id]
	if !ok {
		return ErrClosingNotFound
	}
	c.Status = StatusApproved
	c.ApprovedBy = &actorID
	c.ApprovedAt = &at
	return nil
}

func (t *memoryTx) DeleteClosing(ctx context.Context, id int64) error {
	if _, ok := t.store.closings[id]; !ok {
		return ErrClosingNotFound
	}
	delete(t.store.closings, id)
	return nil
}

func (t *memoryTx) InsertAllocationItems(ctx context.Context, closingID int64, items []AllocationItem) ([]AllocationItem, error) {
	inserted := make([]AllocationItem, 0, len(items))
	for _, item := range items {
		item.ID = t.store.id()
		item.ClosingID = closingID
		inserted = append(inserted, item)
	}
	t.store.items[closingID] = append(t.store.items[closingID], inserted...)
	return inserted, nil
}

func (t *memoryTx) DeleteAllocationItems(ctx context.Context, closingID int64) error {
	delete(t.store.items, closingID)
	return nil
}

func (t *memoryTx) InsertDetailLines(ctx context.Context, closingID int64, lines []DetailLine) error {
	for i := range lines {
		lines[i].ID = t.store.id()
		lines[i].ClosingID = closingID
	}
	t.store.lines[closingID] = append(t.store.lines[closingID], lines...)
	return nil
}

func (t *memoryTx) DeleteDetailLines(ctx context.Context, closingID int64) error {
	delete(t.store.lines, closingID)
	return nil
}

func (t *memoryTx) TagEntries(ctx context.Context, closingID int64, entryIDs []int64) error {
	for _, id := range entryIDs {
		if e, ok := t.store.entries[id]; ok {
			e.IncludedInClosing = true
			cid := closingID
			e.ClosingID = &cid
		}
	}
	return nil
}

func (t *memoryTx) ReleaseEntries(ctx context.Context, closingID int64) error {
	for _, e := range t.store.entries {
		if e.ClosingID != nil && *e.ClosingID == closingID {
			e.IncludedInClosing = false
			e.ClosingID = nil
		}
	}
	return nil
}

func fixtureStore() *memoryStore {
	store := newMemoryStore()
	store.costCenters[1] = ledger.CostCenter{ID: 1, Name: "Sede Central", Kind: ledger.KindCentral, Active: true}
	store.costCenters[2] = ledger.CostCenter{ID: 2, Name: "Fundo Missões", Kind: ledger.KindFund, Active: true}
	store.costCenters[3] = ledger.CostCenter{ID: 3, Name: "Congregação Norte", Kind: ledger.KindBranch, Active: true}
	store.categories[1] = ledger.Category{ID: 1, Name: "Dízimos", Kind: ledger.EntryIncome}
	store.categories[2] = ledger.Category{ID: 2, Name: "Manutenção", Kind: ledger.EntryExpense}
	return store
}

func addEntry(store *memoryStore, kind ledger.EntryKind, channelKind ledger.ChannelKind, amount string, day int, costCenterID int64) int64 {
	id := store.id()
	store.entries[id] = &ledger.Entry{
		ID:           id,
		Kind:         kind,
		Amount:       decimal.RequireFromString(amount),
		Date:         time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC),
		CostCenterID: costCenterID,
		ChannelID:    1,
		CategoryID:   1,
		ChannelKind:  channelKind,
	}
	return id
}

func marchRange() ledger.DateRange {
	return ledger.DateRange{
		From: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
}

func newTestService(store *memoryStore) *Service {
	svc := NewService(store, nil)
	svc.WithNow(func() time.Time { return time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC) })
	return svc
}

func TestComputeClosingAllocatesDigitalBalance(t *testing.T) {
	store := fixtureStore()
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "1000.00", 5, 1)
	addEntry(store, ledger.EntryExpense, ledger.ChannelDigital, "200.00", 12, 1)
	store.rules = append(store.rules, ledger.AllocationRule{ID: 90, OriginID: 1, DestinationID: 2, Percentage: decimal.RequireFromString("20"), Active: true})
	svc := newTestService(store)

	closing, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)

	require.Equal(t, StatusPending, closing.Status)
	require.True(t, closing.AllocationTotal.Equal(decimal.RequireFromString("160")))
	require.True(t, closing.FinalBalance.Equal(decimal.RequireFromString("640")))
	require.Len(t, closing.Allocations, 1)
	require.Equal(t, int64(2), closing.Allocations[0].DestinationID)
	require.True(t, closing.Allocations[0].Value.Equal(decimal.RequireFromString("160")))
	require.Len(t, store.lines[closing.ID], 2)

	for _, e := range store.entries {
		require.True(t, e.IncludedInClosing)
		require.NotNil(t, e.ClosingID)
		require.Equal(t, closing.ID, *e.ClosingID)
	}
}

func TestComputeClosingSkipsAllocationForNonCentral(t *testing.T) {
	store := fixtureStore()
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "500.00", 3, 3)
	store.rules = append(store.rules, ledger.AllocationRule{ID: 91, OriginID: 3, DestinationID: 2, Percentage: decimal.RequireFromString("10"), Active: true})
	svc := newTestService(store)

	closing, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 3, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)

	require.True(t, closing.AllocationTotal.IsZero())
	require.Empty(t, closing.Allocations)
	require.True(t, closing.FinalBalance.Equal(decimal.RequireFromString("500")))
}

func TestComputeClosingConflictOnSamePeriod(t *testing.T) {
	store := fixtureStore()
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "100.00", 2, 1)
	svc := newTestService(store)

	_, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)

	_, err = svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, Range: marchRange(), ActorID: 7})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Len(t, store.closings, 1)
}

func TestComputeClosingUnknownCostCenter(t *testing.T) {
	svc := newTestService(fixtureStore())

	_, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 999, Range: marchRange(), ActorID: 7})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestApproveClosingIsTerminal(t *testing.T) {
	store := fixtureStore()
	addEntry(store, ledger.EntryIncome, ledger.ChannelPhysical, "80.00", 8, 1)
	svc := newTestService(store)

	closing, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)

	approved, err := svc.ApproveClosing(context.Background(), closing.ID, 11)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	require.Equal(t, int64(11), *approved.ApprovedBy)

	_, err = svc.ApproveClosing(context.Background(), closing.ID, 11)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = svc.RecomputeClosing(context.Background(), closing.ID, 11)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	err = svc.DeleteClosing(context.Background(), closing.ID, 11)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestRecomputeClosingRegeneratesAllocations(t *testing.T) {
	store := fixtureStore()
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "1000.00", 5, 1)
	store.rules = append(store.rules, ledger.AllocationRule{ID: 90, OriginID: 1, DestinationID: 2, Percentage: decimal.RequireFromString("20"), Active: true})
	svc := newTestService(store)

	closing, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)
	require.True(t, closing.AllocationTotal.Equal(decimal.RequireFromString("200")))

	// Rule set and ledger both change before the recompute.
	store.rules[0].Percentage = decimal.RequireFromString("10")
	addEntry(store, ledger.EntryExpense, ledger.ChannelDigital, "500.00", 20, 1)

	recomputed, err := svc.RecomputeClosing(context.Background(), closing.ID, 7)
	require.NoError(t, err)

	require.True(t, recomputed.Totals.ExpenseDigital.Equal(decimal.RequireFromString("500")))
	require.True(t, recomputed.AllocationTotal.Equal(decimal.RequireFromString("50")), "items regenerate against the new rule set")
	require.Len(t, store.items[closing.ID], 1)
	require.True(t, store.items[closing.ID][0].Percentage.Equal(decimal.RequireFromString("10")))
	require.True(t, recomputed.FinalBalance.Equal(decimal.RequireFromString("450")))
}

func TestDeleteClosingReleasesEntries(t *testing.T) {
	store := fixtureStore()
	first := addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "300.00", 4, 1)
	second := addEntry(store, ledger.EntryExpense, ledger.ChannelPhysical, "120.00", 9, 1)
	svc := newTestService(store)

	closing, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteClosing(context.Background(), closing.ID, 7))

	require.Empty(t, store.closings)
	require.Empty(t, store.items[closing.ID])
	require.Empty(t, store.lines[closing.ID])
	for _, id := range []int64{first, second} {
		require.False(t, store.entries[id].IncludedInClosing)
		require.Nil(t, store.entries[id].ClosingID)
	}
}

func TestCleanupStalePendingKeepsApproved(t *testing.T) {
	store := fixtureStore()
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "40.00", 1, 1)
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "60.00", 1, 3)
	svc := newTestService(store)

	stale, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)
	kept, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 3, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)
	_, err = svc.ApproveClosing(context.Background(), kept.ID, 7)
	require.NoError(t, err)

	removed, err := svc.CleanupStalePending(context.Background(), time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), 1)
	require.NoError(t, err)

	require.Equal(t, 1, removed)
	_, err = svc.GetClosing(context.Background(), stale.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.GetClosing(context.Background(), kept.ID)
	require.NoError(t, err)
}

// listedStaleStore pins the stale ID list so a test can approve one of
// the listed closings before cleanup reaches it.
type listedStaleStore struct {
	*memoryStore
	ids []int64
}

func (s *listedStaleStore) StalePendingIDs(ctx context.Context, before time.Time) ([]int64, error) {
	return s.ids, nil
}

func TestCleanupStalePendingSkipsRacedApproval(t *testing.T) {
	store := fixtureStore()
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "40.00", 1, 1)
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "60.00", 1, 3)
	addEntry(store, ledger.EntryIncome, ledger.ChannelDigital, "25.00", 2, 2)
	svc := newTestService(store)

	first, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)
	raced, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 3, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)
	second, err := svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 2, Range: marchRange(), ActorID: 7})
	require.NoError(t, err)

	// The middle closing gets approved after the stale listing was taken.
	_, err = svc.ApproveClosing(context.Background(), raced.ID, 7)
	require.NoError(t, err)

	cleanupSvc := newTestService(store)
	cleanupSvc.store = &listedStaleStore{memoryStore: store, ids: []int64{first.ID, raced.ID, second.ID}}

	removed, err := cleanupSvc.CleanupStalePending(context.Background(), time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), 1)
	require.NoError(t, err)

	require.Equal(t, 2, removed)
	_, err = svc.GetClosing(context.Background(), first.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.GetClosing(context.Background(), second.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	kept, err := svc.GetClosing(context.Background(), raced.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, kept.Status)
}

func TestComputeInputValidation(t *testing.T) {
	svc := newTestService(fixtureStore())

	_, err := svc.ComputeClosing(context.Background(), ComputeInput{ActorID: 1, Range: marchRange()})
	require.ErrorIs(t, err, shared.ErrValidation)

	crossMonth := ledger.DateRange{
		From: time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 4, 14, 0, 0, 0, 0, time.UTC),
	}
	_, err = svc.ComputeClosing(context.Background(), ComputeInput{CostCenterID: 1, ActorID: 1, Range: crossMonth})
	require.ErrorIs(t, err, shared.ErrValidation)
}
