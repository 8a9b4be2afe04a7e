package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"chillitrade/backend/internal/domain"
	"chillitrade/backend/internal/store"
	"chillitrade/backend/internal/store/memory"
	"chillitrade/backend/internal/weight"
)

func newTestService() (*Service, context.Context) {
	svc := New(memory.New(), nil)
	ctx := WithActor(context.Background(), domain.Actor{UserID: "user-1", Email: "trader@example.com"})
	return svc, ctx
}

func purchaseRequest(trader string, settled float64) domain.AssembleRequest {
	return domain.AssembleRequest{
		Role:        domain.RoleSeller,
		TraderName:  trader,
		Date:        "2026-08-01",
		Entries:     []domain.EntryInput{{Bags: 5, Weight: 105.0, RatePerQuintal: 1000}},
		BardhanRate: 28,
		Settled:     settled,
	}
}

func saleRequest(trader string, sourceSeller string) domain.AssembleRequest {
	return domain.AssembleRequest{
		Role:         domain.RoleBuyer,
		TraderName:   trader,
		Date:         "2026-08-02",
		SourceSeller: sourceSeller,
		Entries:      []domain.EntryInput{{Bags: 3, Weight: 63.0, RatePerQuintal: 2000}},
		BardhanRate:  28,
		KantaRate:    7.5,
	}
}

func TestBuildEntry(t *testing.T) {
	svc, _ := newTestService()

	entry, err := svc.BuildEntry(domain.EntryInput{Bags: 5, Weight: 528.5, RatePerQuintal: 1000})
	if err != nil {
		t.Fatalf("build entry failed: %v", err)
	}
	if entry.WeightInQuintals != 5.285 {
		t.Fatalf("quintals = %v, want 5.285", entry.WeightInQuintals)
	}
	if entry.TotalAmount != 5285 {
		t.Fatalf("line amount = %v, want 5285", entry.TotalAmount)
	}
	if entry.ID == "" {
		t.Fatalf("entry id missing")
	}
}

func TestBuildEntryRejectsNonPositiveInputs(t *testing.T) {
	svc, _ := newTestService()

	cases := []domain.EntryInput{
		{Bags: 0, Weight: 100, RatePerQuintal: 1000},
		{Bags: 1, Weight: 0, RatePerQuintal: 1000},
		{Bags: 1, Weight: 100, RatePerQuintal: 0},
	}
	for _, input := range cases {
		if _, err := svc.BuildEntry(input); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("input %+v: expected ErrInvalidInput, got %v", input, err)
		}
	}

	if _, err := svc.BuildEntry(domain.EntryInput{Bags: 1, Weight: -5, RatePerQuintal: 1000}); !errors.Is(err, weight.ErrInvalidWeight) {
		t.Fatalf("expected ErrInvalidWeight, got %v", err)
	}
}

func TestAssemblePurchaseRecord(t *testing.T) {
	svc, _ := newTestService()

	record, err := svc.AssembleRecord(purchaseRequest("Ramesh", 0))
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if record.TotalBags != 5 || record.TotalWeightInQuintals != 1.05 {
		t.Fatalf("totals = %d bags / %v q", record.TotalBags, record.TotalWeightInQuintals)
	}
	if record.BardhanAmount != 140 {
		t.Fatalf("bardhan = %v, want 140", record.BardhanAmount)
	}
	if record.TotalAmount != 1190 {
		t.Fatalf("grand total = %v, want 1190", record.TotalAmount)
	}
	if record.KantaRate != 0 || record.KantaAmount != 0 {
		t.Fatalf("purchase must not carry kanta charges: %+v", record)
	}
}

func TestAssembleSaleRecord(t *testing.T) {
	svc, _ := newTestService()

	record, err := svc.AssembleRecord(saleRequest("Suresh", " Ramesh "))
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if record.KantaAmount != 22.5 {
		t.Fatalf("kanta = %v, want 22.5", record.KantaAmount)
	}
	if record.TotalAmount != 1366.5 {
		t.Fatalf("grand total = %v, want 1366.5", record.TotalAmount)
	}
	if record.SourceSeller != "Ramesh" {
		t.Fatalf("source seller = %q, want trimmed Ramesh", record.SourceSeller)
	}
}

func TestAssembleEmptyEntriesYieldsZeroRecord(t *testing.T) {
	svc, _ := newTestService()

	record, err := svc.AssembleRecord(domain.AssembleRequest{Role: domain.RoleSeller, BardhanRate: 28})
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if record.TotalBags != 0 || record.TotalAmount != 0 {
		t.Fatalf("expected zero-valued record, got %+v", record)
	}
	if record.TraderName != "Unknown Seller" {
		t.Fatalf("trader name = %q, want Unknown Seller", record.TraderName)
	}
}

func TestAssembleRejectsUnknownRole(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.AssembleRecord(domain.AssembleRequest{Role: "broker"}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSaveSessionComputesNetProfit(t *testing.T) {
	svc, ctx := newTestService()

	purchase, _ := svc.AssembleRecord(purchaseRequest("Ramesh", 0))
	sale, _ := svc.AssembleRecord(saleRequest("Suresh", "Ramesh"))

	saved, err := svc.SaveSession(ctx, domain.SaveSessionRequest{
		SessionName: "August batch",
		Purchases:   []domain.TradeRecord{purchase},
		Sales:       []domain.TradeRecord{sale},
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.TotalPurchaseAmount != 1190 || saved.TotalSaleAmount != 1366.5 {
		t.Fatalf("session totals = %v/%v", saved.TotalPurchaseAmount, saved.TotalSaleAmount)
	}
	if saved.NetProfit != 176.5 {
		t.Fatalf("net profit = %v, want 176.5", saved.NetProfit)
	}
	if saved.ID == "" {
		t.Fatalf("insert must assign an id")
	}
}

func TestSaveSessionDefaultsName(t *testing.T) {
	svc, ctx := newTestService()

	saved, err := svc.SaveSession(ctx, domain.SaveSessionRequest{})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.SessionName == "" {
		t.Fatalf("expected generated session name")
	}
}

func TestSaveSessionUpdateUnknownID(t *testing.T) {
	svc, ctx := newTestService()

	_, err := svc.SaveSession(ctx, domain.SaveSessionRequest{ID: "ses-missing", SessionName: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsSearch(t *testing.T) {
	svc, ctx := newTestService()

	purchase, _ := svc.AssembleRecord(purchaseRequest("Ramesh", 0))
	if _, err := svc.SaveSession(ctx, domain.SaveSessionRequest{
		SessionName: "Mandi day",
		Purchases:   []domain.TradeRecord{purchase},
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := svc.SaveSession(ctx, domain.SaveSessionRequest{SessionName: "Empty batch"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	all, err := svc.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	byTrader, err := svc.ListSessions(ctx, "RAMESH")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(byTrader) != 1 || byTrader[0].SessionName != "Mandi day" {
		t.Fatalf("trader search returned %v", byTrader)
	}

	byName, err := svc.ListSessions(ctx, "empty")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(byName) != 1 || byName[0].SessionName != "Empty batch" {
		t.Fatalf("name search returned %v", byName)
	}
}

func TestSessionsAreOwnerScoped(t *testing.T) {
	svc, ctx := newTestService()
	otherCtx := WithActor(context.Background(), domain.Actor{UserID: "user-2"})

	saved, err := svc.SaveSession(ctx, domain.SaveSessionRequest{SessionName: "Mine"})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := svc.GetSession(otherCtx, saved.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	sessions, err := svc.ListSessions(otherCtx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("foreign owner sees %d sessions", len(sessions))
	}
}

func seedPendingPurchases(t *testing.T, svc *Service, ctx context.Context, trader string, totals []float64) []string {
	t.Helper()
	ids := make([]string, 0, len(totals))
	for i, total := range totals {
		record := domain.TradeRecord{
			ID:          fmt.Sprintf("rec-%d", i+1),
			Date:        "2026-08-01",
			TraderName:  trader,
			TotalAmount: total,
		}
		saved, err := svc.SaveSession(ctx, domain.SaveSessionRequest{
			SessionName: fmt.Sprintf("batch %d", i+1),
			Purchases:   []domain.TradeRecord{record},
		})
		if err != nil {
			t.Fatalf("seed save failed: %v", err)
		}
		ids = append(ids, saved.ID)
	}
	return ids
}

func TestAddTraderPaymentGreedyAllocation(t *testing.T) {
	svc, ctx := newTestService()
	// Sessions list newest-first, so the 100 record (saved last) is
	// allocated before the 50 record.
	seedPendingPurchases(t, svc, ctx, "Ramesh", []float64{50, 100})

	modified, err := svc.AddTraderPayment(ctx, domain.TraderPaymentRequest{
		TraderName: "ramesh",
		Role:       domain.RoleSeller,
		Amount:     120,
	})
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if modified != 2 {
		t.Fatalf("modified = %d, want 2", modified)
	}

	sessions, err := svc.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	pendings := map[float64]float64{}
	for _, session := range sessions {
		for _, record := range session.Purchases {
			pendings[record.TotalAmount] = record.Pending(domain.RoleSeller)
		}
	}
	if pendings[100] != 0 {
		t.Fatalf("first record pending = %v, want 0", pendings[100])
	}
	if pendings[50] != 30 {
		t.Fatalf("second record pending = %v, want 30", pendings[50])
	}
}

func TestAddTraderPaymentDropsLeftover(t *testing.T) {
	svc, ctx := newTestService()
	seedPendingPurchases(t, svc, ctx, "Ramesh", []float64{100})

	modified, err := svc.AddTraderPayment(ctx, domain.TraderPaymentRequest{
		TraderName: "Ramesh",
		Role:       domain.RoleSeller,
		Amount:     500,
	})
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if modified != 1 {
		t.Fatalf("modified = %d, want 1", modified)
	}

	sessions, _ := svc.ListSessions(ctx, "")
	record := sessions[0].Purchases[0]
	if record.AmountPaid != 100 {
		t.Fatalf("settled = %v, want fully paid 100 with leftover dropped", record.AmountPaid)
	}
}

func TestAddTraderPaymentSkipsSettledRecords(t *testing.T) {
	svc, ctx := newTestService()
	seedPendingPurchases(t, svc, ctx, "Ramesh", []float64{100})
	sessions, _ := svc.ListSessions(ctx, "")
	sessions[0].Purchases[0].AmountPaid = 100
	if _, err := svc.SaveSession(ctx, domain.SaveSessionRequest{
		ID:          sessions[0].ID,
		SessionName: sessions[0].SessionName,
		Purchases:   sessions[0].Purchases,
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	modified, err := svc.AddTraderPayment(ctx, domain.TraderPaymentRequest{
		TraderName: "Ramesh",
		Role:       domain.RoleSeller,
		Amount:     40,
	})
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if modified != 0 {
		t.Fatalf("modified = %d, want 0 when nothing is pending", modified)
	}
}

func TestSetTraderSettledBroadcast(t *testing.T) {
	svc, ctx := newTestService()
	seedPendingPurchases(t, svc, ctx, "Ramesh", []float64{100, 50})

	modified, err := svc.SetTraderSettled(ctx, domain.TraderPaymentRequest{
		TraderName: "RAMESH",
		Role:       domain.RoleSeller,
		Amount:     10,
	})
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if modified != 2 {
		t.Fatalf("modified = %d, want 2", modified)
	}

	sessions, _ := svc.ListSessions(ctx, "")
	for _, session := range sessions {
		if session.Purchases[0].AmountPaid != 10 {
			t.Fatalf("settled = %v, want broadcast 10", session.Purchases[0].AmountPaid)
		}
	}
}

func TestUpdateRecordPayment(t *testing.T) {
	svc, ctx := newTestService()
	ids := seedPendingPurchases(t, svc, ctx, "Ramesh", []float64{100})

	err := svc.UpdateRecordPayment(ctx, domain.RecordPaymentRequest{
		SessionID: ids[0],
		RecordID:  "rec-1",
		Role:      domain.RoleSeller,
		Amount:    75,
	})
	if err != nil {
		t.Fatalf("record update failed: %v", err)
	}

	session, _ := svc.GetSession(ctx, ids[0])
	if session.Purchases[0].AmountPaid != 75 {
		t.Fatalf("settled = %v, want 75", session.Purchases[0].AmountPaid)
	}

	err = svc.UpdateRecordPayment(ctx, domain.RecordPaymentRequest{
		SessionID: ids[0],
		RecordID:  "rec-missing",
		Role:      domain.RoleSeller,
		Amount:    10,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown record, got %v", err)
	}
}

func TestRenameTraderPropagatesSourceSeller(t *testing.T) {
	svc, ctx := newTestService()

	purchase, _ := svc.AssembleRecord(purchaseRequest("ramesh", 0))
	sale, _ := svc.AssembleRecord(saleRequest("Suresh", "RAMESH"))
	saved, err := svc.SaveSession(ctx, domain.SaveSessionRequest{
		SessionName: "batch",
		Purchases:   []domain.TradeRecord{purchase},
		Sales:       []domain.TradeRecord{sale},
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	wantProfit := saved.NetProfit

	modified, err := svc.RenameTrader(ctx, domain.TraderRenameRequest{
		OldName: "Ramesh",
		NewName: "Ramesh Kumar",
		Role:    domain.RoleSeller,
	})
	if err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if modified != 1 {
		t.Fatalf("modified = %d, want 1", modified)
	}

	session, _ := svc.GetSession(ctx, saved.ID)
	if session.Purchases[0].TraderName != "Ramesh Kumar" {
		t.Fatalf("purchase trader = %q", session.Purchases[0].TraderName)
	}
	if session.Sales[0].SourceSeller != "Ramesh Kumar" {
		t.Fatalf("source seller = %q", session.Sales[0].SourceSeller)
	}
	if session.NetProfit != wantProfit {
		t.Fatalf("net profit changed by rename: %v != %v", session.NetProfit, wantProfit)
	}
}

func TestRenameBuyerLeavesPurchasesAlone(t *testing.T) {
	svc, ctx := newTestService()

	purchase, _ := svc.AssembleRecord(purchaseRequest("Suresh", 0))
	sale, _ := svc.AssembleRecord(saleRequest("Suresh", ""))
	saved, err := svc.SaveSession(ctx, domain.SaveSessionRequest{
		SessionName: "batch",
		Purchases:   []domain.TradeRecord{purchase},
		Sales:       []domain.TradeRecord{sale},
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := svc.RenameTrader(ctx, domain.TraderRenameRequest{
		OldName: "Suresh",
		NewName: "Suresh Traders",
		Role:    domain.RoleBuyer,
	}); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	session, _ := svc.GetSession(ctx, saved.ID)
	if session.Purchases[0].TraderName != "Suresh" {
		t.Fatalf("buyer rename touched purchase record: %q", session.Purchases[0].TraderName)
	}
	if session.Sales[0].TraderName != "Suresh Traders" {
		t.Fatalf("sale trader = %q", session.Sales[0].TraderName)
	}
}

func TestRenameWithNoMatchesReturnsZero(t *testing.T) {
	svc, ctx := newTestService()

	modified, err := svc.RenameTrader(ctx, domain.TraderRenameRequest{
		OldName: "Nobody",
		NewName: "Somebody",
		Role:    domain.RoleSeller,
	})
	if err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if modified != 0 {
		t.Fatalf("modified = %d, want 0", modified)
	}
}

// failingRepo wraps the memory store and fails UpdateSession for one
// session id, to exercise the skip-and-continue path in multi-session
// loops.
type failingRepo struct {
	store.Repository
	failID string
}

func (f *failingRepo) UpdateSession(ctx context.Context, session domain.TradeSession) (*domain.TradeSession, error) {
	if session.ID == f.failID {
		return nil, fmt.Errorf("connection reset")
	}
	return f.Repository.UpdateSession(ctx, session)
}

func TestAddTraderPaymentContinuesPastStoreFailure(t *testing.T) {
	mem := memory.New()
	svc := New(mem, nil)
	ctx := WithActor(context.Background(), domain.Actor{UserID: "user-1"})
	ids := seedPendingPurchases(t, svc, ctx, "Ramesh", []float64{100, 50})

	svc = New(&failingRepo{Repository: mem, failID: ids[0]}, nil)

	modified, err := svc.AddTraderPayment(ctx, domain.TraderPaymentRequest{
		TraderName: "Ramesh",
		Role:       domain.RoleSeller,
		Amount:     120,
	})
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if modified != 1 {
		t.Fatalf("modified = %d, want 1 (failed session skipped)", modified)
	}
}

func TestOperationsRequireActor(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.ListSessions(context.Background(), ""); err == nil {
		t.Fatalf("expected error without actor")
	}
	if _, err := svc.SaveSession(context.Background(), domain.SaveSessionRequest{}); err == nil {
		t.Fatalf("expected error without actor")
	}
}
