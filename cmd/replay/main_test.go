package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const sampleCSV = `id,account_id,amount,currency,timestamp,merchant_name,merchant_category,merchant_risk,country,city,ip_address,card_last4,card_issuer,card_network,is_fraud
tx-1,acc-1,42.50,EUR,2026-04-14T14:23:11Z,Tesco,grocery,0.1,IE,Dublin,,4242,AIB,visa,0
tx-2,acc-2,5000,EUR,2026-04-14T02:17:00Z,Unknown,unknown,0.9,KP,,,0000,,visa,1
tx-3,acc-1,12.00,EUR,2026-04-14T15:00:00Z,Cafe,restaurants,0.05,IE,,,4242,AIB,visa,false
`

func TestReadCSV(t *testing.T) {
	rows, err := readCSV(strings.NewReader(sampleCSV), 0)
	if err != nil {
		t.Fatalf("readCSV failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if !rows[1].IsFraud || rows[0].IsFraud || rows[2].IsFraud {
		t.Errorf("unexpected labels: %v %v %v", rows[0].IsFraud, rows[1].IsFraud, rows[2].IsFraud)
	}
	if rows[1].Transaction.Card.Issuer != "unknown" {
		t.Errorf("expected default issuer, got %q", rows[1].Transaction.Card.Issuer)
	}
	if rows[0].Transaction.Merchant.RiskScore != 0.1 {
		t.Errorf("expected merchant risk 0.1, got %f", rows[0].Transaction.Merchant.RiskScore)
	}

	limited, _ := readCSV(strings.NewReader(sampleCSV), 2)
	if len(limited) != 2 {
		t.Errorf("expected limit of 2, got %d", len(limited))
	}
}

func TestReadCSVMissingColumn(t *testing.T) {
	if _, err := readCSV(strings.NewReader("id,amount\n1,2\n"), 0); err == nil {
		t.Error("expected error for missing columns")
	}
}

func TestMetrics(t *testing.T) {
	m := &Metrics{}
	m.Record(true, "BLOCK")
	m.Record(true, "APPROVE")
	m.Record(false, "REVIEW")
	m.Record(false, "APPROVE")
	m.Record(false, "APPROVE")

	if m.TruePositives != 1 || m.FalseNegatives != 1 || m.FalsePositives != 1 || m.TrueNegatives != 2 {
		t.Errorf("unexpected matrix: %+v", m)
	}
	if m.Precision() != 0.5 || m.Recall() != 0.5 || m.F1() != 0.5 {
		t.Errorf("unexpected scores: p=%f r=%f f1=%f", m.Precision(), m.Recall(), m.F1())
	}
	if m.Accuracy() != 0.6 {
		t.Errorf("expected accuracy 0.6, got %f", m.Accuracy())
	}

	empty := &Metrics{}
	if empty.F1() != 0 || empty.Precision() != 0 {
		t.Error("empty metrics should score 0")
	}
}

func TestRunReplay(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assess" || r.Header.Get("X-Tenant-ID") != "replay-test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var tx Transaction
		json.NewDecoder(r.Body).Decode(&tx)

		mu.Lock()
		seen[tx.AccountID] = append(seen[tx.AccountID], tx.ID)
		mu.Unlock()

		rec := "APPROVE"
		if tx.Merchant.Category == "unknown" {
			rec = "BLOCK"
		}
		json.NewEncoder(w).Encode(AssessResponse{Recommendation: rec, OverallScore: 0.5})
	}))
	defer srv.Close()

	rows, err := readCSV(strings.NewReader(sampleCSV), 0)
	if err != nil {
		t.Fatal(err)
	}
	m := runReplay(rows, srv.URL, "replay-test", 4, false)

	if m.TotalProcessed != 3 || m.TotalErrors != 0 {
		t.Fatalf("unexpected totals: %+v", m)
	}
	if m.Recall() != 1 || m.Precision() != 1 {
		t.Errorf("expected perfect detection, got p=%f r=%f", m.Precision(), m.Recall())
	}
	if got := seen["acc-1"]; len(got) != 2 || got[0] != "tx-1" || got[1] != "tx-3" {
		t.Errorf("account history replayed out of order: %v", got)
	}
}

func TestShardIsStable(t *testing.T) {
	for _, id := range []string{"acc-1", "acc-2", ""} {
		if shard(id, 7) != shard(id, 7) {
			t.Errorf("shard not deterministic for %q", id)
		}
		if s := shard(id, 7); s < 0 || s >= 7 {
			t.Errorf("shard out of range: %d", s)
		}
	}
}
