// Replay tool for measuring Kestrel against labelled card transactions.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/labelled.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labelled transactions from CSV (one row per transaction, is_fraud column)
//  2. Sends each transaction to POST /assess
//  3. Treats REVIEW and BLOCK as a positive prediction
//  4. Prints the confusion matrix, precision, recall and F1
//
// Rows are replayed in file order per account so velocity and baseline
// signals build up the way they would in production.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabelledTransaction is one CSV row.
type LabelledTransaction struct {
	Transaction Transaction
	IsFraud     bool
}

// Transaction mirrors the POST /assess request body.
type Transaction struct {
	ID        string   `json:"id"`
	AccountID string   `json:"accountId"`
	Amount    string   `json:"amount"`
	Currency  string   `json:"currency,omitempty"`
	Timestamp string   `json:"timestamp"`
	Merchant  Merchant `json:"merchant"`
	Location  Location `json:"location"`
	Card      Card     `json:"card"`
}

type Merchant struct {
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	RiskScore float64 `json:"riskScore"`
}

type Location struct {
	Country   string `json:"country"`
	City      string `json:"city,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

type Card struct {
	Last4   string `json:"last4"`
	Issuer  string `json:"issuer"`
	Network string `json:"network"`
}

// AssessResponse is the subset of the POST /assess response used here.
type AssessResponse struct {
	EvaluationID   string   `json:"evaluationId"`
	OverallScore   float64  `json:"overallScore"`
	RiskLevel      string   `json:"riskLevel"`
	Recommendation string   `json:"recommendation"`
	Reasons        []string `json:"reasons"`
}

// Metrics tracks replay results.
type Metrics struct {
	TruePositives  int64 // fraud flagged REVIEW or BLOCK
	FalsePositives int64 // legitimate flagged
	TrueNegatives  int64 // legitimate approved
	FalseNegatives int64 // fraud approved

	Blocked  int64
	Reviewed int64

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

// Record adds one outcome to the confusion matrix.
func (m *Metrics) Record(isFraud bool, recommendation string) {
	if isFraud {
		atomic.AddInt64(&m.TotalFraud, 1)
	} else {
		atomic.AddInt64(&m.TotalNonFraud, 1)
	}
	switch recommendation {
	case "BLOCK":
		atomic.AddInt64(&m.Blocked, 1)
	case "REVIEW":
		atomic.AddInt64(&m.Reviewed, 1)
	}

	predicted := recommendation == "REVIEW" || recommendation == "BLOCK"
	switch {
	case predicted && isFraud:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !isFraud:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !isFraud:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Precision is TP / (TP + FP), or 0 with no positive predictions.
func (m *Metrics) Precision() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
}

// Recall is TP / (TP + FN), or 0 with no fraud in the sample.
func (m *Metrics) Recall() float64 {
	return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct predictions.
func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	return ratio(m.TruePositives+m.TrueNegatives, total)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "replay", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/labelled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL REPLAY - labelled transaction benchmark")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	transactions, err := readCSV(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(transactions, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCSV parses labelled rows. Columns are matched by header name, case
// insensitively; malformed rows are skipped.
func readCSV(r io.Reader, limit int) ([]LabelledTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "account_id", "amount", "timestamp", "merchant_name", "merchant_category", "country", "card_last4", "is_fraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	get := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var out []LabelledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		risk, _ := strconv.ParseFloat(get(record, "merchant_risk"), 64)
		isFraud := get(record, "is_fraud")
		tx := LabelledTransaction{
			Transaction: Transaction{
				ID:        get(record, "id"),
				AccountID: get(record, "account_id"),
				Amount:    get(record, "amount"),
				Currency:  get(record, "currency"),
				Timestamp: get(record, "timestamp"),
				Merchant: Merchant{
					Name:      get(record, "merchant_name"),
					Category:  get(record, "merchant_category"),
					RiskScore: risk,
				},
				Location: Location{
					Country:   get(record, "country"),
					City:      get(record, "city"),
					IPAddress: get(record, "ip_address"),
				},
				Card: Card{
					Last4:   get(record, "card_last4"),
					Issuer:  orDefault(get(record, "card_issuer"), "unknown"),
					Network: orDefault(get(record, "card_network"), "unknown"),
				},
			},
			IsFraud: isFraud == "1" || strings.EqualFold(isFraud, "true"),
		}
		out = append(out, tx)

		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// runReplay shards rows by account so each account's history is replayed
// in order by a single worker.
func runReplay(transactions []LabelledTransaction, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	if numWorkers < 1 {
		numWorkers = 1
	}

	queues := make([]chan LabelledTransaction, numWorkers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan LabelledTransaction, 100)
		wg.Add(1)
		go func(work <-chan LabelledTransaction) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := assessTransaction(client, baseURL, tenantID, tx.Transaction)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.Transaction.ID, err)
					}
					continue
				}
				metrics.Record(tx.IsFraud, result.Recommendation)

				if verbose {
					predicted := result.Recommendation != "APPROVE"
					status := "ok"
					if predicted != tx.IsFraud {
						status = "MISS"
					}
					fmt.Printf("%-4s %-12s | %10s | fraud: %-5v | %-7s (%.2f) %s\n",
						status, tx.Transaction.ID, tx.Transaction.Amount, tx.IsFraud,
						result.Recommendation, result.OverallScore, strings.Join(result.Reasons, "; "))
				}
			}
		}(queues[i])
	}

	for _, tx := range transactions {
		queues[shard(tx.Transaction.AccountID, numWorkers)] <- tx
	}
	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	return metrics
}

// shard maps an account to a worker.
func shard(accountID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(n))
}

func assessTransaction(client *http.Client, baseURL, tenantID string, tx Transaction) (*AssessResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/assess", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result AssessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Legitimate: %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Blocked:          %d\n", m.Blocked)
	fmt.Printf("   Reviewed:         %d\n", m.Reviewed)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                     Predicted")
	fmt.Println("                 FLAGGED   APPROVED")
	fmt.Printf("   Actual  F   %9d  %9d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF   %9d  %9d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", m.Precision())
	fmt.Printf("   Recall:     %.4f\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f\n", m.Accuracy())

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
