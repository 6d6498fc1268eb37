package domain

import (
	"encoding/json"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single card transaction submitted for risk assessment.
// It is immutable once validated; the scoring engine only ever sees valid ones.
type Transaction struct {
	// Core identifiers
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	AccountID string `json:"accountId"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Temporal. A timestamp without an explicit offset is interpreted as UTC.
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	Merchant Merchant `json:"merchant"`
	Location Location `json:"location"`
	Card     Card     `json:"card"`

	Description string `json:"description,omitempty"`
}

// Merchant describes the counterparty of a card transaction.
type Merchant struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	RiskScore float64 `json:"riskScore"`
}

// Location describes where the transaction originated.
type Location struct {
	Country   string   `json:"country"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
}

// Card describes the payment card used.
type Card struct {
	Last4   string `json:"last4"`
	Issuer  string `json:"issuer"`
	Network string `json:"network"`
}

// DefaultCurrency is applied when a transaction omits its currency.
const DefaultCurrency = "EUR"

var (
	last4Pattern    = regexp.MustCompile(`^\d{4}$`)
	countryPattern  = regexp.MustCompile(`^[A-Z]{2,3}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// NewTransaction normalizes and validates a transaction in one step.
func NewTransaction(tx Transaction) (*Transaction, error) {
	tx.Normalize()
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Normalize applies defaults and canonical casing. It does not validate.
func (t *Transaction) Normalize() {
	t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	t.Location.Country = strings.ToUpper(strings.TrimSpace(t.Location.Country))
	t.Location.IPAddress = strings.TrimSpace(t.Location.IPAddress)
	t.Merchant.Category = strings.ToLower(strings.TrimSpace(t.Merchant.Category))
	t.Card.Last4 = strings.TrimSpace(t.Card.Last4)
}

// Validate checks every invariant of the transaction and reports the first
// violated field.
func (t *Transaction) Validate() error {
	if !t.Amount.IsPositive() {
		return NewValidationError("amount", "must be greater than zero")
	}
	if t.Timestamp.IsZero() {
		return NewValidationError("timestamp", "is required")
	}
	if !currencyPattern.MatchString(t.Currency) {
		return NewValidationError("currency", "must be a 3-letter ISO 4217 code")
	}
	if strings.TrimSpace(t.Merchant.Name) == "" {
		return NewValidationError("merchant.name", "is required")
	}
	if t.Merchant.Category == "" {
		return NewValidationError("merchant.category", "is required")
	}
	if t.Merchant.RiskScore < 0 || t.Merchant.RiskScore > 1 {
		return NewValidationError("merchant.riskScore", "must be between 0 and 1")
	}
	if !countryPattern.MatchString(t.Location.Country) {
		return NewValidationError("location.country", "must be a 2 or 3 letter country code")
	}
	if lat := t.Location.Latitude; lat != nil && (*lat < -90 || *lat > 90) {
		return NewValidationError("location.latitude", "must be between -90 and 90")
	}
	if lon := t.Location.Longitude; lon != nil && (*lon < -180 || *lon > 180) {
		return NewValidationError("location.longitude", "must be between -180 and 180")
	}
	if t.Location.IPAddress != "" {
		if _, err := netip.ParseAddr(t.Location.IPAddress); err != nil {
			return NewValidationError("location.ipAddress", "is not a valid IP address")
		}
	}
	if !last4Pattern.MatchString(t.Card.Last4) {
		return NewValidationError("card.last4", "must be exactly 4 digits")
	}
	if strings.TrimSpace(t.Card.Issuer) == "" {
		return NewValidationError("card.issuer", "is required")
	}
	if strings.TrimSpace(t.Card.Network) == "" {
		return NewValidationError("card.network", "is required")
	}
	return nil
}

// Timestamp layouts accepted on input, most specific first. Layouts
// without an offset are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO 8601 timestamp. A timestamp without an
// explicit offset is taken to be UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, NewValidationError("timestamp", "must be an ISO 8601 date-time")
}

// UnmarshalJSON reads the timestamp through ParseTimestamp so inputs
// without an offset are accepted.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type alias Transaction
	aux := struct {
		*alias
		Timestamp *string `json:"timestamp"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timestamp == nil || *aux.Timestamp == "" {
		t.Timestamp = time.Time{}
		return nil
	}
	ts, err := ParseTimestamp(*aux.Timestamp)
	if err != nil {
		return err
	}
	t.Timestamp = ts
	return nil
}

// AmountFloat returns the amount as a float64 for scoring arithmetic.
func (t *Transaction) AmountFloat() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// IP returns the parsed origin address, if one was supplied.
func (t *Transaction) IP() (netip.Addr, bool) {
	if t.Location.IPAddress == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(t.Location.IPAddress)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}
