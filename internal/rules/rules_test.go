package rules_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func baseTx() *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx-1",
		AccountID: "acc-1",
		Amount:    decimal.NewFromInt(120),
		Currency:  "EUR",
		Timestamp: time.Date(2026, 3, 10, 14, 23, 11, 0, time.UTC),
		Merchant:  domain.Merchant{Name: "SuperValu", Category: "grocery", RiskScore: 0.1},
		Location:  domain.Location{Country: "IE", City: "Dublin"},
		Card:      domain.Card{Last4: "4242", Issuer: "AIB", Network: "visa"},
	}
}

func TestAmountRule(t *testing.T) {
	r := rules.NewAmountRule(domain.DefaultEngineConfig().Amount)

	tests := []struct {
		name   string
		amount string
		want   float64
	}{
		{"normal", "120", 0.2},
		{"medium", "750", 0.5},
		{"micro", "0.50", 0.7},
		{"exactly high boundary is medium", "1000", 0.5},
		{"double the boundary", "2000", 0.9},
		{"five times the boundary", "5000", 0.96},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := baseTx()
			tx.Amount = decimal.RequireFromString(tt.amount)
			f := r.Evaluate(tx, domain.Signals{})
			assert.InDelta(t, tt.want, f.Value, 1e-9)
			assert.Equal(t, rules.NameAmount, f.Name)
			assert.InDelta(t, 0.25*tt.want, f.Contribution, 1e-9)
		})
	}

	t.Run("monotonic above the high boundary", func(t *testing.T) {
		prev := 0.0
		for amt := int64(1001); amt < 100000; amt += 997 {
			tx := baseTx()
			tx.Amount = decimal.NewFromInt(amt)
			v := r.Evaluate(tx, domain.Signals{}).Value
			assert.GreaterOrEqual(t, v, prev, "amount %d", amt)
			assert.LessOrEqual(t, v, 1.0)
			prev = v
		}
	})
}

func TestVelocityRule(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	r := rules.NewVelocityRule(cfg.Velocity, cfg.NeutralValue)

	t.Run("unavailable when both counts missing", func(t *testing.T) {
		f := r.Evaluate(baseTx(), domain.Signals{})
		assert.True(t, f.Unavailable)
		assert.Equal(t, cfg.NeutralValue, f.Value)
		assert.Contains(t, f.Description, "signal unavailable")
	})

	tests := []struct {
		name    string
		sig     domain.Signals
		want    float64
		trigger bool
	}{
		{"quiet account", domain.Signals{Velocity1h: domain.IntPtr(1), Velocity24h: domain.IntPtr(4)}, 0.02, false},
		{"at hourly limit", domain.Signals{Velocity1h: domain.IntPtr(5), Velocity24h: domain.IntPtr(5)}, 0.1, false},
		{"just over hourly limit", domain.Signals{Velocity1h: domain.IntPtr(6)}, 0.6, true},
		{"burst saturates", domain.Signals{Velocity1h: domain.IntPtr(12), Velocity24h: domain.IntPtr(12)}, 1.0, true},
		{"daily window only", domain.Signals{Velocity24h: domain.IntPtr(30)}, 0.75, true},
		{"negative count treated as zero", domain.Signals{Velocity1h: domain.IntPtr(-3)}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := r.Evaluate(baseTx(), tt.sig)
			assert.False(t, f.Unavailable)
			assert.InDelta(t, tt.want, f.Value, 1e-9)
			assert.Equal(t, tt.trigger, f.Triggered)
		})
	}
}

func TestLocationRule(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Location
	cfg.FlaggedNetworks = []string{"203.0.113.0/24"}
	r := rules.NewLocationRule(cfg)

	tests := []struct {
		name    string
		country string
		ip      string
		want    float64
	}{
		{"home country", "IE", "", 0.1},
		{"alpha-3 home country", "IRL", "", 0.1},
		{"foreign", "FR", "", 0.6},
		{"high risk", "PRK", "", 0.9},
		{"home from flagged network", "IE", "203.0.113.7", 0.3},
		{"high risk from flagged network clamps", "KP", "203.0.113.7", 1.0},
		{"clean ip", "FR", "198.51.100.1", 0.6},
		{"ipv4-mapped ipv6 in flagged network", "FR", "::ffff:203.0.113.9", 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := baseTx()
			tx.Location.Country = tt.country
			tx.Location.IPAddress = tt.ip
			f := r.Evaluate(tx, domain.Signals{})
			assert.InDelta(t, tt.want, f.Value, 1e-9)
		})
	}
}

func TestTimeOfDayRule(t *testing.T) {
	r := rules.NewTimeOfDayRule(domain.DefaultEngineConfig().TimeOfDay)

	tests := []struct {
		name string
		ts   time.Time
		want float64
	}{
		{"afternoon", time.Date(2026, 3, 10, 14, 23, 11, 0, time.UTC), 0.1},
		{"on the hour", time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC), 0.4},
		{"evening", time.Date(2026, 3, 10, 20, 15, 0, 0, time.UTC), 0.6},
		{"night", time.Date(2026, 3, 10, 2, 10, 0, 0, time.UTC), 0.9},
		{"business end is exclusive", time.Date(2026, 3, 10, 17, 5, 0, 0, time.UTC), 0.6},
		{"offset converted to UTC", time.Date(2026, 3, 10, 10, 30, 0, 0, time.FixedZone("UTC+8", 8*3600)), 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := baseTx()
			tx.Timestamp = tt.ts
			assert.InDelta(t, tt.want, r.Evaluate(tx, domain.Signals{}).Value, 1e-9)
		})
	}

	t.Run("configured timezone", func(t *testing.T) {
		cfg := domain.DefaultEngineConfig().TimeOfDay
		cfg.Timezone = "Asia/Tokyo"
		tokyo := rules.NewTimeOfDayRule(cfg)
		tx := baseTx()
		tx.Timestamp = time.Date(2026, 3, 10, 2, 30, 0, 0, time.UTC) // 11:30 in Tokyo
		assert.InDelta(t, 0.1, tokyo.Evaluate(tx, domain.Signals{}).Value, 1e-9)
	})
}

func TestMerchantRule(t *testing.T) {
	r := rules.NewMerchantRule(domain.DefaultEngineConfig().Merchant)

	tx := baseTx()
	assert.InDelta(t, 0.1, r.Evaluate(tx, domain.Signals{}).Value, 1e-9)

	tx.Merchant = domain.Merchant{Name: "Lucky Spins", Category: "gambling", RiskScore: 0.5}
	assert.InDelta(t, 0.8, r.Evaluate(tx, domain.Signals{}).Value, 1e-9)

	tx.Merchant = domain.Merchant{Name: "???", Category: "unknown", RiskScore: 0.9}
	f := r.Evaluate(tx, domain.Signals{})
	assert.Equal(t, 1.0, f.Value)
	assert.Contains(t, f.Description, "high-risk category")

	t.Run("category match ignores case", func(t *testing.T) {
		for _, category := range []string{"gambling", "Gambling", "GAMBLING", " Gambling "} {
			tx := baseTx()
			tx.Merchant = domain.Merchant{Name: "Lucky Spins", Category: category, RiskScore: 0.5}
			assert.InDelta(t, 0.8, r.Evaluate(tx, domain.Signals{}).Value, 1e-9, category)
		}
	})
}

func TestBehavioralRule(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	r := rules.NewBehavioralRule(cfg.Behavioral, cfg.NeutralValue)

	t.Run("unavailable without profile", func(t *testing.T) {
		f := r.Evaluate(baseTx(), domain.Signals{AccountMean: domain.FloatPtr(100)})
		assert.True(t, f.Unavailable)
		assert.Equal(t, cfg.NeutralValue, f.Value)
	})

	tests := []struct {
		name   string
		amount int64
		mean   float64
		std    float64
		want   float64
	}{
		{"below mean", 50, 100, 20, 0},
		{"one sigma", 120, 100, 20, 1.0 / 3},
		{"capped", 1000, 100, 20, 1},
		{"flat history uses floor", 101, 100, 0, 1.0 / 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := baseTx()
			tx.Amount = decimal.NewFromInt(tt.amount)
			f := r.Evaluate(tx, domain.Signals{AccountMean: domain.FloatPtr(tt.mean), AccountStd: domain.FloatPtr(tt.std)})
			assert.False(t, f.Unavailable)
			assert.InDelta(t, tt.want, f.Value, 1e-9)
		})
	}
}

func TestExpressionRules(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.Expressions = []domain.ExpressionRule{
		{ID: "r1", Name: "card_testing", Expression: "amount < 2.0 && velocity_1h > 3", Weight: 0.1, Threshold: 0.5, Enabled: true},
		{ID: "r2", Name: "night_crypto", Expression: "merchant_category == 'crypto' ? 0.8 : 0.0", Weight: 0.1, Threshold: 0.5, Enabled: true},
		{ID: "r3", Name: "disabled", Expression: "true", Weight: 0.1, Threshold: 0.5, Enabled: false},
		{ID: "r4", Name: "ratio", Expression: "amount / account_mean", Weight: 0.05, Threshold: 0.9, Enabled: true},
	}

	set, err := rules.NewSet(cfg)
	require.NoError(t, err)
	assert.Equal(t, 9, set.Len())

	_, found := set.Rule("disabled")
	assert.False(t, found)

	tx := baseTx()
	tx.Amount = decimal.RequireFromString("1.00")
	factors := set.Evaluate(tx, domain.Signals{Velocity1h: domain.IntPtr(5)})
	require.Len(t, factors, 9)

	byName := map[string]domain.RiskFactor{}
	for _, f := range factors {
		byName[f.Name] = f
	}
	assert.Equal(t, 1.0, byName["card_testing"].Value)
	assert.True(t, byName["card_testing"].Triggered)
	assert.Equal(t, 0.0, byName["night_crypto"].Value)
	assert.True(t, byName["ratio"].Unavailable)
	assert.Equal(t, cfg.NeutralValue, byName["ratio"].Value)
	assert.Contains(t, byName["ratio"].Description, "account_mean")

	t.Run("missing signal behind its flag is evaluated", func(t *testing.T) {
		c := domain.DefaultEngineConfig()
		c.Expressions = []domain.ExpressionRule{{ID: "g", Name: "guarded_ratio", Expression: "has_profile ? amount / account_mean : 0.0", Weight: 0.05, Threshold: 0.9, Enabled: true}}
		s, err := rules.NewSet(c)
		require.NoError(t, err)
		fs := s.Evaluate(baseTx(), domain.Signals{})
		last := fs[len(fs)-1]
		assert.False(t, last.Unavailable)
		assert.Equal(t, 0.0, last.Value)
	})

	t.Run("present signal is evaluated", func(t *testing.T) {
		fs := set.Evaluate(tx, domain.Signals{AccountMean: domain.FloatPtr(2), AccountStd: domain.FloatPtr(1)})
		for _, f := range fs {
			if f.Name == "ratio" {
				assert.False(t, f.Unavailable)
				assert.InDelta(t, 0.5, f.Value, 1e-9)
			}
		}
	})

	t.Run("compile errors are reported", func(t *testing.T) {
		bad := domain.DefaultEngineConfig()
		bad.Expressions = []domain.ExpressionRule{{ID: "x", Expression: "this is not CEL !!!", Enabled: true}}
		_, err := rules.NewSet(bad)
		assert.Error(t, err)
	})

	t.Run("non numeric output rejected", func(t *testing.T) {
		bad := domain.DefaultEngineConfig()
		bad.Expressions = []domain.ExpressionRule{{ID: "x", Expression: "country", Enabled: true}}
		_, err := rules.NewSet(bad)
		assert.ErrorContains(t, err, "must return bool, int, or double")
	})

	t.Run("name collision with builtin rejected", func(t *testing.T) {
		bad := domain.DefaultEngineConfig()
		bad.Expressions = []domain.ExpressionRule{{ID: "x", Name: rules.NameVelocity, Expression: "true", Enabled: true}}
		_, err := rules.NewSet(bad)
		assert.Error(t, err)
	})

	t.Run("runtime error yields unavailable factor", func(t *testing.T) {
		c := domain.DefaultEngineConfig()
		c.Expressions = []domain.ExpressionRule{{ID: "div", Expression: "velocity_1h / (velocity_24h - 2)", Weight: 0.1, Threshold: 0.5, Enabled: true}}
		s, err := rules.NewSet(c)
		require.NoError(t, err)
		fs := s.Evaluate(baseTx(), domain.Signals{Velocity1h: domain.IntPtr(2), Velocity24h: domain.IntPtr(2)})
		last := fs[len(fs)-1]
		assert.True(t, last.Unavailable)
		assert.Equal(t, c.NeutralValue, last.Value)
	})
}

func TestSetDescriptors(t *testing.T) {
	set, err := rules.NewSet(domain.DefaultEngineConfig())
	require.NoError(t, err)

	ds := set.Descriptors()
	require.Len(t, ds, 6)
	names := []string{rules.NameAmount, rules.NameVelocity, rules.NameLocation, rules.NameTimeOfDay, rules.NameMerchant, rules.NameBehavioral}
	total := 0.0
	for i, d := range ds {
		assert.Equal(t, names[i], d.Name)
		assert.Equal(t, rules.KindBuiltin, d.Kind)
		total += d.Weight
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, rules.Clamp01(-0.5))
	assert.Equal(t, 1.0, rules.Clamp01(7))
	assert.Equal(t, 0.25, rules.Clamp01(0.25))
}
