package validate

import (
	"testing"

	"github.com/mstgnz/nativepay/infra/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutTradeNo(t *testing.T) {
	v := New()

	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"plain", "ORD20261019001", true},
		{"allowed_symbols", "a_b-c|d*e", true},
		{"max_length", "12345678901234567890123456789012", true},
		{"too_long", "123456789012345678901234567890123", false},
		{"empty", "", false},
		{"space", "ORD 1", false},
		{"slash", "ORD/1", false},
		{"unicode", "订单1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Var(tt.input, "out_trade_no")
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRFC3339(t *testing.T) {
	v := New()

	assert.NoError(t, v.Var("2026-10-19T18:00:00+08:00", "rfc3339"))
	assert.NoError(t, v.Var("2026-10-19T10:00:00Z", "rfc3339"))
	assert.Error(t, v.Var("2026-10-19 18:00:00", "rfc3339"))
	assert.Error(t, v.Var("tomorrow", "rfc3339"))
	assert.NoError(t, v.Var("", "omitempty,rfc3339"))
}

func TestCustomValidate(t *testing.T) {
	require.NotPanics(t, CustomValidate)
	assert.NoError(t, config.App().Validator.Var("ORD-1", "out_trade_no"))
}

func BenchmarkOutTradeNo(b *testing.B) {
	v := New()
	for b.Loop() {
		_ = v.Var("ORD20261019001", "out_trade_no")
	}
}
