package marketplace

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmount_RoundTrip(t *testing.T) {
	base, err := ToBaseUnits("1.5", DefaultDecimals)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", base.String())
	assert.Equal(t, "1.50", FormatAmount(base, DefaultDecimals))
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2", want: "2000000000000000000"},
		{in: " 0.000000000000000001 ", want: "1"},
		{in: "12.345", want: "12345000000000000000"},
		{in: "0.0000000000000000001", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ToBaseUnits(tt.in, DefaultDecimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatAmount_Rounds(t *testing.T) {
	v, _ := new(big.Int).SetString("1235000000000000000", 10)
	assert.Equal(t, "1.24", FormatAmount(v, DefaultDecimals))
	assert.Equal(t, "0.00", FormatAmount(nil, DefaultDecimals))
	assert.Equal(t, "3.00", FormatAmount(big.NewInt(300), 2))
}
