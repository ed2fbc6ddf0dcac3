package payment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"+255 745 000 111": "255745000111",
		"0745000111":       "255745000111",
		"745000111":        "255745000111",
		"255-655-123-456":  "255655123456",
		"12345":            "12345",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestValidPhone(t *testing.T) {
	assert.True(t, ValidPhone("255745000111"))
	assert.True(t, ValidPhone("255655123456"))
	assert.False(t, ValidPhone("255845000111"))
	assert.False(t, ValidPhone("25574500011"))
	assert.False(t, ValidPhone("0745000111"))
}

func TestDetectCarrier(t *testing.T) {
	tests := map[string]Carrier{
		"255621000000": CarrierHalotel,
		"255655123456": CarrierTigo,
		"255688000000": CarrierAirtel,
		"255740000000": CarrierVodacom,
		"255759999999": CarrierVodacom,
		"255760000000": CarrierUnknown,
		"255610000000": CarrierUnknown,
		"123":          CarrierUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectCarrier(in), in)
	}
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "255745****11", MaskPhone("255745000111"))
	assert.Equal(t, "****", MaskPhone("123"))
}

func TestNewTransactionRef(t *testing.T) {
	a := NewTransactionRef(CategoryFarmerRegistration)
	b := NewTransactionRef(CategoryFarmerRegistration)
	assert.True(t, strings.HasPrefix(a, "REG_"))
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(NewTransactionRef(CategoryCommissionPayout), "COM_"))
	assert.True(t, strings.HasPrefix(NewTransactionRef(CategorySubscriptionFee), "PAY_"))
}
