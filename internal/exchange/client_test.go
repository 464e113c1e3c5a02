package exchange

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testClient() *Client {
	return NewClient(Config{BaseURL: "https://example.invalid", APIKey: "key", SecretKey: "secret"}, zerolog.Nop())
}

func TestSignIsDeterministic(t *testing.T) {
	c := testClient()
	a := c.sign("payload")
	b := c.sign("payload")
	if a != b {
		t.Fatalf("sign is not deterministic: %s != %s", a, b)
	}
	if c.sign("other") == a {
		t.Fatal("different payloads produced the same signature")
	}
}

func TestIsPostOnlyReject(t *testing.T) {
	cases := map[string]bool{
		"PostOnly order would cross the book": true,
		"insufficient balance":                false,
		"invalid symbol":                      false,
	}
	for msg, want := range cases {
		lower := msg
		got := isPostOnlyReject(lower)
		if got != want {
			t.Errorf("isPostOnlyReject(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]string{
		"Filled":          "FILLED",
		"Cancelled":       "CANCELLED",
		"Rejected":        "REJECTED",
		"Deactivated":     "DEACTIVATED",
		"PartiallyFilled": "NEW",
		"New":             "NEW",
	}
	for exchangeStatus, want := range cases {
		got := string(mapOrderStatus(exchangeStatus))
		if got != want {
			t.Errorf("mapOrderStatus(%q) = %s, want %s", exchangeStatus, got, want)
		}
	}
}

func TestParseKlineRow(t *testing.T) {
	row := []string{"1700000000000", "100.5", "101.0", "99.5", "100.8", "1234.5", "99999"}
	candle, err := parseKlineRow(row)
	if err != nil {
		t.Fatalf("parseKlineRow: %v", err)
	}
	if candle.TimestampMs != 1700000000000 {
		t.Errorf("TimestampMs = %d", candle.TimestampMs)
	}
	if !candle.Open.Equal(mustDecimal("100.5")) {
		t.Errorf("Open = %s", candle.Open)
	}
	if !candle.Confirmed {
		t.Error("Confirmed should always be true for a REST-fetched kline row")
	}
}

func TestParseKlineRowRejectsShortRow(t *testing.T) {
	if _, err := parseKlineRow([]string{"1", "2"}); err == nil {
		t.Fatal("expected an error indexing a short row")
	}
}
