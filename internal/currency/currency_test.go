package currency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConverter_Convert(t *testing.T) {
	config := DefaultConfig()
	converter := NewConverter(config, nil)

	converter.SetRates(map[string]float64{
		"ARS": 1.0,
		"USD": 0.001,
		"EUR": 0.0009,
	})

	tests := []struct {
		name     string
		amount   float64
		from     string
		to       string
		expected float64
		wantErr  bool
	}{
		{
			name:     "same currency",
			amount:   100.0,
			from:     "ARS",
			to:       "ARS",
			expected: 100.0,
		},
		{
			name:     "ARS to USD",
			amount:   1000.0,
			from:     "ARS",
			to:       "USD",
			expected: 1.0, // 1000 * 0.001
		},
		{
			name:     "USD to ARS",
			amount:   1.0,
			from:     "USD",
			to:       "ARS",
			expected: 1000.0, // 1 / 0.001
		},
		{
			name:     "lowercase currency codes",
			amount:   1000.0,
			from:     "ars",
			to:       "usd",
			expected: 1.0,
		},
		{
			name:    "unknown source currency",
			amount:  100.0,
			from:    "XYZ",
			to:      "ARS",
			wantErr: true,
		},
		{
			name:    "unknown target currency",
			amount:  100.0,
			from:    "ARS",
			to:      "XYZ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := converter.Convert(tt.amount, tt.from, tt.to)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			diff := result - tt.expected
			if diff < 0 {
				diff = -diff
			}
			if diff > 0.001 {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestConverter_ConvertARSToUSD(t *testing.T) {
	config := DefaultConfig()
	converter := NewConverter(config, nil)
	converter.SetRates(map[string]float64{
		"ARS": 1.0,
		"USD": 0.0008,
	})

	result, err := converter.ConvertARSToUSD(1250.0)
	if err != nil {
		t.Fatal(err)
	}
	expected := 1250.0 * 0.0008
	diff := result - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > 0.001 {
		t.Errorf("expected %f, got %f", expected, result)
	}
}

func TestConverter_Disabled(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false
	converter := NewConverter(config, nil)

	result, err := converter.Convert(100.0, "ARS", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if result != 100.0 {
		t.Errorf("expected original amount when disabled, got %f", result)
	}
}

func TestConverter_GetRate(t *testing.T) {
	converter := NewConverter(DefaultConfig(), nil)
	converter.SetRate("USD", 0.00085)

	rate, ok := converter.GetRate("USD")
	if !ok {
		t.Fatal("expected rate to exist")
	}
	if rate != 0.00085 {
		t.Errorf("expected 0.00085, got %f", rate)
	}

	rate, ok = converter.GetRate("usd")
	if !ok {
		t.Fatal("expected rate to exist for lowercase")
	}
	if rate != 0.00085 {
		t.Errorf("expected 0.00085, got %f", rate)
	}

	_, ok = converter.GetRate("XYZ")
	if ok {
		t.Error("expected false for unknown currency")
	}
}

func TestConverter_GetRates(t *testing.T) {
	converter := NewConverter(DefaultConfig(), nil)
	converter.SetRates(map[string]float64{
		"ARS": 1.0,
		"USD": 0.00085,
	})

	rates := converter.GetRates()

	if len(rates) < 2 {
		t.Errorf("expected at least 2 rates, got %d", len(rates))
	}

	rates["ARS"] = 999.0
	rate, _ := converter.GetRate("ARS")
	if rate == 999.0 {
		t.Error("GetRates should return a copy")
	}
}

func TestConverter_IsStale(t *testing.T) {
	config := DefaultConfig()
	config.StaleRateThreshold = 100 * time.Millisecond
	converter := NewConverter(config, nil)

	if !converter.IsStale() {
		t.Error("expected stale initially")
	}

	converter.SetRates(map[string]float64{"ARS": 1.0})
	if converter.IsStale() {
		t.Error("expected not stale after update")
	}

	time.Sleep(150 * time.Millisecond)
	if !converter.IsStale() {
		t.Error("expected stale after threshold")
	}
}

func TestStaticProvider(t *testing.T) {
	rates := map[string]float64{
		"ARS": 1.0,
		"USD": 0.00085,
	}

	provider := NewStaticProvider(rates)

	if provider.Name() != "static" {
		t.Errorf("expected name 'static', got '%s'", provider.Name())
	}

	fetched, err := provider.FetchRates(context.Background(), "ARS")
	if err != nil {
		t.Fatal(err)
	}

	if fetched["USD"] != 0.00085 {
		t.Errorf("expected USD rate 0.00085, got %f", fetched["USD"])
	}
}

func TestAPIProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("expected API key header")
		}

		response := map[string]interface{}{
			"rates": map[string]float64{
				"ARS": 1.0,
				"USD": 0.00085,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	provider := NewAPIProvider(&APIProviderConfig{
		Endpoint: server.URL + "/rates?base={{base}}",
		APIKey:   "test-key",
		Timeout:  1 * time.Second,
	})

	if provider.Name() != "api" {
		t.Errorf("expected name 'api', got '%s'", provider.Name())
	}

	rates, err := provider.FetchRates(context.Background(), "ARS")
	if err != nil {
		t.Fatal(err)
	}

	if rates["USD"] != 0.00085 {
		t.Errorf("expected USD rate 0.00085, got %f", rates["USD"])
	}
}

func TestConverter_RefreshRates(t *testing.T) {
	provider := NewStaticProvider(map[string]float64{
		"ARS": 1.0,
		"USD": 0.0009,
	})

	converter := NewConverter(DefaultConfig(), provider)

	rate, _ := converter.GetRate("USD")
	if rate != 0.001 { // from DefaultConfig placeholder
		t.Errorf("expected initial placeholder rate 0.001, got %f", rate)
	}

	err := converter.RefreshRates(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	rate, _ = converter.GetRate("USD")
	if rate != 0.0009 {
		t.Errorf("expected refreshed rate 0.0009, got %f", rate)
	}
}

func TestConverter_RefreshRates_NoProvider(t *testing.T) {
	converter := NewConverter(DefaultConfig(), nil)

	err := converter.RefreshRates(context.Background())
	if err == nil {
		t.Error("expected error with no provider")
	}
}

func TestNormalizeCurrency(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"usd", "USD"},
		{"USD", "USD"},
		{"Ars", "ARS"},
		{"US", "US"},    // Not 3 chars, unchanged
		{"USDD", "USDD"}, // Not 3 chars, unchanged
	}

	for _, tt := range tests {
		result := normalizeCurrency(tt.input)
		if result != tt.expected {
			t.Errorf("normalizeCurrency(%s) = %s, expected %s", tt.input, result, tt.expected)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if !config.Enabled {
		t.Error("expected enabled by default")
	}

	if config.BaseCurrency != "ARS" {
		t.Errorf("expected ARS base, got %s", config.BaseCurrency)
	}

	if config.DefaultRates["ARS"] != 1.0 {
		t.Errorf("expected ARS rate 1.0, got %f", config.DefaultRates["ARS"])
	}
}

func TestECBProvider_Name(t *testing.T) {
	provider := NewECBProvider()
	if provider.Name() != "ecb" {
		t.Errorf("expected name 'ecb', got '%s'", provider.Name())
	}
}
