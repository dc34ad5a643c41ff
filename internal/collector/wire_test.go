package collector

import (
	"testing"
)

func TestParsePayload_LeaderAndMoney(t *testing.T) {
	payload := `[{"id_oferta_subasta":1,"id_renglon":"10","id_proveedor":"200","monto":1234567.89,"proveedor":"Acme","mejor_oferta":"Vigente","hora":"10:00:00","monto_a_mostrar":"$ 1.234.567,8900"}]@@$ 2.000.000,00@@$ 1.300.000,00@@`

	got, err := ParsePayload("10", payload)
	if err != nil {
		t.Fatalf("ParsePayload returned error: %v", err)
	}
	if len(got.Offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(got.Offers))
	}
	if !got.Offers[0].IsLeader {
		t.Errorf("expected offer to be marked leader")
	}
	if got.Budget == nil || *got.Budget != 2000000.00 {
		t.Errorf("expected budget 2000000.00, got %v", got.Budget)
	}
	if got.MinToBeat == nil || *got.MinToBeat != 1300000.00 {
		t.Errorf("expected min-to-beat 1300000.00, got %v", got.MinToBeat)
	}

	best, bestText := BestOffer(got.Offers)
	if best == nil || *best != 1234567.89 {
		t.Errorf("expected best offer 1234567.89, got %v", best)
	}
	if bestText != "$ 1.234.567,8900" {
		t.Errorf("expected display text preserved, got %q", bestText)
	}
}

func TestParsePayload_NoLeaderPicksLowest(t *testing.T) {
	payload := `[` +
		`{"id_oferta_subasta":1,"id_renglon":"10","id_proveedor":"1","monto":500,"proveedor":"A","mejor_oferta":"Superada","hora":"10:00:00","monto_a_mostrar":"500"},` +
		`{"id_oferta_subasta":2,"id_renglon":"10","id_proveedor":"2","monto":300,"proveedor":"B","mejor_oferta":"Superada","hora":"10:01:00","monto_a_mostrar":"300"}` +
		`]@@@@@@`

	got, err := ParsePayload("10", payload)
	if err != nil {
		t.Fatalf("ParsePayload returned error: %v", err)
	}
	if got.Budget != nil || got.MinToBeat != nil {
		t.Errorf("expected nil budget/min-to-beat for empty segments, got %v / %v", got.Budget, got.MinToBeat)
	}
	best, _ := BestOffer(got.Offers)
	if best == nil || *best != 300 {
		t.Errorf("expected lowest-offer fallback of 300, got %v", best)
	}
}

func TestParsePayload_MalformedSegmentation(t *testing.T) {
	if _, err := ParsePayload("10", `[]@@onlyone`); err == nil {
		t.Fatalf("expected error for malformed @@ segmentation")
	}
}

func TestParsePayload_BadOffersJSON(t *testing.T) {
	if _, err := ParsePayload("10", `not-json@@100@@90@@`); err == nil {
		t.Fatalf("expected error for malformed offers JSON")
	}
}

func TestParsePayload_BadMoneyString(t *testing.T) {
	if _, err := ParsePayload("10", `[]@@not-a-number@@90@@`); err == nil {
		t.Fatalf("expected error for malformed budget money string")
	}
}

func TestParseEnvelope(t *testing.T) {
	raw := []byte(`{"d":"[]@@100@@90@@"}`)
	got, err := ParseEnvelope("10", raw)
	if err != nil {
		t.Fatalf("ParseEnvelope returned error: %v", err)
	}
	if got.Budget == nil || *got.Budget != 100 {
		t.Errorf("expected budget 100, got %v", got.Budget)
	}
}

func TestBestOffer_Empty(t *testing.T) {
	best, text := BestOffer(nil)
	if best != nil || text != "" {
		t.Errorf("expected nil/empty for no offers, got %v / %q", best, text)
	}
}
