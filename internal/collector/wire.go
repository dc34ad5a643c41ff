package collector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vigiasubastas/monitor/internal/domain"
)

// PortalResponse is the top-level wire envelope for a BuscarOfertas reply
// (spec §6): `{"d": "<payload>"}`.
type PortalResponse struct {
	D string `json:"d"`
}

// offerJSON is one element of the offers JSON array inside the "d" payload
// (spec §6). Parsed once into this typed record, never re-touched as a
// bare map (spec §9, design note "duck-typed dicts as event payloads →
// typed records").
type offerJSON struct {
	IDOfertaSubasta int64   `json:"id_oferta_subasta"`
	IDRenglon       json.Number `json:"id_renglon"`
	IDProveedor     json.Number `json:"id_proveedor"`
	Monto           float64 `json:"monto"`
	Proveedor       string  `json:"proveedor"`
	MejorOferta     string  `json:"mejor_oferta"`
	Hora            string  `json:"hora"`
	MontoAMostrar   string  `json:"monto_a_mostrar"`
}

// leaderMarker is the substring ParsePayload looks for in mejor_oferta to
// identify the current leader (spec §6: "contains 'Vigente' for the
// leader, 'Superada' otherwise").
const leaderMarker = "Vigente"

// ParsedRenglon is the fully-typed result of parsing one id_renglon's "d"
// payload: the offer book plus the two trailing money segments.
type ParsedRenglon struct {
	Offers        domain.OfferBook
	Budget        *float64
	BudgetText    string
	MinToBeat     *float64
	MinToBeatText string
}

// ParsePayload parses the portal's "<offers JSON array>@@<budget
// display>@@<min display>@@" wire format (spec §4.2, §6). It is tolerant of
// a missing trailing "@@" and of money strings with a missing "$" prefix
// or a varying number of decimal digits (domain.ParseMoney handles that).
func ParsePayload(idRenglon, payload string) (ParsedRenglon, error) {
	segs := strings.Split(payload, "@@")
	if len(segs) < 3 {
		return ParsedRenglon{}, fmt.Errorf("collector: malformed payload for renglon %s: expected 3+ @@-segments, got %d", idRenglon, len(segs))
	}

	var raw []offerJSON
	if err := json.Unmarshal([]byte(segs[0]), &raw); err != nil {
		return ParsedRenglon{}, fmt.Errorf("collector: bad offers JSON for renglon %s: %w", idRenglon, err)
	}

	offers := make(domain.OfferBook, 0, len(raw))
	for _, o := range raw {
		offers = append(offers, domain.Offer{
			IDOferta:      o.IDOfertaSubasta,
			IDRenglon:     o.IDRenglon.String(),
			IDProveedor:   o.IDProveedor.String(),
			ProviderLabel: o.Proveedor,
			Monto:         o.Monto,
			DisplayText:   o.MontoAMostrar,
			Hora:          o.Hora,
			IsLeader:      strings.Contains(o.MejorOferta, leaderMarker),
		})
	}

	result := ParsedRenglon{Offers: offers, BudgetText: strings.TrimSpace(segs[1]), MinToBeatText: strings.TrimSpace(segs[2])}

	if result.BudgetText != "" {
		v, err := domain.ParseMoney(result.BudgetText)
		if err != nil {
			return ParsedRenglon{}, fmt.Errorf("collector: bad budget money string for renglon %s: %w", idRenglon, err)
		}
		result.Budget = &v
	}
	if result.MinToBeatText != "" {
		v, err := domain.ParseMoney(result.MinToBeatText)
		if err != nil {
			return ParsedRenglon{}, fmt.Errorf("collector: bad min-to-beat money string for renglon %s: %w", idRenglon, err)
		}
		result.MinToBeat = &v
	}

	return result, nil
}

// ParseEnvelope unmarshals the outer `{"d": "..."}` envelope and delegates
// to ParsePayload.
func ParseEnvelope(idRenglon string, rawEnvelope []byte) (ParsedRenglon, error) {
	var env PortalResponse
	if err := json.Unmarshal(rawEnvelope, &env); err != nil {
		return ParsedRenglon{}, fmt.Errorf("collector: bad envelope JSON for renglon %s: %w", idRenglon, err)
	}
	return ParsePayload(idRenglon, env.D)
}

// BestOffer derives the best-offer numeric/text pair from a parsed offer
// book: the current leader's Monto, or nil if the book is empty.
func BestOffer(offers domain.OfferBook) (*float64, string) {
	leader, ok := offers.Leader()
	if !ok {
		return nil, ""
	}
	v := leader.Monto
	return &v, leader.DisplayText
}
