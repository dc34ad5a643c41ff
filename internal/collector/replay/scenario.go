// Package replay implements ReplayCollector, the deterministic,
// timeline-driven Collector variant (spec §4.2, §6). It is the only
// simulator form this core supports; a "legacy" non-timeline simulator is
// out of scope (spec §9).
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// allowedStatuses is the closed set of HTTP status codes a timeline entry
// may carry (spec §6).
var allowedStatuses = map[int]bool{200: true, 500: true, 502: true, 503: true}

// Scenario is the structured replay input document (spec §6, "Scenario
// file").
type Scenario struct {
	ScenarioName string         `json:"scenario_name"`
	Description  string         `json:"description"`
	Subasta      SubastaRef     `json:"subasta"`
	Config       ScenarioConfig `json:"config"`
	Timeline     []TimelineEntry `json:"timeline"`
}

// SubastaRef identifies the auction a scenario replays.
type SubastaRef struct {
	IDCot string `json:"id_cot"`
	URL   string `json:"url"`
}

// ScenarioConfig carries the replay's pacing parameters.
type ScenarioConfig struct {
	TickDurationSeconds float64 `json:"tick_duration_seconds"`
	MaxTicks            int     `json:"max_ticks"`
}

// TimelineEntry is one scripted point in the replay (spec §6). Renglones is
// optional: a gap between entries means "same as last observed" (spec
// §4.2, "Replay variant").
type TimelineEntry struct {
	Tick         int              `json:"tick"`
	Hora         string           `json:"hora"`
	Status       int              `json:"status"`
	Renglones    []RenglonEntry   `json:"renglones,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Event        string           `json:"event,omitempty"`
	Message      string           `json:"message,omitempty"`
}

// RenglonEntry is one scripted line-item response within a TimelineEntry.
type RenglonEntry struct {
	IDRenglon    string          `json:"id_renglon"`
	Descripcion  string          `json:"descripcion"`
	ResponseJSON json.RawMessage `json:"response_json"`
}

// EventEndAuction is the only end-marker value this core recognizes.
const EventEndAuction = "end_auction"

// Load reads and validates a scenario file from path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replay: reading scenario %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes raw scenario JSON.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("replay: malformed scenario JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate enforces spec §6's rejection rules: missing required top-level
// keys, non-monotonic timeline, disallowed status codes, and malformed
// "@@" segmentation inside any renglón's response_json.d.
func (s *Scenario) Validate() error {
	if s.Subasta.IDCot == "" {
		return fmt.Errorf("replay: scenario missing required subasta.id_cot")
	}
	if s.Subasta.URL == "" {
		return fmt.Errorf("replay: scenario missing required subasta.url")
	}
	if s.Config.TickDurationSeconds <= 0 {
		return fmt.Errorf("replay: scenario missing required config.tick_duration_seconds")
	}
	if len(s.Timeline) == 0 {
		return fmt.Errorf("replay: scenario has an empty timeline")
	}

	prevTick := -1
	for i, e := range s.Timeline {
		if e.Tick <= prevTick {
			return fmt.Errorf("replay: timeline not strictly ascending at index %d (tick %d after %d)", i, e.Tick, prevTick)
		}
		prevTick = e.Tick

		if !allowedStatuses[e.Status] {
			return fmt.Errorf("replay: timeline entry tick %d has disallowed status %d", e.Tick, e.Status)
		}

		for _, r := range e.Renglones {
			if err := validateResponseJSON(r); err != nil {
				return fmt.Errorf("replay: timeline entry tick %d, renglon %s: %w", e.Tick, r.IDRenglon, err)
			}
		}
	}
	return nil
}

// responseEnvelope mirrors collector.PortalResponse without importing the
// collector package, keeping scenario validation free of a dependency on
// the runtime parser.
type responseEnvelope struct {
	D string `json:"d"`
}

func validateResponseJSON(r RenglonEntry) error {
	if len(r.ResponseJSON) == 0 {
		return fmt.Errorf("missing response_json")
	}
	var env responseEnvelope
	if err := json.Unmarshal(r.ResponseJSON, &env); err != nil {
		return fmt.Errorf("response_json is not a valid {\"d\": ...} envelope: %w", err)
	}
	segs := strings.Split(env.D, "@@")
	if len(segs) < 3 {
		return fmt.Errorf("malformed @@ segmentation in response_json.d")
	}
	return nil
}
