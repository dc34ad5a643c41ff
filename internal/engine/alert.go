package engine

import (
	"fmt"

	"github.com/vigiasubastas/monitor/internal/events"
)

// AlertInput carries everything the alert decision (spec §4.3, "Alert
// decision") needs for one UPDATE event.
type AlertInput struct {
	Tracked            bool
	WasLeader          bool
	IsLeader           bool
	BestOfferChanged   bool
	BestOfferWentDown  bool
	RentaParaMejorar   *float64
	MinMargin          float64
	HideBelowThreshold bool
}

// AlertDecision is the Engine's output for one UPDATE event.
type AlertDecision struct {
	Style   events.AlertStyle
	Tracked bool
	Sound   string
	Hide    bool
	Message string
}

// DecideAlert applies spec §4.3's alert rules. LOSER (leadership lost) is
// the most urgent signal and overrides a same-tick price-direction style;
// a TRACKED tint is carried as a separate field so the UI can render it
// alongside whichever style wins.
func DecideAlert(in AlertInput) AlertDecision {
	style := events.StyleNormal

	if in.Tracked {
		style = events.StyleTracked
	}
	if in.BestOfferChanged {
		if in.BestOfferWentDown {
			style = events.StyleAlertDown
		} else {
			style = events.StyleAlertUp
		}
	}
	if in.IsLeader {
		style = events.StyleWinner
	}
	if in.WasLeader && !in.IsLeader {
		style = events.StyleLoser
	}

	hide := in.HideBelowThreshold && in.RentaParaMejorar != nil && *in.RentaParaMejorar < in.MinMargin

	sound := ""
	if style == events.StyleAlertDown || style == events.StyleLoser || (in.Tracked && in.BestOfferChanged) {
		sound = string(style)
	}

	return AlertDecision{
		Style:   style,
		Tracked: in.Tracked,
		Sound:   sound,
		Hide:    hide,
		Message: alertMessage(style, in),
	}
}

func alertMessage(style events.AlertStyle, in AlertInput) string {
	switch style {
	case events.StyleLoser:
		return "lost the lead"
	case events.StyleWinner:
		return "currently leading"
	case events.StyleAlertDown:
		return "best offer dropped"
	case events.StyleAlertUp:
		return "best offer rose"
	case events.StyleTracked:
		return "tracked line item updated"
	default:
		return fmt.Sprintf("line item updated (%s)", style)
	}
}
