// Package events defines the typed event contract between the Collector,
// the Engine, and the presentation layer, and the bounded queues that carry
// them.
package events

import (
	"time"

	"github.com/vigiasubastas/monitor/internal/domain"
)

// Type is the closed set of event tags in the contract.
type Type string

const (
	TypeStart     Type = "START"
	TypeStop      Type = "STOP"
	TypeEnd       Type = "END"
	TypeSnapshot  Type = "SNAPSHOT"
	TypeUpdate    Type = "UPDATE"
	TypeHeartbeat Type = "HEARTBEAT"
	TypeHTTPError Type = "HTTP_ERROR"
	TypeAlert     Type = "ALERT"
	TypeSecurity  Type = "SECURITY"
	TypeLog       Type = "LOG"
)

// SecurityAction is the action a SECURITY event carries.
type SecurityAction string

const (
	SecurityBackoff SecurityAction = "BACKOFF"
	SecurityStop    SecurityAction = "STOP"
)

// AlertStyle is the visual/semantic class attached to an ALERT event.
type AlertStyle string

const (
	StyleNormal    AlertStyle = "NORMAL"
	StyleTracked   AlertStyle = "TRACKED"
	StyleAlertUp   AlertStyle = "ALERT_UP"
	StyleAlertDown AlertStyle = "ALERT_DOWN"
	StyleWinner    AlertStyle = "WINNER"
	StyleLoser     AlertStyle = "LOSER"
)

// Event is a value type carrying one tagged message. Only the field(s)
// relevant to Type are populated; the rest are zero.
type Event struct {
	Type      Type
	AuctionID string
	IDRenglon string
	Timestamp time.Time

	// START
	StartTime time.Time

	// STOP / SECURITY(STOP) / ALERT message / LOG text
	Reason string

	// SNAPSHOT
	Observations []domain.LineItemObservation

	// UPDATE
	Observation domain.LineItemObservation

	// HEARTBEAT
	Tick    int64
	Elapsed time.Duration

	// HTTP_ERROR
	HTTPStatus     int
	ErrorMessage   string
	SessionExpired bool

	// ALERT
	AlertStyle AlertStyle
	SoundTag   string
	Hide       bool
	Message    string

	// SECURITY
	SecurityAction  SecurityAction
	NewPollInterval time.Duration

	// LOG
	Level domain.EventLogLevel
	Text  string
}
