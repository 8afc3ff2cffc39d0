// Package monitor receives one observation record per proxied request and
// persists it: raw rows in traffic_logs, aggregates in token_usage_hourly.
package monitor

import (
	"time"

	"github.com/google/uuid"
)

// Protocol is the inbound dialect of an observed request.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolGemini    Protocol = "gemini"
)

// Observation is the per-request record. The handler layer emits exactly
// one, on success and failure paths alike.
type Observation struct {
	ID            string
	Timestamp     time.Time
	Method        string
	URL           string
	Status        int
	DurationMS    int64
	OriginalModel string
	MappedModel   string
	AccountEmail  string
	Error         string
	Protocol      Protocol
	InputTokens   int64
	OutputTokens  int64
}

// NewObservation stamps id and timestamp; callers fill the rest.
func NewObservation(method, url string, protocol Protocol) *Observation {
	return &Observation{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Method:    method,
		URL:       url,
		Protocol:  protocol,
	}
}

// Recorder is the ingress contract. The handler layer calls Record once per
// request; implementations must tolerate concurrent calls.
type Recorder interface {
	Record(obs *Observation)
}

// Discard drops observations; used when request logging is disabled.
type Discard struct{}

func (Discard) Record(*Observation) {}
