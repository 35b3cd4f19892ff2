package replicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload is returned for callbacks that are not JSON or carry no id.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Prediction is the provider's representation of a prediction or training,
// shared by API responses and webhook callbacks.
type Prediction struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Input   map[string]any  `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Logs    string          `json:"logs,omitempty"`
	Metrics *Metrics        `json:"metrics,omitempty"`
}

type Metrics struct {
	PredictTime *float64 `json:"predict_time,omitempty"`
}

// Event is a decoded provider status change. The concrete type is one of
// Starting, Processing, Succeeded, Failed or Unknown.
type Event interface {
	ExternalID() string
	Logs() string
	sealed()
}

type eventBase struct {
	ID      string
	LogText string
}

func (e eventBase) ExternalID() string { return e.ID }
func (e eventBase) Logs() string       { return e.LogText }
func (eventBase) sealed()              {}

type Starting struct{ eventBase }

type Processing struct{ eventBase }

// Succeeded carries the produced artifact URLs in provider order. Training
// outputs also report the pushed model Version.
type Succeeded struct {
	eventBase
	Outputs     []string
	Version     string
	PredictTime *float64
}

type Failed struct {
	eventBase
	Error    string
	Canceled bool
}

// Unknown is a status string this service does not recognise.
type Unknown struct {
	eventBase
	Status string
}

// ParseWebhook decodes a callback body into an Event.
func ParseWebhook(body []byte) (Event, *Prediction, error) {
	var p Prediction
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, nil, fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	return p.Event(), &p, nil
}

// Event maps the prediction's status onto a typed Event.
func (p *Prediction) Event() Event {
	base := eventBase{ID: p.ID, LogText: p.Logs}
	switch strings.ToLower(p.Status) {
	case "starting":
		return Starting{base}
	case "processing":
		return Processing{base}
	case "succeeded":
		outputs, version := normalizeOutput(p.Output)
		ev := Succeeded{eventBase: base, Outputs: outputs, Version: version}
		if p.Metrics != nil {
			ev.PredictTime = p.Metrics.PredictTime
		}
		return ev
	case "failed":
		msg := errorText(p.Error)
		if msg == "" {
			msg = "job failed at provider"
		}
		return Failed{eventBase: base, Error: msg}
	case "canceled":
		return Failed{eventBase: base, Error: "canceled by provider", Canceled: true}
	default:
		return Unknown{eventBase: base, Status: p.Status}
	}
}

// normalizeOutput accepts a single URL, a list of URLs, or a training result
// object with weights and version.
func normalizeOutput(raw json.RawMessage) ([]string, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ""
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, ""
		}
		return []string{single}, ""
	}

	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		var out []string
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out, ""
	}

	var obj struct {
		Weights string `json:"weights"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Weights != "" {
			return []string{obj.Weights}, obj.Version
		}
		return nil, obj.Version
	}
	return nil, ""
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Detail != "" {
			return obj.Detail
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	return string(raw)
}
