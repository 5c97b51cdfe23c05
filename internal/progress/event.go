package progress

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the milestone an Event records.
type Kind string

// Supported event kinds.
const (
	KindRunStart         Kind = "RUN_START"
	KindRunDone          Kind = "RUN_DONE"
	KindRunError         Kind = "RUN_ERROR"
	KindResponse         Kind = "RESPONSE"
	KindResponseIgnored  Kind = "RESPONSE_IGNORED"
	KindItemScraped      Kind = "ITEM_SCRAPED"
	KindRequestScheduled Kind = "REQUEST_SCHEDULED"
	KindRequestDropped   Kind = "REQUEST_DROPPED"
	KindSpiderFault      Kind = "SPIDER_FAULT"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of a crawl run.
type Event struct {
	// RunID identifies the crawl run.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time
	Kind Kind
	// Site is the host label of URL, filled by NewEvent.
	Site string
	// URL should not contain credentials.
	URL string
	// StatusClass is set for response events.
	StatusClass StatusClass
	Bytes       int64
	// FaultStage and Middleware locate spider faults.
	FaultStage string
	Middleware string
	// Dur is the fetch latency for responses and the wall time for run completions.
	Dur time.Duration
	// Note carries low-volume context such as an error message or drop reason.
	Note string
}

// NewEvent builds an event for rawURL, deriving Site from its host.
func NewEvent(runID uuid.UUID, kind Kind, ts time.Time, rawURL string) Event {
	return Event{
		RunID: runID,
		TS:    ts.UTC(),
		Kind:  kind,
		Site:  SiteOf(rawURL),
		URL:   rawURL,
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone, KindRunError:
	case KindResponse, KindResponseIgnored:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Kind)
		}
		if e.StatusClass == "" {
			return fmt.Errorf("%s requires status class", e.Kind)
		}
	case KindItemScraped, KindRequestScheduled, KindRequestDropped:
	case KindSpiderFault:
		if e.FaultStage == "" {
			return errors.New("spider fault requires stage")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for response events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// SiteOf returns the lowercase host of rawURL, or "" when it has none.
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
