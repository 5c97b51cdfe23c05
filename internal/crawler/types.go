package crawler

import (
	"context"
	"net/http"
	"time"
)

// Item is scraped data. The middleware chain never inspects it; only middlewares
// and the item pipeline do.
type Item map[string]any

// Callback turns a response into outputs. A returned error is a fault raised
// while invoking the callback; faults raised while producing values travel
// through the returned Stream instead. A nil Stream means no output.
type Callback func(ctx context.Context, resp *Response) (Stream, error)

// Errback receives faults for requests that opt out of middleware recovery.
// Its output re-enters the output pass like a callback result.
type Errback func(ctx context.Context, resp *Response, fault error) (Stream, error)

// Request is a crawl target plus the handlers bound to it.
type Request struct {
	URL      string
	Method   string
	Headers  http.Header
	Callback Callback
	Errback  Errback
	// Meta is opaque to the executor; middlewares may read and write it.
	Meta map[string]any
	// Depth counts hops from a seed request.
	Depth int
	// Priority orders the scheduling queue; higher values are dequeued first.
	Priority int
	// DontFilter bypasses deduplication and offsite filtering.
	DontFilter bool
}

// NewRequest builds a GET request for url.
func NewRequest(url string) *Request {
	return &Request{
		URL:     url,
		Method:  http.MethodGet,
		Headers: make(http.Header),
		Meta:    make(map[string]any),
	}
}

// MetaValue returns the meta entry for key, tolerating a nil map.
func (r *Request) MetaValue(key string) (any, bool) {
	if r == nil || r.Meta == nil {
		return nil, false
	}
	v, ok := r.Meta[key]
	return v, ok
}

// Follow derives a request for url that inherits depth and handlers from r.
// Depth is not incremented here; the depth middleware owns that.
func (r *Request) Follow(url string) *Request {
	next := NewRequest(url)
	if r != nil {
		next.Depth = r.Depth
		next.Callback = r.Callback
		next.Errback = r.Errback
	}
	return next
}

// Response is a fetched page bound to the request that produced it.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Request    *Request
}

// Output is exactly one of an Item or a follow-up Request.
type Output struct {
	Item    Item
	Request *Request
}

// ItemOutput wraps an item.
func ItemOutput(item Item) Output {
	return Output{Item: item}
}

// RequestOutput wraps a follow-up request.
func RequestOutput(req *Request) Output {
	return Output{Request: req}
}

// IsRequest reports whether the output carries a follow-up request.
func (o Output) IsRequest() bool {
	return o.Request != nil
}

// IsItem reports whether the output carries an item.
func (o Output) IsItem() bool {
	return o.Request == nil && o.Item != nil
}
