// Package spidermw runs fetched responses through an ordered chain of spider
// middlewares and the request callback.
//
// A chain is sorted by priority. Lower priorities sit on the engine side and
// higher ones on the callback side. Input hooks run engine to callback before
// the callback is invoked; output hooks wrap the callback's Stream in the
// opposite direction, so every output reaching a hop has already passed all
// hops closer to the callback. Faults are routed to the request's errback
// when it has one, otherwise they are offered to exception hooks strictly
// engine-ward of the point where they were raised. Output recovered by an
// exception hook only passes through the hops engine-ward of the recovering
// middleware and is delivered after the interrupted stream.
package spidermw
