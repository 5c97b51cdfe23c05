// Package crawler defines the data model shared by the spider pipeline:
// requests, responses, the outputs a callback produces and the Stream
// abstraction used to move those outputs through the middleware chain.
package crawler
