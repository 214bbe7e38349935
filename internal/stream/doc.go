// Package stream subscribes to the provider's per-session update stream and
// decodes its frames.
//
// The stream is delivered as server-sent events, one JSON frame per data
// line. Frame tags the provider has not documented yet decode to KindUnknown
// rather than failing, so the subscription survives provider-side additions.
// Transport failures are reported once per subscription; recovery is the
// caller's decision.
package stream
