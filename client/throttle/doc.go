// Package throttle limits outbound HTTP traffic using token buckets from
// [golang.org/x/time/rate].
//
// # Requests
//
// [NewRoundTripper] wraps a transport so each request waits for a token:
//
//	rt, err := throttle.NewRoundTripper(
//		2, // requests per second
//		1, // burst capacity
//		func() *slog.Logger { return slog.Default() },
//		http.DefaultTransport,
//	)
//
// # Bandwidth
//
// [NewReader] caps the byte rate of a response body, so a long raster
// transfer does not saturate a shared link:
//
//	body := throttle.NewReader(ctx, resp.Body, 8<<20) // 8 MiB/s
//
// Both block until tokens are available or the context ends.
package throttle
