// Package download streams remote resources to disk, resuming interrupted
// transfers with HTTP range requests and verifying the result by checksum.
//
// # Resumable Fetch
//
// [Fetch] probes the resource size, then streams the body into
// destPath + [PartSuffix]. When the transfer drops, the next attempt asks
// for the bytes after the current on-disk size. Once complete the part
// file is verified and renamed to destPath:
//
//	err := download.Fetch(ctx, src, url, destPath, logger,
//		download.WithChecksum(integrity.MD5, "0b6f0290..."),
//		download.WithRetry(download.RetryPolicy{MaxRetries: 5}),
//	)
//
// A part file that fails verification is left on disk for inspection.
//
// Most callers should use the higher-level
// [github.com/soilgrids/awc/client] package, which implements [Source]
// and re-exports the options as client.With* functions.
package download
