// Package client provides the HTTP side of the AWC asset downloader: a
// configurable [net/http] client that implements [download.Source] with
// HEAD probes and ranged GETs.
//
// # Building a Client
//
// Use [Build] to create a [Client] with functional options:
//
//	c, err := client.Build(
//		client.WithTimeout(10 * time.Minute),
//		client.WithUserAgent("awc/1.0"),
//		client.WithThrottle(2, 1),
//	)
//
// # Downloading Files
//
// [Client.Download] streams a resource into destPath + ".part", resumes
// from the on-disk size after a dropped connection, and renames the file
// once it verifies:
//
//	err = c.Download(ctx, url, "/data/AWCh1_M_sl1_250m_ll.tif",
//		client.WithChecksum(integrity.MD5, "1524105262f5c4d520c9fe78fea5d41f"),
//		client.WithProgress(),
//	)
//
// For lower-level control see the
// [github.com/soilgrids/awc/client/download] package.
package client
