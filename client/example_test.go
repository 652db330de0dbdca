package client_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/soilgrids/awc/client"
	"github.com/soilgrids/awc/integrity"
)

func ExampleBuild() {
	c, err := client.Build(
		client.WithTimeout(10*time.Second),
		client.WithUserAgent("example/1.0"),
		client.WithThrottle(2, 1),
	)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	_ = c
	fmt.Println("client built")
	// Output: client built
}

func ExampleClient_Download() {
	data := []byte("abc")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "abc.txt", time.Time{}, bytes.NewReader(data))
	}))
	defer ts.Close()

	dir, err := os.MkdirTemp("", "example")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer os.RemoveAll(dir)

	c, _ := client.Build(client.WithLogger(slog.New(slog.DiscardHandler)))

	dest := filepath.Join(dir, "abc.txt")
	err = c.Download(context.Background(), ts.URL, dest,
		client.WithChecksum(integrity.MD5, "900150983cd24fb0d6963f7d28e17f72"),
	)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	b, _ := os.ReadFile(dest)
	fmt.Println(string(b))
	// Output: abc
}
