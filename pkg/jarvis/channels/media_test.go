package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("OGG"))
	}))
	defer srv.Close()

	data, err := Fetch(context.Background(), srv.Client(), srv.URL+"/voice.ogg")
	if err != nil || string(data) != "OGG" {
		t.Fatalf("Fetch = %q, %v", data, err)
	}

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/missing")
	if !errors.Is(err, ErrMediaDownloadFailed) {
		t.Errorf("missing attachment: want ErrMediaDownloadFailed, got %v", err)
	}
}
