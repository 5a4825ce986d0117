package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestReadAllWithLimitWithinLimit(t *testing.T) {
	payload := []byte("hello")
	got, err := ReadAllWithLimit(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestReadAllWithLimitTooLarge(t *testing.T) {
	_, err := ReadAllWithLimit(bytes.NewReader([]byte("hello")), 2)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsResponseTooLarge(err) {
		t.Fatalf("expected ResponseTooLargeError, got %v", err)
	}
}

func TestReadAllWithLimitUnlimited(t *testing.T) {
	payload := []byte("hello")
	got, err := ReadAllWithLimit(bytes.NewReader(payload), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestReadBodyClosesAndLimits(t *testing.T) {
	body := &closeTracking{Reader: strings.NewReader("abcdef")}
	resp := &http.Response{Body: body}

	_, err := ReadBody(resp, 3)
	if !IsResponseTooLarge(err) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if !body.closed {
		t.Fatal("body not closed")
	}
}

type closeTracking struct {
	io.Reader
	closed bool
}

func (c *closeTracking) Close() error {
	c.closed = true
	return nil
}
