package protocol

import "testing"

func TestMessageKindProbes(t *testing.T) {
	response := []byte(`{"jsonrpc":"2.0","id":7,"result":{}}`)
	errResponse := []byte(`{"jsonrpc":"2.0","id":8,"error":{"code":-32601,"message":"nope"}}`)
	request := []byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	notification := []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`)
	garbage := []byte(`{notjson`)

	if !IsResponse(response) || !IsResponse(errResponse) {
		t.Fatal("responses not recognised")
	}
	if IsResponse(request) || IsResponse(notification) || IsResponse(garbage) {
		t.Fatal("non-responses recognised as responses")
	}
	if !IsNotification(notification) {
		t.Fatal("notification not recognised")
	}
	if IsNotification(request) || IsNotification(response) || IsNotification(garbage) {
		t.Fatal("non-notifications recognised as notifications")
	}
}

func TestRPCErrorFormat(t *testing.T) {
	err := &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
	want := "method not found (code -32601)"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
