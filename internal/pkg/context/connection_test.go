package context

import (
	"context"
	"testing"
)

func TestConnectionID(t *testing.T) {
	ctx := context.Background()
	if got := GetConnectionID(ctx); got != "" {
		t.Errorf("GetConnectionID(empty) = %q, want empty", got)
	}

	ctx = WithConnectionID(ctx, "conn-42")
	if got := GetConnectionID(ctx); got != "conn-42" {
		t.Errorf("GetConnectionID() = %q, want conn-42", got)
	}
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
	if got := GetConnectionID(ctx); got != "" {
		t.Errorf("GetConnectionID() = %q, want empty", got)
	}
}
