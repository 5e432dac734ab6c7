package metrics

import (
	"context"
	"testing"
	"time"
)

func TestRunServesMetricsAndHealth(t *testing.T) {
	s := New("127.0.0.1:0", func(context.Context) (bool, any, error) {
		return true, map[string]string{"status": "ok"}, nil
	})
	// listenAddr of :0 lets the OS pick a port; Run doesn't expose it, so
	// this test only exercises that Run starts, serves, and shuts down
	// cleanly on context cancellation without a real request.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	reg := NewRegistry("test")
	err := s.Run(ctx, reg.Collectors())
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("run: %v", err)
	}
}

func TestRunRejectsEmptyListenAddress(t *testing.T) {
	s := New("", nil)
	if err := s.Run(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty listen address")
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx, nil)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := s.Run(context.Background(), nil); err == nil {
		t.Fatalf("expected error for concurrent run")
	}
	cancel()
	<-done
}

func TestRegistryCollectorsNonEmpty(t *testing.T) {
	reg := NewRegistry("test")
	if len(reg.Collectors()) == 0 {
		t.Fatalf("expected at least one collector")
	}
}
