package main

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-rag/internal/usage"
)

type memSink struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (s *memSink) InsertUsage(_ context.Context, rec usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestInFlightRequestsRecordUsageDuringShutdown(t *testing.T) {
	sink := &memSink{}
	recorder := usage.NewRecorder(sink, 16, zap.NewNop())

	entered := make(chan struct{})
	release := make(chan struct{})
	accepted := make(chan bool, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		accepted <- recorder.Record(usage.Record{Model: "chat-large", Endpoint: "/v1/completions", StatusCode: 200})
		w.WriteHeader(http.StatusOK)
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- serveHTTP(ctx, srv, ln, recorder, zap.NewNop()) }()

	respDone := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			resp.Body.Close()
		}
		respDone <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("request never reached the handler")
	}
	cancel()
	// give shutdown time to begin while the request is still in flight
	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-respDone; err != nil {
		t.Fatalf("in-flight request failed: %v", err)
	}
	if !<-accepted {
		t.Fatalf("usage record rejected during shutdown")
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serveHTTP: %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatalf("serveHTTP did not return")
	}
	if n := sink.count(); n != 1 {
		t.Fatalf("expected 1 persisted record, got %d", n)
	}
}
