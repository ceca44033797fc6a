package main

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scard/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopServerWaitsAfterFailedShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-unblock
	})}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Serve(ln)
	}()

	// Stands in for the journal recorder still writing after the server.
	var recorded atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(100 * time.Millisecond)
		recorded.Store(true)
	}()

	go http.Get("http://" + ln.Addr().String() + "/")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the handler")
	}

	err = stopServer(srv, 10*time.Millisecond, &wg)
	assert.Error(t, err)
	assert.True(t, recorded.Load())
}

func TestSetupLogging(t *testing.T) {
	closer, err := setupLogging(config.LogConfig{Level: "warn"}, false)
	require.NoError(t, err)
	assert.NoError(t, closer.Close())

	_, err = setupLogging(config.LogConfig{Level: "loud"}, false)
	assert.Error(t, err)
}
