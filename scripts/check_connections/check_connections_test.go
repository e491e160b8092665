package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"telemetry-bridge/bridge/internal/config"
)

func TestCheckHTTP(t *testing.T) {
	status := http.StatusUnauthorized
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer ts.Close()

	detail, err := checkHTTP(context.Background(), ts.URL+"/api/v1/")
	assert.NoError(t, err, "a 401 still proves the MES is up")
	assert.Contains(t, detail, "status 401")

	status = http.StatusBadGateway
	_, err = checkHTTP(context.Background(), ts.URL+"/api/v1")
	assert.Error(t, err)
}

func TestCheckTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skip("no loopback listener")
	}
	addr := ln.Addr().String()

	_, err = checkTCP(context.Background(), addr)
	assert.NoError(t, err)

	ln.Close()
	_, err = checkTCP(context.Background(), addr)
	assert.Error(t, err)
}

func TestCheckRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := checkRedis(context.Background(), &config.Config{RedisAddr: mr.Addr()})
	assert.NoError(t, err)
}
