package node

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/danmuck/tdnctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type testNode struct {
	router *gin.Engine
}

func (n testNode) NodeID() string          { return "test-node" }
func (n testNode) Kind() string            { return "test" }
func (n testNode) HTTPRouter() *gin.Engine { return n.router }

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, testNode{router: r}, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not stop after cancel")
	}
}

func TestListenAndServeBadAddr(t *testing.T) {
	testlog.Start(t)
	if err := ListenAndServe(context.Background(), testNode{router: gin.New()}, "256.0.0.1:bad"); err == nil {
		t.Fatalf("expected listen error")
	}
}
