package collector

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/tdnctl/internal/httpconn"
	"github.com/danmuck/tdnctl/internal/testutil/testlog"
)

func TestDecodeOptionsKeepsHeaderObjectOrder(t *testing.T) {
	testlog.Start(t)
	raw := `{
		"notaryUrl": "https://notary.example",
		"websocket_proxy_url": "wss://proxy.example/?token=api.example",
		"method": "POST",
		"headers": {"Zeta": "1", "Accept": "application/json", "Cookie": ["a=1", "b=2"]},
		"body": "{\"q\":1}",
		"maxSentData": 2048,
		"max_recv_data": null
	}`
	opts, err := DecodeOptions(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []httpconn.HeaderField{
		{Name: "Zeta", Value: "1"},
		{Name: "Accept", Value: "application/json"},
		{Name: "Cookie", Value: "a=1"},
		{Name: "Cookie", Value: "b=2"},
	}
	if !reflect.DeepEqual(opts.Headers, want) {
		t.Fatalf("headers = %+v", opts.Headers)
	}
	if opts.NotaryURL != "https://notary.example" || opts.WebsocketProxyURL == "" || opts.Method != "POST" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if string(opts.Body) != `{"q":1}` || opts.MaxSentData != 2048 || opts.MaxRecvData != 0 {
		t.Fatalf("unexpected body or limits: %+v", opts)
	}
}

func TestDecodeOptionsHeaderLists(t *testing.T) {
	testlog.Start(t)
	opts, err := DecodeOptions([]byte(`{"headers": [["X-A","1"], {"name":"X-A","value":"2"}], "body": ""}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(opts.Headers) != 2 || opts.Headers[0].Value != "1" || opts.Headers[1].Value != "2" {
		t.Fatalf("headers = %+v", opts.Headers)
	}
	if opts.Body != nil {
		t.Fatalf("empty body must decode as no body")
	}
}

func TestDecodeOptionsFromMap(t *testing.T) {
	testlog.Start(t)
	opts, err := DecodeOptions(map[string]any{
		"notary_url":    "http://127.0.0.1:7047",
		"max_recv_data": 4096,
		"headers":       []any{[]any{"Host", "api.example"}},
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if opts.NotaryURL != "http://127.0.0.1:7047" || opts.MaxRecvData != 4096 || len(opts.Headers) != 1 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	same, err := DecodeOptions(opts)
	if err != nil || !reflect.DeepEqual(same, opts) {
		t.Fatalf("RequestOptions did not pass through: %+v %v", same, err)
	}
}

func TestDecodeOptionsRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{
		`[]`,
		`{"headers": "Host: x"}`,
		`{"headers": [["only-name"]]}`,
		`{"max_sent_data": -1}`,
		`{"body": 12}`,
		`{"headers": {"X": 1}}`,
	} {
		if _, err := DecodeOptions(raw); !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("DecodeOptions(%s): expected ErrInvalidOptions, got %v", raw, err)
		}
	}
	if _, err := DecodeOptions(nil); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("nil options accepted")
	}
}

func TestOptionsJSONRoundTripKeepsBody(t *testing.T) {
	testlog.Start(t)
	in := RequestOptions{NotaryURL: "http://n", Body: []byte("hello"), Headers: []httpconn.HeaderField{{Name: "A", Value: "1"}}}
	data, err := in.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := DecodeOptions(data)
	if err != nil || !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip = %+v, %v (json %s)", out, err, data)
	}
}

func TestWithHostDefaults(t *testing.T) {
	testlog.Start(t)
	target, _ := url.Parse("https://api.example:8443/v1")
	opts := RequestOptions{Headers: []httpconn.HeaderField{
		{Name: "connection", Value: "keep-alive"},
		{Name: "Accept", Value: "*/*"},
		{Name: "Connection", Value: "upgrade"},
	}}
	got := opts.WithHostDefaults(target).Headers
	want := []httpconn.HeaderField{
		{Name: "connection", Value: "close"},
		{Name: "Accept", Value: "*/*"},
		{Name: "Host", Value: "api.example:8443"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("headers = %+v", got)
	}
	if len(opts.Headers) != 3 || opts.Headers[0].Value != "keep-alive" {
		t.Fatalf("WithHostDefaults modified the receiver: %+v", opts.Headers)
	}
}

func TestBase64Helpers(t *testing.T) {
	testlog.Start(t)
	safe, err := URLSafeBase64("dGVzdA==")
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	raw, err := base64.URLEncoding.DecodeString(safe)
	if err != nil || string(raw) != "test" {
		t.Fatalf("URL-safe value decodes to %q, %v", raw, err)
	}
	if got := BytesToBase64([]byte{0xfb, 0xff, 0x01}); got != "+/8B" {
		t.Fatalf("BytesToBase64 = %q", got)
	}
	if got, _ := URLSafeBase64("+/8B"); got != "-_8B" {
		t.Fatalf("URLSafeBase64 = %q", got)
	}
	if _, err := URLSafeBase64("not base64!"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	testlog.Start(t)
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled sleep did not return promptly")
	}
}
