package pubsub

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
)

// Signing vectors from the Pusher HTTP API reference.
func TestSignRequestReferenceVector(t *testing.T) {
	body := []byte(`{"name":"foo","channels":["project-3"],"data":"{\"some\":\"data\"}"}`)

	if got := bodyMD5(body); got != "ec365a775a4cd0599faeb73354201b6f" {
		t.Fatalf("bodyMD5 = %s, want ec365a775a4cd0599faeb73354201b6f", got)
	}

	params := url.Values{
		"auth_key":       {"278d425bdf160c739803"},
		"auth_timestamp": {"1353088179"},
		"auth_version":   {"1.0"},
		"body_md5":       {"ec365a775a4cd0599faeb73354201b6f"},
	}
	got := signRequest("7ad3773142a6692b25b8", http.MethodPost, "/apps/3/events", params)
	want := "da454824c97ba181a32ccc17a72625ba02771f50b50e1e7430e47a1f3f457e6c"
	if got != want {
		t.Fatalf("signRequest = %s, want %s", got, want)
	}
}

func TestPusherPublishRequestShape(t *testing.T) {
	type captured struct {
		path  string
		query url.Values
		body  []byte
	}
	got := make(chan captured, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{path: r.URL.Path, query: r.URL.Query(), body: body}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	bus := NewPusherBus("3", "278d425bdf160c739803", "7ad3773142a6692b25b8", srv.URL, zerolog.Nop())
	payload := map[string]any{"totalLikes": 42}
	if err := bus.Publish(context.Background(), "stream-abc", "like-update", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	req := <-got
	if req.path != "/apps/3/events" {
		t.Fatalf("path = %s", req.path)
	}
	if req.query.Get("auth_key") != "278d425bdf160c739803" {
		t.Errorf("auth_key = %s", req.query.Get("auth_key"))
	}
	if req.query.Get("auth_version") != "1.0" {
		t.Errorf("auth_version = %s", req.query.Get("auth_version"))
	}
	if req.query.Get("auth_timestamp") == "" {
		t.Error("auth_timestamp missing")
	}

	sum := md5.Sum(req.body)
	if req.query.Get("body_md5") != hex.EncodeToString(sum[:]) {
		t.Errorf("body_md5 does not match delivered body")
	}

	// The server can recompute and verify the signature from the request.
	verify := url.Values{
		"auth_key":       {req.query.Get("auth_key")},
		"auth_timestamp": {req.query.Get("auth_timestamp")},
		"auth_version":   {req.query.Get("auth_version")},
		"body_md5":       {req.query.Get("body_md5")},
	}
	want := signRequest("7ad3773142a6692b25b8", http.MethodPost, "/apps/3/events", verify)
	if req.query.Get("auth_signature") != want {
		t.Errorf("auth_signature = %s, want %s", req.query.Get("auth_signature"), want)
	}

	var evt pusherEvent
	if err := json.Unmarshal(req.body, &evt); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if evt.Name != "like-update" {
		t.Errorf("event name = %s", evt.Name)
	}
	if len(evt.Channels) != 1 || evt.Channels[0] != "stream-abc" {
		t.Errorf("channels = %v", evt.Channels)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(evt.Data), &data); err != nil {
		t.Fatalf("data is not a JSON string payload: %v", err)
	}
	if data["totalLikes"] != 42.0 {
		t.Errorf("payload lost: %v", data)
	}
}

func TestPusherPublishEmojiHashesUTF8(t *testing.T) {
	got := make(chan []byte, 1)
	var gotMD5 string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMD5 = r.URL.Query().Get("body_md5")
		got <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := NewPusherBus("1", "key", "secret", srv.URL, zerolog.Nop())
	payload := map[string]any{"emoji": "🔥", "userName": "dj_night"}
	if err := bus.Publish(context.Background(), "stream-x", "reaction", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	body := <-got
	sum := md5.Sum(body)
	if gotMD5 != hex.EncodeToString(sum[:]) {
		t.Fatal("body_md5 must hash the UTF-8 bytes actually sent")
	}

	var evt pusherEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(evt.Data), &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["emoji"] != "🔥" {
		t.Errorf("emoji mangled: %v", data["emoji"])
	}
}

func TestPusherPublishRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	bus := NewPusherBus("1", "key", "secret", srv.URL, zerolog.Nop())
	if err := bus.Publish(context.Background(), "stream-x", "reaction", map[string]any{}); err == nil {
		t.Fatal("non-200 response must surface as an error")
	}
}
