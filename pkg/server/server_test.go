package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1F47E/pbf-geo-index/internal/fixture"
	"github.com/1F47E/pbf-geo-index/pkg/geo"
)

type finderFunc func(lat, lon float64) (string, bool)

func (f finderFunc) Find(lat, lon float64) (string, bool) { return f(lat, lon) }

// northOfEquator answers "North" for any positive latitude.
var northOfEquator = finderFunc(func(lat, lon float64) (string, bool) {
	if lat > 0 {
		return "North", true
	}
	return "", false
})

func startServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(s.Handler("/metrics"))
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg string) string {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	typ, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	return string(reply)
}

func TestAnswer(t *testing.T) {
	s := New(northOfEquator, Options{})
	defer s.Close()

	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"found", `{"latitude":45.0,"longitude":2.0}`, `{"success":true,"data":{"wikipedia":"North"}}`},
		{"integers", `{"latitude":1,"longitude":0}`, `{"success":true,"data":{"wikipedia":"North"}}`},
		{"not found", `{"latitude":-45.0,"longitude":2.0}`, `{"success":false,"error":"No address found"}`},
		{"zero is a value", `{"latitude":0,"longitude":0}`, `{"success":false,"error":"No address found"}`},
		{"extra fields", `{"latitude":10,"longitude":2,"zoom":3}`, `{"success":true,"data":{"wikipedia":"North"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(s.Answer([]byte(tt.msg))))
		})
	}
}

func TestAnswer_InvalidQuery(t *testing.T) {
	s := New(northOfEquator, Options{})
	defer s.Close()

	tests := []struct {
		name   string
		msg    string
		detail string
	}{
		{"not json", `hello`, ""},
		{"missing latitude", `{"longitude":2.0}`, "latitude"},
		{"missing longitude", `{"latitude":2.0}`, "longitude"},
		{"null latitude", `{"latitude":null,"longitude":2.0}`, "latitude"},
		{"string value", `{"latitude":"north","longitude":2.0}`, ""},
		{"array", `[45, 2]`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp response
			require.NoError(t, json.Unmarshal(s.Answer([]byte(tt.msg)), &resp))
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			assert.True(t, strings.HasPrefix(resp.Error, "Invalid query format: "), resp.Error)
			assert.Contains(t, resp.Error, tt.detail)
		})
	}
}

func TestServer_Conversation(t *testing.T) {
	ts := startServer(t, New(northOfEquator, Options{}))
	conn := dial(t, ts)

	assert.JSONEq(t, `{"success":true,"data":{"wikipedia":"North"}}`,
		roundTrip(t, conn, `{"latitude":45.0,"longitude":2.0}`))
	// errors do not close the connection
	assert.Contains(t, roundTrip(t, conn, `{"latitude":`), "Invalid query format")
	assert.JSONEq(t, `{"success":false,"error":"No address found"}`,
		roundTrip(t, conn, `{"latitude":-1,"longitude":2.0}`))

	// binary frames are ignored; the next reply answers the text frame
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(`{"latitude":-1,"longitude":0}`)))
	assert.JSONEq(t, `{"success":true,"data":{"wikipedia":"North"}}`,
		roundTrip(t, conn, `{"latitude":3,"longitude":0}`))
}

func TestServer_Scenario(t *testing.T) {
	e := fixture.New()
	e.Box("Francia", 40, -3, 50, 7)
	path := t.TempDir() + "/extract.osm.pbf"
	require.NoError(t, e.WriteFile(path))

	index, err := geo.Open(context.Background(), geo.Options{PBFPath: path})
	require.NoError(t, err)

	ts := startServer(t, New(index, Options{}))
	conn := dial(t, ts)

	assert.JSONEq(t, `{"success":true,"data":{"wikipedia":"Francia"}}`,
		roundTrip(t, conn, `{"latitude":45.0,"longitude":2.0}`))
	assert.JSONEq(t, `{"success":false,"error":"No address found"}`,
		roundTrip(t, conn, `{"latitude":0.0,"longitude":0.0}`))
	assert.Contains(t, roundTrip(t, conn, `{"latitude":45.0}`), "Invalid query format")
}

func TestServer_ConcurrentConnections(t *testing.T) {
	ts := startServer(t, New(northOfEquator, Options{}))

	const clients = 8
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			url := "ws" + strings.TrimPrefix(ts.URL, "http")
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				errs <- err
				return
			}
			resp.Body.Close()
			defer conn.Close()
			for j := 0; j < 20; j++ {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"latitude":1,"longitude":1}`)); err != nil {
					errs <- err
					return
				}
				if _, _, err := conn.ReadMessage(); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	for i := 0; i < clients; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestServer_RateLimit(t *testing.T) {
	ts := startServer(t, New(northOfEquator, Options{RateLimit: 5}))
	conn := dial(t, ts)

	start := time.Now()
	for i := 0; i < 7; i++ {
		roundTrip(t, conn, `{"latitude":1,"longitude":1}`)
	}
	// a burst of 5, then two more tokens at 5/s
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestServer_Metrics(t *testing.T) {
	ts := startServer(t, New(northOfEquator, Options{}))
	conn := dial(t, ts)
	roundTrip(t, conn, `{"latitude":1,"longitude":1}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `geoindex_queries_total{result="found"}`)
	assert.Contains(t, string(body), "geoindex_connections_total")
}

func TestServer_PlainHTTPRejected(t *testing.T) {
	ts := startServer(t, New(northOfEquator, Options{}))

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CloseDropsConnections(t *testing.T) {
	s := New(northOfEquator, Options{})
	ts := startServer(t, s)
	conn := dial(t, ts)
	roundTrip(t, conn, `{"latitude":1,"longitude":1}`)

	s.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServe_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(northOfEquator, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, "") }()

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
