package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, srv *testServer, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("dial %s: status %d", path, resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type typ arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebSocketMatchRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil, false)

	ue := dialWS(t, srv, "/ws?role=ue&uid=screen")
	hello := readUntil(t, ue, "server_hello")
	if hello["role"] != "ue" || hello["uid"] != "screen" {
		t.Errorf("server_hello = %v", hello)
	}
	readUntil(t, ue, "device_list")

	alice := dialWS(t, srv, "/ws?role=phone&uid=alice&name=Alice")
	readUntil(t, alice, "server_hello")
	if ev := readUntil(t, ue, "device_connected"); ev["uid"] != "alice" {
		t.Errorf("device_connected = %v", ev)
	}

	bob := dialWS(t, srv, "/ws/?role=phone&uid=bob&name=Bob")
	readUntil(t, bob, "server_hello")
	readUntil(t, ue, "device_connected")

	sendJSON(t, alice, `{"type":"join_request"}`)
	if qs := readUntil(t, alice, "queue_status"); qs["queue_len"] != float64(1) {
		t.Errorf("queue_status = %v", qs)
	}
	sendJSON(t, bob, `{"type":"join_request"}`)

	start := readUntil(t, alice, "match_start")
	matchID, _ := start["match_id"].(string)
	if !strings.HasPrefix(matchID, "m") {
		t.Fatalf("match_id = %q", matchID)
	}
	if got := readUntil(t, bob, "match_start"); got["match_id"] != matchID {
		t.Errorf("bob match_start = %v", got)
	}
	readUntil(t, ue, "match_start")

	sendJSON(t, alice, `{"type":"imu","uid":"alice","yaw":12.5,"fire":true}`)
	imu := readUntil(t, ue, "imu")
	if imu["match_id"] != matchID || imu["uid"] != "alice" {
		t.Errorf("ue imu = %v", imu)
	}
	if opp := readUntil(t, bob, "opponent_imu"); opp["yaw"] != 12.5 {
		t.Errorf("opponent_imu = %v", opp)
	}

	var latest map[string]any
	srv.getJSON(t, "/latest?uid=alice", http.StatusOK, &latest)
	if latest["type"] != "imu" || latest["yaw"] != 12.5 {
		t.Errorf("latest = %v", latest)
	}

	// Dropping a participant aborts the match for the other side
	alice.Close()
	abort := readUntil(t, bob, "match_abort")
	if abort["match_id"] != matchID || abort["reason"] != "disconnect:alice" {
		t.Errorf("match_abort = %v", abort)
	}
	if ev := readUntil(t, ue, "device_disconnected"); ev["uid"] != "alice" {
		t.Errorf("device_disconnected = %v", ev)
	}
}

func TestWebSocketRejectsCapability(t *testing.T) {
	srv := newTestServer(t, nil, false)

	ue := dialWS(t, srv, "/ws?role=ue&uid=screen")
	readUntil(t, ue, "server_hello")

	sendJSON(t, ue, `{"type":"join_request"}`)
	if e := readUntil(t, ue, "error"); e["msg"] != "join_request only for phone" {
		t.Errorf("error = %v", e)
	}
}

func TestWebSocketDefaultsToPhone(t *testing.T) {
	srv := newTestServer(t, nil, false)

	conn := dialWS(t, srv, "/ws")
	hello := readUntil(t, conn, "server_hello")
	if hello["role"] != "phone" {
		t.Errorf("role = %v", hello["role"])
	}
	if uid, _ := hello["uid"].(string); uid == "" {
		t.Errorf("expected generated uid, got %v", hello)
	}
}

func TestLogStreamInitialLines(t *testing.T) {
	srv := newTestServer(t, nil, true)
	lines := `{"uid":"a","payload":{"type":"imu"}}` + "\n" + `{"uid":"b","payload":{"type":"hello"}}` + "\n"
	if err := os.WriteFile(srv.router.opts.LogPath, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	conn := dialWS(t, srv, "/ws/logs")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg LogMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "initial" || len(msg.Lines) != 2 {
		t.Fatalf("initial = %+v", msg)
	}
	if !strings.Contains(msg.Lines[1], `"uid":"b"`) {
		t.Errorf("last line = %q", msg.Lines[1])
	}
}

func TestLogStreamDisabled(t *testing.T) {
	srv := newTestServer(t, nil, false)
	resp, _ := srv.get(t, "/ws/logs")
	if resp.StatusCode == http.StatusSwitchingProtocols || resp.StatusCode == http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestClientAddr(t *testing.T) {
	req, _ := http.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	if got := clientAddr(req); got != "10.0.0.9:5555" {
		t.Errorf("clientAddr = %q", got)
	}
	req.Header.Set("X-Real-IP", "10.0.0.2")
	if got := clientAddr(req); got != "10.0.0.2" {
		t.Errorf("clientAddr = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "192.168.1.4, 10.0.0.1")
	if got := clientAddr(req); got != "192.168.1.4" {
		t.Errorf("clientAddr = %q", got)
	}
}
