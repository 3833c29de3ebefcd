// Copyright 2026 The Matriisi Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matriisi/matriisi/lib/ref"
)

// newTestSession builds a Session backed by an httptest server.
func newTestSession(t *testing.T, handler http.HandlerFunc) *Session {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client.SessionFromToken(ref.MustParseUserID("@bot:test.local"), "syt_test_token")
}

func TestSessionAuthHeader(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("Authorization"); got != "Bearer syt_test_token" {
			t.Errorf("Authorization = %q", got)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{"user_id": "@bot:test.local"})
	})

	userID, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if userID.String() != "@bot:test.local" {
		t.Errorf("user ID = %q", userID)
	}
}

func TestCreateRoom(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/createRoom" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		var body CreateRoomRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decoding createRoom body: %v", err)
		}
		if body.Name != "Lounge" || body.Preset != "private_chat" {
			t.Errorf("body = %+v", body)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{"room_id": "!new:test.local"})
	})

	response, err := session.CreateRoom(context.Background(), CreateRoomRequest{
		Name:   "Lounge",
		Preset: "private_chat",
	})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if response.RoomID.String() != "!new:test.local" {
		t.Errorf("room ID = %q", response.RoomID)
	}
}

func TestSendMessage(t *testing.T) {
	var seenPath string
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		seenPath = request.URL.Path
		if request.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", request.Method)
		}
		var body MessageContent
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decoding message body: %v", err)
		}
		if body.MsgType != "m.text" || body.Body != "hello" {
			t.Errorf("body = %+v", body)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{"event_id": "$sent1"})
	})

	roomID := ref.MustParseRoomID("!lounge:test.local")
	eventID, err := session.SendMessage(context.Background(), roomID, NewTextMessage("hello"))
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if eventID.String() != "$sent1" {
		t.Errorf("event ID = %q", eventID)
	}

	prefix := "/_matrix/client/v3/rooms/!lounge:test.local/send/m.room.message/"
	if !strings.HasPrefix(seenPath, prefix) {
		t.Errorf("path = %q, want prefix %q", seenPath, prefix)
	}
	// The transaction ID segment must be present and unique per send.
	transactionID := strings.TrimPrefix(seenPath, prefix)
	if !strings.HasPrefix(transactionID, "matriisi-") {
		t.Errorf("transaction ID = %q", transactionID)
	}
}

func TestSendStateEvent(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		want := "/_matrix/client/v3/rooms/!lounge:test.local/state/m.room.name/"
		if request.URL.Path != want {
			t.Errorf("path = %q, want %q", request.URL.Path, want)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{"event_id": "$named"})
	})

	roomID := ref.MustParseRoomID("!lounge:test.local")
	eventID, err := session.SendStateEvent(context.Background(), roomID, "m.room.name", "", NameContent{Name: "Lounge"})
	if err != nil {
		t.Fatalf("SendStateEvent failed: %v", err)
	}
	if eventID.String() != "$named" {
		t.Errorf("event ID = %q", eventID)
	}
}

func TestSyncQueryParameters(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		query := request.URL.Query()
		if got := query.Get("since"); got != "s100" {
			t.Errorf("since = %q", got)
		}
		if got := query.Get("timeout"); got != "30000" {
			t.Errorf("timeout = %q", got)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{"next_batch": "s101", "rooms": map[string]any{}})
	})

	response, err := session.Sync(context.Background(), SyncOptions{
		Since:      "s100",
		Timeout:    30000,
		SetTimeout: true,
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if response.NextBatch != "s101" {
		t.Errorf("next_batch = %q", response.NextBatch)
	}
}

func TestJoinRoomAlias(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		// The alias sigil must be percent-encoded in the path segment.
		want := "/_matrix/client/v3/join/%23lounge:test.local"
		if request.URL.EscapedPath() != want {
			t.Errorf("path = %q, want %q", request.URL.EscapedPath(), want)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{"room_id": "!lounge:test.local"})
	})

	roomID, err := session.JoinRoomAlias(context.Background(), ref.MustParseRoomAlias("#lounge:test.local"))
	if err != nil {
		t.Fatalf("JoinRoomAlias failed: %v", err)
	}
	if roomID.String() != "!lounge:test.local" {
		t.Errorf("room ID = %q", roomID)
	}
}

func TestRoomMessagesPagination(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		query := request.URL.Query()
		if got := query.Get("from"); got != "t42" {
			t.Errorf("from = %q", got)
		}
		if got := query.Get("dir"); got != "b" {
			t.Errorf("dir = %q", got)
		}
		if got := query.Get("limit"); got != "50" {
			t.Errorf("limit = %q", got)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"start": "t42",
			"end":   "t41",
			"chunk": []map[string]any{
				{"event_id": "$old1", "type": "m.room.message",
					"sender":  "@alice:test.local",
					"content": map[string]any{"msgtype": "m.text", "body": "older"}},
			},
		})
	})

	response, err := session.RoomMessages(context.Background(), ref.MustParseRoomID("!lounge:test.local"), RoomMessagesOptions{
		From:  "t42",
		Limit: 50,
	})
	if err != nil {
		t.Fatalf("RoomMessages failed: %v", err)
	}
	if len(response.Chunk) != 1 {
		t.Fatalf("chunk has %d events", len(response.Chunk))
	}
	if _, ok := response.Chunk[0].Content.(*MessageContent); !ok {
		t.Errorf("chunk content = %T", response.Chunk[0].Content)
	}
	if response.End != "t41" {
		t.Errorf("end = %q", response.End)
	}
}

func TestSendReceipt(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if !strings.Contains(request.URL.Path, "/receipt/m.read/") {
			t.Errorf("path = %q", request.URL.Path)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte("{}"))
	})

	err := session.SendReceipt(context.Background(),
		ref.MustParseRoomID("!lounge:test.local"),
		ref.MustParseEventID("$hello"))
	if err != nil {
		t.Fatalf("SendReceipt failed: %v", err)
	}
}

func TestTyping(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", request.Method)
		}
		var body TypingRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decoding typing body: %v", err)
		}
		if !body.Typing || body.Timeout != 10000 {
			t.Errorf("body = %+v", body)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte("{}"))
	})

	err := session.Typing(context.Background(),
		ref.MustParseRoomID("!lounge:test.local"), true, 10*time.Second)
	if err != nil {
		t.Fatalf("Typing failed: %v", err)
	}
}

func TestExecute(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/joined_rooms" {
			t.Errorf("path = %q", request.URL.Path)
		}
		if got := request.URL.Query().Get("extra"); got != "1" {
			t.Errorf("extra = %q", got)
		}
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{"joined_rooms": []string{"!a:test.local"}})
	})

	raw, err := session.Execute(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/_matrix/client/v3/joined_rooms",
		Query:  map[string][]string{"extra": {"1"}},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		t.Fatalf("parsing execute response: %v", err)
	}
	if len(response.JoinedRooms) != 1 || response.JoinedRooms[0].String() != "!a:test.local" {
		t.Errorf("joined rooms = %v", response.JoinedRooms)
	}
}

func TestGetRoomState(t *testing.T) {
	session := newTestSession(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`[
			{"event_id": "$create", "type": "m.room.create", "state_key": "",
			 "sender": "@alice:test.local", "content": {"creator": "@alice:test.local"}},
			{"event_id": "$topic", "type": "m.room.topic", "state_key": "",
			 "sender": "@alice:test.local", "content": {"topic": "general chatter"}}
		]`))
	})

	events, err := session.GetRoomState(context.Background(), ref.MustParseRoomID("!lounge:test.local"))
	if err != nil {
		t.Fatalf("GetRoomState failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	topic, ok := events[1].Content.(*TopicContent)
	if !ok {
		t.Fatalf("topic content = %T", events[1].Content)
	}
	if topic.Topic != "general chatter" {
		t.Errorf("topic = %q", topic.Topic)
	}
}
