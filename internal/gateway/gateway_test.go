package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pactdesk/collab/internal/auth"
	"github.com/pactdesk/collab/internal/bus"
	"github.com/pactdesk/collab/internal/merge"
	"github.com/pactdesk/collab/internal/presence"
	"github.com/pactdesk/collab/internal/room"
	"github.com/pactdesk/collab/internal/store"
)

type fixture struct {
	ts       *httptest.Server
	gw       *Server
	verifier *auth.JWTVerifier
	docs     *store.MemoryStore
}

func newFixture(t *testing.T, authz auth.Authorizer) *fixture {
	t.Helper()

	b := bus.NewMemoryBus()
	docs := store.NewMemoryStore()
	engine := merge.NewEngine(docs, b, nil, nil)
	registry := room.NewRegistry(b, docs, engine, authz, 30*time.Second)
	tracker := presence.NewTracker(b, registry, presence.Config{
		IdleAfter:     time.Minute,
		SweepInterval: time.Hour,
		TypingTTL:     time.Second,
	})
	verifier := auth.NewJWTVerifier("gateway-test-secret")

	gw := NewServer(verifier, registry, tracker, b)
	ts := httptest.NewServer(gw)
	t.Cleanup(func() {
		ts.Close()
		b.Close()
	})

	return &fixture{ts: ts, gw: gw, verifier: verifier, docs: docs}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.verifier.Sign(&auth.Identity{UserID: userID}, time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return token
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	header := http.Header{"Authorization": {"Bearer " + f.token(t, userID)}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed for %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := conn.WriteJSON(Envelope{Type: msgType, Payload: data}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// waitFor reads until a message of the wanted type arrives, discarding
// interleaved broadcasts.
func waitFor(t *testing.T, conn *websocket.Conn, msgType string) Envelope {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("Read failed waiting for %s: %v", msgType, err)
		}
		if env.Type == msgType {
			return env
		}
	}
	t.Fatalf("Timed out waiting for %s", msgType)
	return Envelope{}
}

// expectSilence asserts no message of the given type arrives within the
// window.
func expectSilence(t *testing.T, conn *websocket.Conn, msgType string, window time.Duration) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(window))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return // timeout: silence confirmed
		}
		if env.Type == msgType {
			t.Fatalf("Expected no %s, got one: %s", msgType, env.Payload)
		}
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	header := http.Header{"Authorization": {"Bearer not-a-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("Expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %+v", resp)
	}
}

func TestHandshakeTokenQueryParameter(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "?token=" + f.token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial with query token failed: %v", err)
	}
	defer conn.Close()

	send(t, conn, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})
	waitFor(t, conn, msgJoined)
}

func TestJoinSubmitBroadcast(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	f.docs.Seed("d1", 3, json.RawMessage(`{"body":"draft"}`))

	alice := f.dial(t, "alice")
	send(t, alice, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})
	env := waitFor(t, alice, msgJoined)

	var joined room.JoinResult
	if err := json.Unmarshal(env.Payload, &joined); err != nil {
		t.Fatalf("Bad joined payload: %v", err)
	}
	if joined.Version != 3 || len(joined.Members) != 0 {
		t.Errorf("Unexpected join snapshot: %+v", joined)
	}

	bob := f.dial(t, "bob")
	send(t, bob, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})
	env = waitFor(t, bob, msgJoined)
	if err := json.Unmarshal(env.Payload, &joined); err != nil {
		t.Fatalf("Bad joined payload: %v", err)
	}
	if len(joined.Members) != 1 || joined.Members[0] != "alice" {
		t.Errorf("Expected bob to see alice, got %v", joined.Members)
	}

	env = waitFor(t, alice, "member-joined")
	var member room.MemberEvent
	if err := json.Unmarshal(env.Payload, &member); err != nil {
		t.Fatalf("Bad member-joined payload: %v", err)
	}
	if member.UserID != "bob" {
		t.Errorf("Expected member-joined for bob, got %s", member.UserID)
	}

	// Alice submits against the current version.
	send(t, alice, msgSubmitChange, submitChangePayload{
		DocumentID:  "d1",
		BaseVersion: 3,
		Patch:       json.RawMessage(`{"body":"edited"}`),
	})

	env = waitFor(t, alice, msgChangeAccepted)
	var accepted changeAcceptedPayload
	if err := json.Unmarshal(env.Payload, &accepted); err != nil {
		t.Fatalf("Bad change-accepted payload: %v", err)
	}
	if accepted.NewVersion != 4 {
		t.Errorf("Expected new version 4, got %d", accepted.NewVersion)
	}

	env = waitFor(t, bob, "document-changed")
	var changed merge.ChangedEvent
	if err := json.Unmarshal(env.Payload, &changed); err != nil {
		t.Fatalf("Bad document-changed payload: %v", err)
	}
	if changed.SubmitterID != "alice" || changed.NewVersion != 4 {
		t.Errorf("Unexpected document-changed: %+v", changed)
	}

	// The submitter's own connection is not echoed the broadcast.
	expectSilence(t, alice, "document-changed", 100*time.Millisecond)
}

func TestStaleSubmitRejected(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})
	f.docs.Seed("d1", 5, json.RawMessage(`{"body":"current"}`))

	alice := f.dial(t, "alice")
	send(t, alice, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})
	waitFor(t, alice, msgJoined)

	send(t, alice, msgSubmitChange, submitChangePayload{
		DocumentID:  "d1",
		BaseVersion: 4,
		Patch:       json.RawMessage(`{"body":"stale"}`),
	})

	env := waitFor(t, alice, msgChangeRejected)
	var rejected changeRejectedPayload
	if err := json.Unmarshal(env.Payload, &rejected); err != nil {
		t.Fatalf("Bad change-rejected payload: %v", err)
	}
	if rejected.CurrentVersion != 5 || string(rejected.Content) != `{"body":"current"}` {
		t.Errorf("Expected rebase snapshot in rejection, got %+v", rejected)
	}
}

func TestJoinDenied(t *testing.T) {
	authz := &auth.StaticAuthorizer{Grants: map[string]map[string]bool{
		"alice": {"d1": true},
	}}
	f := newFixture(t, authz)

	mallory := f.dial(t, "mallory")
	send(t, mallory, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})

	env := waitFor(t, mallory, msgError)
	var errPayload errorPayload
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("Bad error payload: %v", err)
	}
	if errPayload.Code != "ACCESS_DENIED" {
		t.Errorf("Expected ACCESS_DENIED, got %s", errPayload.Code)
	}
}

func TestLockGrantAndDenial(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	for _, conn := range []*websocket.Conn{alice, bob} {
		send(t, conn, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})
		waitFor(t, conn, msgJoined)
	}

	send(t, alice, msgAcquireLock, lockPayload{DocumentID: "d1", SectionID: "s1"})

	// Both room members hear the grant.
	env := waitFor(t, alice, "section-locked")
	var locked room.LockEvent
	if err := json.Unmarshal(env.Payload, &locked); err != nil {
		t.Fatalf("Bad section-locked payload: %v", err)
	}
	if locked.Holder != "alice" || locked.SectionID != "s1" {
		t.Errorf("Unexpected section-locked: %+v", locked)
	}
	waitFor(t, bob, "section-locked")

	// Bob's competing exclusive request is denied to him alone.
	send(t, bob, msgAcquireLock, lockPayload{DocumentID: "d1", SectionID: "s1"})
	env = waitFor(t, bob, msgLockDenied)
	var denied lockDeniedPayload
	if err := json.Unmarshal(env.Payload, &denied); err != nil {
		t.Fatalf("Bad lock-denied payload: %v", err)
	}
	if denied.Holder != "alice" {
		t.Errorf("Expected denial naming alice, got %+v", denied)
	}
	expectSilence(t, alice, msgLockDenied, 100*time.Millisecond)

	// Release unlocks for everyone.
	send(t, alice, msgReleaseLock, lockPayload{DocumentID: "d1", SectionID: "s1"})
	waitFor(t, bob, "section-unlocked")
}

func TestTypingRelay(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	for _, conn := range []*websocket.Conn{alice, bob} {
		send(t, conn, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})
		waitFor(t, conn, msgJoined)
	}

	send(t, alice, msgTypingStart, typingPayload{DocumentID: "d1"})
	env := waitFor(t, bob, "typing-started")
	var typing presence.TypingEvent
	if err := json.Unmarshal(env.Payload, &typing); err != nil {
		t.Fatalf("Bad typing payload: %v", err)
	}
	if typing.UserID != "alice" {
		t.Errorf("Expected typing from alice, got %s", typing.UserID)
	}

	send(t, alice, msgTypingStop, typingPayload{DocumentID: "d1"})
	waitFor(t, bob, "typing-stopped")
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	for _, conn := range []*websocket.Conn{alice, bob} {
		send(t, conn, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})
		waitFor(t, conn, msgJoined)
	}
	waitFor(t, alice, "member-joined")

	// Bob locks a section, then drops without releasing it.
	send(t, bob, msgAcquireLock, lockPayload{DocumentID: "d1", SectionID: "s2"})
	waitFor(t, alice, "section-locked")

	bob.Close()

	waitFor(t, alice, "section-unlocked")
	env := waitFor(t, alice, "member-left")
	var member room.MemberEvent
	if err := json.Unmarshal(env.Payload, &member); err != nil {
		t.Fatalf("Bad member-left payload: %v", err)
	}
	if member.UserID != "bob" {
		t.Errorf("Expected member-left for bob, got %s", member.UserID)
	}
}

func TestActiveConnections(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	for _, conn := range []*websocket.Conn{alice, bob} {
		send(t, conn, msgJoinRoom, joinRoomPayload{DocumentID: "d1"})
		waitFor(t, conn, msgJoined)
	}

	conns := f.gw.ActiveConnections()
	if len(conns) != 2 {
		t.Fatalf("Expected 2 connections, got %d", len(conns))
	}
	users := map[string]bool{}
	for _, c := range conns {
		users[c.UserID] = true
		if !c.Rooms["d1"] {
			t.Errorf("Expected %s's connection to list d1, got %v", c.UserID, c.Rooms)
		}
		if c.OpenedAt == 0 {
			t.Errorf("Expected opened_at to be set for %s", c.UserID)
		}
	}
	if !users["alice"] || !users["bob"] {
		t.Errorf("Expected alice and bob, got %v", users)
	}

	bob.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(f.gw.ActiveConnections()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for bob's connection to be removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if remaining := f.gw.ActiveConnections(); remaining[0].UserID != "alice" {
		t.Errorf("Expected alice to remain, got %+v", remaining)
	}
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t, auth.AllowAll{})

	alice := f.dial(t, "alice")
	send(t, alice, "no-such-op", struct{}{})

	env := waitFor(t, alice, msgError)
	var errPayload errorPayload
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("Bad error payload: %v", err)
	}
	if errPayload.Code != "INVALID_INPUT" {
		t.Errorf("Expected INVALID_INPUT, got %s", errPayload.Code)
	}
}
