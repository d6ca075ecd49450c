package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","client_message_id":"c-1","room_id":"r-1","content":"found your keys","content_type":"text"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ClientMessageID != "c-1" {
		t.Errorf("expected client_message_id %q, got %q", "c-1", sm.ClientMessageID)
	}
	if sm.RoomID != "r-1" {
		t.Errorf("expected room_id %q, got %q", "r-1", sm.RoomID)
	}
	if sm.Content != "found your keys" {
		t.Errorf("expected content %q, got %q", "found your keys", sm.Content)
	}
	if sm.ContentType != "text" {
		t.Errorf("expected content_type %q, got %q", "text", sm.ContentType)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid create_room message
// ---------------------------------------------------------------------------

func TestParseClientMessage_CreateRoom(t *testing.T) {
	input := []byte(`{"type":"create_room","subject_id":"item-42","participants":[{"user_id":"u1","role":"owner"},{"user_id":"u2","role":"finder"}]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCreateRoom {
		t.Fatalf("expected type %q, got %q", TypeCreateRoom, msgType)
	}

	cr, ok := msg.(CreateRoomMsg)
	if !ok {
		t.Fatalf("expected CreateRoomMsg, got %T", msg)
	}
	if cr.SubjectID != "item-42" {
		t.Errorf("expected subject_id %q, got %q", "item-42", cr.SubjectID)
	}
	if len(cr.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(cr.Participants))
	}
	if cr.Participants[0].UserID != "u1" || cr.Participants[0].Role != "owner" {
		t.Errorf("unexpected first participant: %+v", cr.Participants[0])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing mark_read and fetch_history
// ---------------------------------------------------------------------------

func TestParseClientMessage_MarkRead(t *testing.T) {
	input := []byte(`{"type":"mark_read","room_id":"r-1","message_ids":["m1","m2"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMarkRead {
		t.Fatalf("expected type %q, got %q", TypeMarkRead, msgType)
	}

	mr, ok := msg.(MarkReadMsg)
	if !ok {
		t.Fatalf("expected MarkReadMsg, got %T", msg)
	}
	if mr.RoomID != "r-1" {
		t.Errorf("expected room_id %q, got %q", "r-1", mr.RoomID)
	}
	if len(mr.MessageIDs) != 2 {
		t.Fatalf("expected 2 message ids, got %d", len(mr.MessageIDs))
	}
}

func TestParseClientMessage_FetchHistory(t *testing.T) {
	input := []byte(`{"type":"fetch_history","room_id":"r-9","limit":25}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeFetchHistory {
		t.Fatalf("expected type %q, got %q", TypeFetchHistory, msgType)
	}

	fh, ok := msg.(FetchHistoryMsg)
	if !ok {
		t.Fatalf("expected FetchHistoryMsg, got %T", msg)
	}
	if fh.RoomID != "r-9" || fh.Limit != 25 {
		t.Errorf("unexpected fetch_history payload: %+v", fh)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and server-only types are rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"teleport"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msgType != "teleport" {
		t.Errorf("expected returned type %q, got %q", "teleport", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil msg, got %v", msg)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"new_message","message":{}}`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope error cases
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"room_id":"r-1"}`))
	if err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
	if !strings.Contains(err.Error(), "type") {
		t.Errorf("expected error mentioning type, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Server message encoding injects the type discriminator
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	payload := MessageDeliveredMsg{
		ClientMessageID: "c-7",
		ServerMessageID: "s-7",
	}

	data, err := NewServerMessage(TypeMessageDelivered, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if decoded["type"] != TypeMessageDelivered {
		t.Errorf("expected type %q, got %v", TypeMessageDelivered, decoded["type"])
	}
	if decoded["client_message_id"] != "c-7" {
		t.Errorf("expected client_message_id %q, got %v", "c-7", decoded["client_message_id"])
	}
	if decoded["server_message_id"] != "s-7" {
		t.Errorf("expected server_message_id %q, got %v", "s-7", decoded["server_message_id"])
	}
}

func TestNewServerMessage_FailureEchoesClientKey(t *testing.T) {
	payload := MessageFailedMsg{
		ClientMessageID: "c-9",
		Reason:          "RATE_LIMITED",
		RetryAfter:      30,
	}

	data, err := NewServerMessage(TypeMessageFailed, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded MessageFailedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if decoded.Type != TypeMessageFailed {
		t.Errorf("expected type %q, got %q", TypeMessageFailed, decoded.Type)
	}
	if decoded.ClientMessageID != "c-9" {
		t.Errorf("expected client key echoed, got %q", decoded.ClientMessageID)
	}
	if decoded.RetryAfter != 30 {
		t.Errorf("expected retry_after 30, got %d", decoded.RetryAfter)
	}
}
