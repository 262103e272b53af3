package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchMessages_QueryAndDecode(t *testing.T) {
	var gotRoom, gotSkip, gotPaging string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/getMessages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		q := r.URL.Query()
		gotRoom, gotSkip, gotPaging = q.Get("room"), q.Get("skip"), q.Get("paging")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"message_id":"1","text":"oldest","username":"ada","userImageUrl":"","timestamp":"2016-06-04T11:00:00Z","session_id":"s1","room":"CoolRoom"},
			{"message_id":"2","text":"newest","username":"bob","userImageUrl":"","timestamp":"2016-06-04T12:00:00Z","session_id":"s2","room":"CoolRoom"}
		]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	msgs, err := c.FetchMessages(context.Background(), "Cool Room", 10, 30)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotRoom != "Cool Room" || gotSkip != "10" || gotPaging != "30" {
		t.Fatalf("bad query: room=%q skip=%q paging=%q", gotRoom, gotSkip, gotPaging)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].MessageID != "1" || msgs[1].MessageID != "2" {
		t.Fatalf("page order changed: %q, %q", msgs[0].MessageID, msgs[1].MessageID)
	}
	if msgs[0].Text != "oldest" || msgs[0].Username != "ada" || msgs[0].SessionID != "s1" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
}

func TestFetchMessages_DefaultsApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("skip") != "0" || q.Get("paging") != "30" {
			t.Errorf("defaults not applied: skip=%q paging=%q", q.Get("skip"), q.Get("paging"))
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	msgs, err := c.FetchMessages(context.Background(), "CoolRoom", -1, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty page")
	}
}

func TestFetchMessages_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if _, err := c.FetchMessages(context.Background(), "CoolRoom", 0, 30); err == nil {
		t.Fatalf("expected error on 500")
	}
}
