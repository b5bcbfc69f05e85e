package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/bryan-buckman/statusync/internal/model"
)

func newTestClient(srv *httptest.Server) *Client {
	acct := model.Account{Username: "alice", Password: "secret", APIRoot: srv.URL + "/api/"}
	return New(acct, WithHostDelay(0))
}

func TestGetUsesBasicAuthAndAPIRoot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/statuses/friends_timeline.as" || r.URL.Query().Get("since_id") != "12" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"title":"ok"}`))
	}))
	defer srv.Close()

	body, err := newTestClient(srv).Get(context.Background(), "statuses/friends_timeline.as?since_id=12")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != `{"title":"ok"}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestPostSendsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("gar") != "gar" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Write([]byte("<status/>"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Post(context.Background(), "favorites/create/7.xml", url.Values{"gar": {"gar"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
}

func TestNon2xxBecomesTransportError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"json", `{"error":"Could not authenticate you."}`, "Could not authenticate you."},
		{"xml", `<?xml version="1.0"?><hash><error>No such notice.</error></hash>`, "No such notice."},
		{"empty", ``, "Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv).Get(context.Background(), "statuses/show/1.xml")
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if te.Status != http.StatusNotFound || te.Msg != tt.want {
				t.Errorf("got status %d msg %q", te.Status, te.Msg)
			}
		})
	}
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(srv)
	srv.Close()

	_, err := c.Get(context.Background(), "statuses/public_timeline.as")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Status != 0 {
		t.Errorf("expected no status, got %d", te.Status)
	}
}

func TestURL(t *testing.T) {
	c := New(model.Account{APIRoot: "https://sn.example/api"})
	if got := c.URL("statuses/public_timeline.as"); got != "https://sn.example/api/statuses/public_timeline.as" {
		t.Errorf("got %s", got)
	}
	if got := c.URL("https://other.example/x.atom"); got != "https://other.example/x.atom" {
		t.Errorf("got %s", got)
	}
}
