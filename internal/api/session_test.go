package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/mudgate/mudgate/internal/httputil"
	"github.com/mudgate/mudgate/internal/session"
)

// fakeSessionAdmin implements SessionAdmin for handler tests.
type fakeSessionAdmin struct {
	infos  []session.Info
	sent   int
	gotMsg string
	called bool
}

func (f *fakeSessionAdmin) Sessions() []session.Info { return f.infos }

func (f *fakeSessionAdmin) Broadcast(message string) int {
	f.called = true
	f.gotMsg = message
	return f.sent
}

func testSessionApp(admin *fakeSessionAdmin) *fiber.App {
	handler := NewSessionHandler(admin, zerolog.Nop())
	app := fiber.New()
	app.Get("/sessions", handler.List)
	app.Post("/broadcast", handler.Broadcast)
	return app
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	admin := &fakeSessionAdmin{infos: []session.Info{
		{UserID: "u1", CharacterName: "Ada", Server: "3k", MudConnected: true, BrowserConnected: true},
		{UserID: "u2", CharacterName: "Brin", Server: "3s", MudConnected: true, BrowserConnected: false},
	}}
	app := testSessionApp(admin)

	resp := doReq(t, app, jsonReq(http.MethodGet, "/sessions", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	env := parseSuccess(t, body)
	var payload struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal session list: %v", err)
	}
	if payload.Count != 2 {
		t.Errorf("count = %d, want 2", payload.Count)
	}
	if len(payload.Sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(payload.Sessions))
	}
	if payload.Sessions[0].CharacterName != "Ada" || payload.Sessions[0].Server != "3k" {
		t.Errorf("sessions[0] = %+v, want Ada on 3k", payload.Sessions[0])
	}
	if payload.Sessions[1].BrowserConnected {
		t.Error("sessions[1].browserConnected = true, want false")
	}
}

func TestListSessionsEmpty(t *testing.T) {
	t.Parallel()

	app := testSessionApp(&fakeSessionAdmin{})

	resp := doReq(t, app, jsonReq(http.MethodGet, "/sessions", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	env := parseSuccess(t, body)
	var payload struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal session list: %v", err)
	}
	if payload.Count != 0 {
		t.Errorf("count = %d, want 0", payload.Count)
	}
}

func TestBroadcastSuccess(t *testing.T) {
	t.Parallel()

	admin := &fakeSessionAdmin{sent: 3}
	app := testSessionApp(admin)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/broadcast", `{"message":"  Maintenance in 5 minutes.  "}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	env := parseSuccess(t, body)
	var payload struct {
		Sent int `json:"sent"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal broadcast response: %v", err)
	}
	if payload.Sent != 3 {
		t.Errorf("sent = %d, want 3", payload.Sent)
	}
	if admin.gotMsg != "Maintenance in 5 minutes." {
		t.Errorf("broadcast message = %q, want trimmed notice", admin.gotMsg)
	}
}

func TestBroadcastEmptyMessage(t *testing.T) {
	t.Parallel()

	admin := &fakeSessionAdmin{}
	app := testSessionApp(admin)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/broadcast", `{"message":"   "}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.CodeValidation) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeValidation)
	}
	if admin.called {
		t.Error("Broadcast() was called for an empty message")
	}
}

func TestBroadcastInvalidJSON(t *testing.T) {
	t.Parallel()

	app := testSessionApp(&fakeSessionAdmin{})

	resp := doReq(t, app, jsonReq(http.MethodPost, "/broadcast", "not json"))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.CodeInvalidBody) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeInvalidBody)
	}
}
