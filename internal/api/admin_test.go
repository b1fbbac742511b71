package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/mudgate/mudgate/internal/httputil"
)

// --- response parsing helpers ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// --- RequireAdminKey tests ---

func TestRequireAdminKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "no key configured disables endpoints",
			configured: "",
			header:     "anything",
			wantStatus: fiber.StatusServiceUnavailable,
			wantCode:   string(httputil.CodeUnavailable),
		},
		{
			name:       "missing header rejected",
			configured: "sekrit",
			header:     "",
			wantStatus: fiber.StatusUnauthorized,
			wantCode:   string(httputil.CodeUnauthorized),
		},
		{
			name:       "wrong key rejected",
			configured: "sekrit",
			header:     "guess",
			wantStatus: fiber.StatusUnauthorized,
			wantCode:   string(httputil.CodeUnauthorized),
		},
		{
			name:       "correct key passes through",
			configured: "sekrit",
			header:     "sekrit",
			wantStatus: fiber.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New()
			app.Use(RequireAdminKey(tt.configured))
			app.Get("/sessions", func(c fiber.Ctx) error {
				return httputil.Success(c, "through")
			})

			req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
			if tt.header != "" {
				req.Header.Set("X-Admin-Key", tt.header)
			}
			resp := doReq(t, app, req)
			body := readBody(t, resp)

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCode != "" {
				env := parseError(t, body)
				if env.Error.Code != tt.wantCode {
					t.Errorf("error code = %q, want %q", env.Error.Code, tt.wantCode)
				}
			}
		})
	}
}
