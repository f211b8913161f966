package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/relay"
	"github.com/mattjoyce/hookrelay/internal/security"
	"github.com/mattjoyce/hookrelay/internal/webhook/mocks"
)

const (
	testAPIKey     = "retell-key"
	testDownstream = "http://n8n.test/webhook/retell"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// baseSettings has every optional check switched off.
func baseSettings() config.Settings {
	return config.Settings{
		APIKey:               testAPIKey,
		DownstreamURL:        testDownstream,
		DownstreamSecret:     "n8n-secret",
		AllowedEvents:        map[string]struct{}{"call_analyzed": {}},
		AllowedIPs:           map[string]struct{}{"100.20.5.228": {}},
		TokenHeader:          security.DefaultTokenHeader,
		ClientIPHeader:       security.DefaultClientIPHeader,
		AllowMissingClientIP: true,
	}
}

func settingsWith(mutate func(*config.Settings)) SettingsSource {
	return func() (config.Settings, error) {
		s := baseSettings()
		if mutate != nil {
			mutate(&s)
		}
		return s, nil
	}
}

func newTestServer(settings SettingsSource, relayer Relayer, opts ...Option) *Server {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(Config{Listen: "127.0.0.1:0"}, settings, relayer, quietLogger(), opts...)
}

func send(srv *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func signed(body []byte, at time.Time) map[string]string {
	return map[string]string{
		security.SignatureHeader: security.Sign(body, testAPIKey, at.UnixMilli()),
	}
}

func relayed(status int, body string) relay.Response {
	return relay.Response{
		Status:      status,
		ContentType: "application/json",
		Body:        []byte(body),
		Outcome:     relay.OutcomeRelayed,
		Duration:    10 * time.Millisecond,
	}
}

func TestHealth(t *testing.T) {
	ctrl := gomock.NewController(t)
	srv := newTestServer(settingsWith(nil), mocks.NewMockRelayer(ctrl))

	rec := send(srv, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "2023-11-14T22:13:20.000Z", resp.Timestamp)
}

func TestHealthIgnoresSettingsErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	broken := func() (config.Settings, error) { return config.Settings{}, errors.New("RETELL_API_KEY is required") }
	srv := newTestServer(broken, mocks.NewMockRelayer(ctrl))

	rec := send(srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	ctrl := gomock.NewController(t)
	srv := newTestServer(settingsWith(nil), mocks.NewMockRelayer(ctrl))

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPut, "/"},
		{http.MethodDelete, "/health"},
		{http.MethodGet, "/"},
		{http.MethodGet, "/webhook"},
		{http.MethodPatch, "/anything/deep"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := send(srv, tt.method, tt.path, []byte(`{}`), nil)
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.Equal(t, "POST, GET", rec.Header().Get("Allow"))
			assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())
		})
	}
}

func TestFilteredEventWithChecksOff(t *testing.T) {
	ctrl := gomock.NewController(t)
	// No EXPECT: any relay call fails the test.
	srv := newTestServer(settingsWith(nil), mocks.NewMockRelayer(ctrl))

	rec := send(srv, http.MethodPost, "/", []byte(`{"event":"call_started","call":{"call_id":"c-1"}}`), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"filtered","event":"call_started","message":"Event 'call_started' is not in the allowed list"}`, rec.Body.String())
}

func TestEventFilterIsCaseInsensitive(t *testing.T) {
	ctrl := gomock.NewController(t)
	relayer := mocks.NewMockRelayer(ctrl)
	relayer.EXPECT().Forward(gomock.Any(), gomock.Any(), gomock.Any()).Return(relayed(http.StatusOK, `{}`))
	srv := newTestServer(settingsWith(nil), relayer)

	rec := send(srv, http.MethodPost, "/", []byte(`{"event":"CALL_ANALYZED"}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnyPostPathIsAWebhook(t *testing.T) {
	ctrl := gomock.NewController(t)
	srv := newTestServer(settingsWith(nil), mocks.NewMockRelayer(ctrl))

	for _, path := range []string{"/", "/health", "/retell/inbound"} {
		rec := send(srv, http.MethodPost, path, []byte(`{"event":"call_ended"}`), nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"filtered"`, path)
	}
}

func TestValidSignatureRelaysToDownstream(t *testing.T) {
	body := []byte(`{"event":"call_analyzed","call":{"call_id":"c-42","transcript":"hi"}}`)

	var gotBody []byte
	var gotSecret, gotRequestID string
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSecret = r.Header.Get(relay.SecretHeader)
		gotRequestID = r.Header.Get(relay.RequestIDHeader)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer downstream.Close()

	settings := settingsWith(func(s *config.Settings) {
		s.SignatureEnabled = true
		s.DownstreamURL = downstream.URL
	})
	srv := newTestServer(settings, relay.New(relay.WithLogger(quietLogger())))

	rec := send(srv, http.MethodPost, "/", body, signed(body, testNow.Add(-30*time.Second)))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())
	assert.Equal(t, body, gotBody)
	assert.Equal(t, "n8n-secret", gotSecret)
	assert.Equal(t, rec.Header().Get("X-Request-Id"), gotRequestID)
	assert.NotEmpty(t, gotRequestID)
}

func TestSignatureFailures(t *testing.T) {
	body := []byte(`{"event":"call_analyzed"}`)

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name: "missing",
			want: "Missing x-retell-signature header",
		},
		{
			name:    "malformed",
			headers: map[string]string{security.SignatureHeader: "sha256=abc"},
			want:    "Malformed signature",
		},
		{
			name:    "expired",
			headers: signed(body, testNow.Add(-6*time.Minute)),
			want:    "Signature expired",
		},
		{
			name:    "future",
			headers: signed(body, testNow.Add(6*time.Minute)),
			want:    "Signature expired",
		},
		{
			name: "wrong key",
			headers: map[string]string{
				security.SignatureHeader: security.Sign(body, "other-key", testNow.UnixMilli()),
			},
			want: "Invalid signature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			srv := newTestServer(settingsWith(func(s *config.Settings) { s.SignatureEnabled = true }), mocks.NewMockRelayer(ctrl))

			rec := send(srv, http.MethodPost, "/", body, tt.headers)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"`+tt.want+`"}`, rec.Body.String())
		})
	}
}

func TestSignatureCoversExactBytes(t *testing.T) {
	ctrl := gomock.NewController(t)
	srv := newTestServer(settingsWith(func(s *config.Settings) { s.SignatureEnabled = true }), mocks.NewMockRelayer(ctrl))

	signedBody := []byte(`{"event":"call_analyzed"}`)
	sentBody := []byte(`{"event": "call_analyzed"}`)

	rec := send(srv, http.MethodPost, "/", sentBody, signed(signedBody, testNow))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIPFilter(t *testing.T) {
	body := []byte(`{"event":"call_started"}`)

	tests := []struct {
		name         string
		allowMissing bool
		clientIP     string
		wantStatus   int
	}{
		{"allowed ip", false, "100.20.5.228", http.StatusOK},
		{"unknown ip", true, "203.0.113.9", http.StatusForbidden},
		{"missing header allowed", true, "", http.StatusOK},
		{"missing header rejected", false, "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			srv := newTestServer(settingsWith(func(s *config.Settings) {
				s.IPFilterEnabled = true
				s.AllowMissingClientIP = tt.allowMissing
			}), mocks.NewMockRelayer(ctrl))

			headers := map[string]string{"X-Forwarded-For": "100.20.5.228"}
			if tt.clientIP != "" {
				headers[security.DefaultClientIPHeader] = tt.clientIP
			}
			rec := send(srv, http.MethodPost, "/", body, headers)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusForbidden {
				assert.JSONEq(t, `{"error":"Forbidden"}`, rec.Body.String())
			}
		})
	}
}

func TestIPFilterRunsBeforeSignature(t *testing.T) {
	ctrl := gomock.NewController(t)
	srv := newTestServer(settingsWith(func(s *config.Settings) {
		s.IPFilterEnabled = true
		s.SignatureEnabled = true
	}), mocks.NewMockRelayer(ctrl))

	rec := send(srv, http.MethodPost, "/", []byte(`{}`), map[string]string{security.DefaultClientIPHeader: "198.51.100.1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	body := []byte(`{"event":"call_analyzed"}`)

	tests := []struct {
		name       string
		configured string
		provided   string
		wantStatus int
		wantError  string
	}{
		{"not configured", "", "anything", http.StatusInternalServerError, "Server misconfiguration"},
		{"missing", "s3cret", "", http.StatusUnauthorized, "Unauthorized"},
		{"wrong", "s3cret", "s3cre7", http.StatusUnauthorized, "Unauthorized"},
		{"correct", "s3cret", "s3cret", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			relayer := mocks.NewMockRelayer(ctrl)
			if tt.wantStatus == http.StatusOK {
				relayer.EXPECT().Forward(gomock.Any(), body, gomock.Any()).Return(relayed(http.StatusOK, `{"ok":true}`))
			}
			srv := newTestServer(settingsWith(func(s *config.Settings) {
				s.TokenAuthEnabled = true
				s.Token = tt.configured
				s.TokenHeader = "x-gateway-token"
			}), relayer)

			headers := map[string]string{}
			if tt.provided != "" {
				headers["X-Gateway-Token"] = tt.provided
			}
			rec := send(srv, http.MethodPost, "/", body, headers)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.JSONEq(t, `{"error":"`+tt.wantError+`"}`, rec.Body.String())
			}
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	for _, body := range []string{`not json`, `{"event":`, `["call_analyzed"]`, `"call_analyzed"`, ``} {
		t.Run(body, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			srv := newTestServer(settingsWith(nil), mocks.NewMockRelayer(ctrl))

			rec := send(srv, http.MethodPost, "/", []byte(body), nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"error":"Invalid JSON body"}`, rec.Body.String())
		})
	}
}

func TestUnexpectedIDShapesAreRelayed(t *testing.T) {
	for _, body := range []string{
		`{"event":"call_analyzed","call":{"call_id":123}}`,
		`{"event":"call_analyzed","call":"abc"}`,
		`{"event":"call_analyzed","chat":[1]}`,
	} {
		t.Run(body, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			relayer := mocks.NewMockRelayer(ctrl)
			relayer.EXPECT().Forward(gomock.Any(), []byte(body), gomock.Any()).Return(relayed(http.StatusOK, `{"ok":true}`))
			srv := newTestServer(settingsWith(nil), relayer)

			rec := send(srv, http.MethodPost, "/", []byte(body), nil)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		})
	}
}

func TestPayloadTooLarge(t *testing.T) {
	ctrl := gomock.NewController(t)
	srv := New(Config{MaxBodySize: 32}, settingsWith(nil), mocks.NewMockRelayer(ctrl), quietLogger())

	rec := send(srv, http.MethodPost, "/", []byte(`{"event":"call_analyzed","padding":"xxxxxxxx"}`), nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"Payload too large"}`, rec.Body.String())
}

func TestSettingsErrorYields500(t *testing.T) {
	ctrl := gomock.NewController(t)
	broken := func() (config.Settings, error) { return config.Settings{}, errors.New("N8N_WEBHOOK_URL is required") }
	srv := newTestServer(broken, mocks.NewMockRelayer(ctrl))

	rec := send(srv, http.MethodPost, "/", []byte(`{"event":"call_analyzed"}`), nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestRelayFailuresPassThrough(t *testing.T) {
	tests := []struct {
		name string
		resp relay.Response
	}{
		{"timeout", relay.Response{Status: http.StatusGatewayTimeout, ContentType: "application/json", Body: []byte(`{"error":"Gateway Timeout","detail":"downstream did not respond in time"}`), Outcome: relay.OutcomeTimeout}},
		{"unreachable", relay.Response{Status: http.StatusBadGateway, ContentType: "application/json", Body: []byte(`{"error":"Bad Gateway","detail":"failed to reach downstream"}`), Outcome: relay.OutcomeUnreachable}},
		{"downstream error", relayed(http.StatusInternalServerError, `{"message":"workflow failed"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			relayer := mocks.NewMockRelayer(ctrl)
			relayer.EXPECT().Forward(gomock.Any(), gomock.Any(), gomock.Any()).Return(tt.resp)
			srv := newTestServer(settingsWith(nil), relayer)

			rec := send(srv, http.MethodPost, "/", []byte(`{"event":"call_analyzed"}`), nil)

			assert.Equal(t, tt.resp.Status, rec.Code)
			assert.JSONEq(t, string(tt.resp.Body), rec.Body.String())
		})
	}
}

func TestRelayDestination(t *testing.T) {
	ctrl := gomock.NewController(t)
	body := []byte(`{"event":"call_analyzed","call":{"call_id":"c-7"}}`)

	relayer := mocks.NewMockRelayer(ctrl)
	relayer.EXPECT().
		Forward(gomock.Any(), body, relay.Destination{URL: testDownstream, Secret: "n8n-secret", RequestID: "caller-req-1"}).
		Return(relayed(http.StatusAccepted, `{}`))

	srv := newTestServer(settingsWith(nil), relayer)
	rec := send(srv, http.MethodPost, "/", body, map[string]string{"X-Request-Id": "caller-req-1"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "caller-req-1", rec.Header().Get("X-Request-Id"))
}

func TestOverlongRequestIDIsReplaced(t *testing.T) {
	ctrl := gomock.NewController(t)
	srv := newTestServer(settingsWith(nil), mocks.NewMockRelayer(ctrl))

	long := strings.Repeat("a", maxRequestIDLen+1)
	rec := send(srv, http.MethodGet, "/health", nil, map[string]string{"X-Request-Id": long})

	got := rec.Header().Get("X-Request-Id")
	assert.NotEqual(t, long, got)
	assert.Len(t, got, 36)
}

func TestPanicYieldsJSON500(t *testing.T) {
	ctrl := gomock.NewController(t)
	relayer := mocks.NewMockRelayer(ctrl)
	relayer.EXPECT().Forward(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, []byte, relay.Destination) relay.Response {
			panic("boom")
		})
	srv := newTestServer(settingsWith(nil), relayer)

	rec := send(srv, http.MethodPost, "/", []byte(`{"event":"call_analyzed"}`), nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestMetricsRecordOutcomes(t *testing.T) {
	ctrl := gomock.NewController(t)
	relayer := mocks.NewMockRelayer(ctrl)
	relayer.EXPECT().Forward(gomock.Any(), gomock.Any(), gomock.Any()).Return(relayed(http.StatusCreated, `{}`))

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	srv := newTestServer(settingsWith(func(s *config.Settings) { s.SignatureEnabled = true }), relayer, WithMetrics(metrics))

	analyzed := []byte(`{"event":"call_analyzed"}`)
	started := []byte(`{"event":"call_started"}`)
	send(srv, http.MethodPost, "/", analyzed, signed(analyzed, testNow))
	send(srv, http.MethodPost, "/", started, signed(started, testNow))
	send(srv, http.MethodPost, "/", analyzed, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("relayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("filtered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("missing_signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.relayResponses.WithLabelValues("201")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.relayDuration))
}

func TestTracingSpansPerStage(t *testing.T) {
	ctrl := gomock.NewController(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	srv := newTestServer(settingsWith(func(s *config.Settings) { s.IPFilterEnabled = true }),
		mocks.NewMockRelayer(ctrl), WithTracer(tp.Tracer("test")))

	rec := send(srv, http.MethodPost, "/", []byte(`{"event":"call_started"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{"webhook.ip_filter", "webhook.parse", "webhook.filter", "webhook.inbound"}, names)
}
