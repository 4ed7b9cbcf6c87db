package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gigescrow/internal/config"
	"gigescrow/internal/db"
	"gigescrow/internal/domain"
	"gigescrow/internal/engine"
	"gigescrow/internal/migrate"
	"gigescrow/internal/oracle"
	"gigescrow/internal/repo"
)

const testSecret = "test-secret"

var (
	depositor   = common.HexToAddress("0x00000000000000000000000000000000000c1e07")
	beneficiary = common.HexToAddress("0x0000000000000000000000000000000000f7ee10")
	stranger    = common.HexToAddress("0x000000000000000000000000000000000000dead")
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Oracle *oracle.Recorder
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rec := &oracle.Recorder{}
	e := engine.New(conn, cfg, rec)
	if err := e.EnsureOracleSettings(context.Background()); err != nil {
		t.Fatalf("seed oracle settings: %v", err)
	}
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Oracle: rec,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, addr common.Address) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, addr, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error body: %v (%s)", err, string(data))
	}
	return body.Error.Code
}

// fundAndCreate mints and approves amount for the depositor and creates a gig.
func fundAndCreate(t *testing.T, srv *testServer, amount string) GigResponse {
	t.Helper()
	client := srv.Client()
	admin := srv.Engine.Config.AdminAddress()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/ledger/mint", MintRequest{To: depositor.Hex(), Amount: amount}, bearer(t, admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mint status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/ledger/approve", ApproveRequest{Amount: amount}, bearer(t, depositor))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/gigs", CreateGigRequest{
		Beneficiary: beneficiary.Hex(),
		Amount:      amount,
		Scope:       "acme",
		Resource:    "widgets",
		Target:      "42",
	}, bearer(t, depositor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create gig status %d: %s", res.StatusCode, string(data))
	}
	var gig GigResponse
	if err := json.Unmarshal(data, &gig); err != nil {
		t.Fatalf("unmarshal gig: %v", err)
	}
	return gig
}

func TestVerifyAndReleaseFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	gig := fundAndCreate(t, srv, "1000")
	if !gig.Open || gig.Amount != "1000" || gig.Depositor != depositor.Hex() {
		t.Fatalf("unexpected gig: %+v", gig)
	}
	gigURL := srv.URL + "/v1/gigs/" + strconv.FormatInt(gig.ID, 10)

	res, data := doJSON(t, client, http.MethodPost, gigURL+"/verify", nil, bearer(t, beneficiary))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	if err := json.Unmarshal(data, &verify); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if last, ok := srv.Oracle.Last(); !ok || last.RequestID.Hex() != verify.RequestID {
		t.Fatalf("oracle did not receive request %s", verify.RequestID)
	}

	res, data = doJSON(t, client, http.MethodGet, gigURL, nil, bearer(t, stranger))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get gig status %d: %s", res.StatusCode, string(data))
	}
	var pending GigResponse
	_ = json.Unmarshal(data, &pending)
	if !pending.HasPending || pending.Pending == nil || pending.Pending.RequestID != verify.RequestID {
		t.Fatalf("expected pending request, got %+v", pending)
	}

	confirmed := true
	callback := CallbackRequest{RequestID: verify.RequestID, Outcome: CallbackOutcome{Confirmed: &confirmed}}
	oracleAuth := bearer(t, srv.Engine.Config.OracleAddress())
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/oracle/callbacks", callback, oracleAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("callback status %d: %s", res.StatusCode, string(data))
	}
	var resolution ResolutionResponse
	_ = json.Unmarshal(data, &resolution)
	if !resolution.Released || !resolution.Confirmed {
		t.Fatalf("expected release, got %+v", resolution)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/oracle/callbacks", callback, oracleAuth)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "unknown_request" {
		t.Fatalf("expected unknown_request on replay, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/ledger/"+beneficiary.Hex(), nil, bearer(t, beneficiary))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("account status %d: %s", res.StatusCode, string(data))
	}
	var acct AccountResponse
	_ = json.Unmarshal(data, &acct)
	if acct.Balance != "1000" {
		t.Fatalf("expected beneficiary balance 1000, got %s", acct.Balance)
	}

	res, data = doJSON(t, client, http.MethodPost, gigURL+"/verify", nil, bearer(t, depositor))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "gig_not_open" {
		t.Fatalf("expected gig_not_open, got %d %s", res.StatusCode, string(data))
	}
}

func TestVerifyConflictsAndForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	gig := fundAndCreate(t, srv, "50")
	gigURL := srv.URL + "/v1/gigs/" + strconv.FormatInt(gig.ID, 10)

	res, data := doJSON(t, client, http.MethodPost, gigURL+"/verify", nil, bearer(t, stranger))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, gigURL+"/verify", nil, bearer(t, depositor))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verify VerifyResponse
	_ = json.Unmarshal(data, &verify)

	res, data = doJSON(t, client, http.MethodPost, gigURL+"/verify", nil, bearer(t, beneficiary))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "verification_pending" {
		t.Fatalf("expected verification_pending, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, gigURL+"/cancel", nil, bearer(t, depositor))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected cancel conflict, got %d %s", res.StatusCode, string(data))
	}

	confirmed := true
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/oracle/callbacks", CallbackRequest{
		RequestID: verify.RequestID,
		Outcome:   CallbackOutcome{Confirmed: &confirmed},
	}, bearer(t, beneficiary))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-oracle callback, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/oracle/callbacks", CallbackRequest{
		RequestID: verify.RequestID,
	}, bearer(t, srv.Engine.Config.OracleAddress()))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty outcome, got %d %s", res.StatusCode, string(data))
	}
}

func TestCreateGigRejectsMissingAllowance(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/gigs", CreateGigRequest{
		Beneficiary: beneficiary.Hex(),
		Amount:      "10",
		Scope:       "acme",
		Resource:    "widgets",
		Target:      "1",
	}, bearer(t, depositor))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "custody_insufficient_authorization" {
		t.Fatalf("expected custody_insufficient_authorization, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/gigs", CreateGigRequest{
		Beneficiary: depositor.Hex(),
		Amount:      "10",
		Scope:       "acme",
		Resource:    "widgets",
		Target:      "1",
	}, bearer(t, depositor))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for self-dealing gig, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/gigs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/gigs", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}

	key := "gx_test_key"
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		Address: beneficiary.Hex(),
		Name:    "ci",
		KeyHash: repo.HashAPIKey(key),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.Address != beneficiary.Hex() || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", DevLoginRequest{Address: srv.Engine.Config.AdminAddress().Hex()}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with dev token status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &me)
	if len(me.Roles) != 1 || me.Roles[0] != "admin" {
		t.Fatalf("expected admin role, got %+v", me.Roles)
	}
}

func TestOracleTemplateRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/oracle/template", TemplateRequest{Template: "return true"}, bearer(t, stranger))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	admin := bearer(t, srv.Engine.Config.AdminAddress())
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/oracle/template", TemplateRequest{Template: "  "}, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank template, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/oracle/template", TemplateRequest{Template: "return true"}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set template status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/oracle/config", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("config status %d: %s", res.StatusCode, string(data))
	}
	var cfg OracleConfigResponse
	_ = json.Unmarshal(data, &cfg)
	if cfg.Template != "return true" || cfg.UpdatedBy != srv.Engine.Config.AdminAddress().Hex() {
		t.Fatalf("unexpected oracle config: %+v", cfg)
	}
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Gigescrow-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Secret: "s3cret",
		Events: []string{"gig.created"},
	}})
	ctx := context.Background()
	// Starts at the newest event; earlier history is not replayed.
	d.DispatchOnce(ctx)

	gig := fundAndCreate(t, srv, "5")
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d", len(received))
	}
	if received[0].Type != "gig.created" || received[0].GigID != gig.ID {
		t.Fatalf("unexpected delivery: %+v", received[0])
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("expected secret header, got %q", secrets[0])
	}
}

func TestListGigsOpenFilter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	gig := fundAndCreate(t, srv, "5")
	auth := bearer(t, depositor)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/gigs?open=yes", nil, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for open=yes, got %d %s", res.StatusCode, string(data))
	}

	for _, tc := range []struct {
		open string
		want int
	}{{"true", 1}, {"false", 0}, {"", 1}} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/gigs?open="+tc.open, nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("open=%q status %d: %s", tc.open, res.StatusCode, string(data))
		}
		var page paginatedGigs
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal gigs: %v", err)
		}
		if len(page.Items) != tc.want {
			t.Fatalf("open=%q: expected %d gigs, got %d", tc.open, tc.want, len(page.Items))
		}
		if tc.want == 1 && page.Items[0].ID != gig.ID {
			t.Fatalf("open=%q: unexpected gig %d", tc.open, page.Items[0].ID)
		}
	}
}
