package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otpd/otpd/api"
	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/identity"
	"github.com/otpd/otpd/storage/memory"
	"github.com/otpd/otpd/token"
	"github.com/otpd/otpd/validate"
)

var hotpKey = []byte("12345678901234567890")

type testConfig struct{}

func (testConfig) RealmResolvers(realm string) ([]string, error) {
	if realm == "corp" {
		return []string{"ldap-main"}, nil
	}
	return nil, nil
}

func (testConfig) ResolverConfig(string) (map[string]string, error) {
	return map[string]string{"uri": "ldap://test"}, nil
}

type testDirectory struct{}

func (testDirectory) LookupByLogin(_ context.Context, login, _ string) (*identity.Record, error) {
	if login == "alice" {
		return &identity.Record{UID: "u1", Login: "alice"}, nil
	}
	return nil, identity.ErrNotFound
}

func (testDirectory) LookupByID(_ context.Context, uid, _ string) (*identity.Record, error) {
	if uid == "u1" {
		return &identity.Record{UID: "u1", Login: "alice"}, nil
	}
	return nil, identity.ErrNotFound
}

func (testDirectory) CheckPassword(_ context.Context, _, _, password string) (bool, error) {
	return password == "hunter2", nil
}

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	tokens, err := token.NewStore(memory.NewRepository(), key)
	require.NoError(t, err)

	handler := validate.NewHandler(tokens, challenge.NewMemoryStore(4),
		identity.NewResolver(testDirectory{}, testConfig{}),
		slog.New(slog.DiscardHandler),
		validate.Config{ChallengeTTL: 2 * time.Minute, TANLength: 8})

	a := api.New(handler, api.WithLogger(slog.New(slog.DiscardHandler)))
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	return httptest.NewServer(r)
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func enrollHOTP(t *testing.T, baseURL string) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/v1/admin/init", api.EnrollRequest{
		Type:  "hmac",
		PIN:   "1234",
		User:  "alice",
		Realm: "corp",
		Key:   hex.EncodeToString(hotpKey),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.EnrollResponse](t, resp).Serial
}

func TestCheckAccepted(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()
	serial := enrollHOTP(t, srv.URL)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check", api.CheckRequest{
		User: "alice", Realm: "corp", Pass: "1234755224",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[api.CheckResponse](t, resp)
	assert.True(t, out.Value)
	assert.Equal(t, serial, out.Serial)
	assert.Nil(t, out.Detail)
}

func TestCheckRejected(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()
	enrollHOTP(t, srv.URL)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check", api.CheckRequest{
		User: "alice", Realm: "corp", Pass: "1234000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[api.CheckResponse](t, resp).Value)
}

func TestCheckUnknownUser(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check", api.CheckRequest{
		User: "mallory", Realm: "corp", Pass: "x",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckMissingUser(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check", api.CheckRequest{Pass: "x"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckSerialEndpoint(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()
	serial := enrollHOTP(t, srv.URL)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check_s", api.CheckSerialRequest{
		Serial: serial, Pass: "1234755224",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[api.CheckResponse](t, resp).Value)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check_s", api.CheckSerialRequest{
		Serial: "UNKNOWN", Pass: "x",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChallengeFlow(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/init", api.EnrollRequest{
		Type:  "ocra2",
		PIN:   "1234",
		User:  "alice",
		Realm: "corp",
		Key:   hex.EncodeToString(hotpKey),
		Suite: "OCRA-1:HOTP-SHA1-6:QN08",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	serial := decode[api.EnrollResponse](t, resp).Serial

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check", api.CheckRequest{
		User: "alice", Realm: "corp", Pass: "1234", Data: "transfer 100 EUR",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[api.CheckResponse](t, resp)
	require.False(t, out.Value)
	require.NotNil(t, out.Detail)
	require.Len(t, out.Detail.TransactionIDs, 1)
	assert.Equal(t, "transfer 100 EUR", out.Detail.Message)
	require.Len(t, out.Detail.Challenges, 1)
	question := out.Detail.Challenges[0].Data["question"]
	require.NotEmpty(t, question)

	// The status poll sees the open challenge without consuming it.
	statusURL := srv.URL + "/api/v1/validate/check_status?transaction_id=" + out.Detail.TransactionID
	resp = doJSON(t, http.MethodGet, statusURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[api.CheckStatusResponse](t, resp)
	require.Len(t, status.Transactions, 1)
	assert.Equal(t, "open", status.Transactions[0].State)
	assert.Equal(t, serial, status.Transactions[0].Serial)

	// Wrong answer leaves the challenge open.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check_t", api.CheckTransactionRequest{
		TransactionID: out.Detail.TransactionIDs[0], Pass: "000001",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[api.CheckResponse](t, resp).Value)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/check_t", api.CheckTransactionRequest{
		TransactionID: out.Detail.TransactionIDs[0], Pass: ocraAnswer(t, question),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	answered := decode[api.CheckResponse](t, resp)
	assert.True(t, answered.Value)
	assert.Equal(t, serial, answered.Serial)

	// The resolved challenge is gone.
	resp = doJSON(t, http.MethodGet, statusURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = decode[api.CheckStatusResponse](t, resp)
	require.Len(t, status.Transactions, 1)
	assert.Equal(t, "answered", status.Transactions[0].State)
	assert.True(t, status.Transactions[0].Accepted)
}

func TestCheckStatusUnknown(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/validate/check_status?transaction_id=123456789012", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPairMalformed(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/validate/pair", api.PairRequest{
		PairingResponse: "not-a-response",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnrollQRReturnsPairingURL(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/init", api.EnrollRequest{
		Type: "qr", User: "alice", Realm: "corp",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[api.EnrollResponse](t, resp)
	assert.Contains(t, out.PairingURL, "lseqr://pair/")
}

func TestEnrollUnknownType(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/init", api.EnrollRequest{Type: "magic"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnrollDuplicateSerial(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	for i, want := range []int{http.StatusCreated, http.StatusConflict} {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/init", api.EnrollRequest{
			Type: "spass", Serial: "SP001",
		})
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, "attempt %d", i)
	}
}

func TestResyncEndpoint(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()
	serial := enrollHOTP(t, srv.URL)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/resync", api.ResyncRequest{
		Serial: serial, OTP1: "254676", OTP2: "287922",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[api.ResyncResponse](t, resp).Value)
}

func TestUnpairWrongKind(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()
	serial := enrollHOTP(t, srv.URL)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/unpair", api.UnpairRequest{Serial: serial})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBadJSONBody(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost,
		srv.URL+"/api/v1/validate/check", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "otpd API")
}

// ocraAnswer computes the RFC 6287 response for OCRA-1:HOTP-SHA1-6:QN08.
func ocraAnswer(t *testing.T, question string) string {
	t.Helper()
	v, err := strconv.ParseUint(question, 10, 64)
	require.NoError(t, err)
	h := strconv.FormatUint(v, 16)
	if len(h)%2 == 1 {
		h += "0"
	}
	qBytes := make([]byte, 128)
	raw, err := hex.DecodeString(h)
	require.NoError(t, err)
	copy(qBytes, raw)

	mac := hmac.New(sha1.New, hotpKey)
	mac.Write([]byte("OCRA-1:HOTP-SHA1-6:QN08"))
	mac.Write([]byte{0})
	mac.Write(qBytes)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000)
}
