package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"finledger/internal/config"
	"finledger/internal/infrastructure/database"
	"finledger/pkg/response"

	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", LogLevel: "silent"}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ts := httptest.NewServer(SetupRouter(db, nil, cfg))
	t.Cleanup(ts.Close)
	return ts
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// doJSON 发请求并解析统一响应，out 非 nil 时解析 data
func doJSON(t *testing.T, method, url string, body any, out any) envelope {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s %s status=%d", method, url, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return env
}

func register(t *testing.T, ts *httptest.Server, alias string) string {
	t.Helper()
	var data struct {
		AccountID string `json:"account_id"`
	}
	env := doJSON(t, "POST", ts.URL+"/api/v1/account/register", gin.H{"alias": alias}, &data)
	if env.Code != response.CodeSuccess || data.AccountID == "" {
		t.Fatalf("register: %+v", env)
	}
	return data.AccountID
}

type balanceData struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Replayed  bool   `json:"replayed"`
}

func TestHTTPLedgerFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := register(t, ts, "alice@example.com")
	bob := register(t, ts, "bob@example.com")

	var bal balanceData
	env := doJSON(t, "POST", ts.URL+"/api/v1/account/deposit", gin.H{"account_id": alice, "amount": "100"}, &bal)
	if env.Code != response.CodeSuccess || bal.Balance != "100" {
		t.Fatalf("deposit: %+v %+v", env, bal)
	}

	env = doJSON(t, "POST", ts.URL+"/api/v1/account/withdraw", gin.H{"account_id": alice, "amount": 30}, &bal)
	if env.Code != response.CodeSuccess || bal.Balance != "70" {
		t.Fatalf("withdraw: %+v %+v", env, bal)
	}

	// 用别名转账
	var trf struct {
		TransferNo  string `json:"transfer_no"`
		ToAccountID string `json:"to_account_id"`
		FromBalance string `json:"from_balance"`
	}
	env = doJSON(t, "POST", ts.URL+"/api/v1/transfer/execute",
		gin.H{"from_account_id": alice, "to_alias": "bob@example.com", "amount": "50"}, &trf)
	if env.Code != response.CodeSuccess || trf.ToAccountID != bob || trf.FromBalance != "20" || trf.TransferNo == "" {
		t.Fatalf("transfer: %+v %+v", env, trf)
	}

	env = doJSON(t, "POST", ts.URL+"/api/v1/account/withdraw", gin.H{"account_id": alice, "amount": "25"}, nil)
	if env.Code != response.CodeBalanceNotEnough {
		t.Fatalf("withdraw over balance: code=%d want=%d", env.Code, response.CodeBalanceNotEnough)
	}

	env = doJSON(t, "POST", ts.URL+"/api/v1/purchase/execute", gin.H{
		"account_id": bob, "amount": "15", "item_name": "Lunch", "shop_name": "Deli", "category": "food", "quantity": 2,
	}, &bal)
	if env.Code != response.CodeSuccess || bal.Balance != "35" {
		t.Fatalf("purchase: %+v %+v", env, bal)
	}

	env = doJSON(t, "GET", ts.URL+"/api/v1/account/balance?account_id="+alice, nil, &bal)
	if env.Code != response.CodeSuccess || bal.Balance != "20" {
		t.Fatalf("balance: %+v %+v", env, bal)
	}

	var recent struct {
		List []struct {
			Kind      string `json:"kind"`
			Label     string `json:"label"`
			Direction string `json:"direction"`
			ItemName  string `json:"item_name"`
			Quantity  int    `json:"quantity"`
		} `json:"list"`
		Total int `json:"total"`
	}
	doJSON(t, "GET", ts.URL+"/api/v1/history/recent?account_id="+bob, nil, &recent)
	if recent.Total != 2 || recent.List[0].ItemName != "Lunch" || recent.List[0].Quantity != 2 || recent.List[1].Direction != "from" {
		t.Fatalf("recent history: %+v", recent)
	}

	env = doJSON(t, "GET", ts.URL+"/api/v1/history/recent?account_id="+bob+"&limit=1099511627776", nil, &recent)
	if env.Code != response.CodeSuccess || recent.Total != 2 {
		t.Fatalf("huge limit: %+v %+v", env, recent)
	}

	doJSON(t, "GET", ts.URL+"/api/v1/history/purchases?account_id="+bob, nil, &recent)
	if recent.Total != 1 || recent.List[0].Label != "Purchase" {
		t.Fatalf("purchase history: %+v", recent)
	}

	var monthly map[string]map[string]string
	doJSON(t, "GET", ts.URL+"/api/v1/history/monthly?account_id="+bob+"&months=1", nil, &monthly)
	if len(monthly) != 1 {
		t.Fatalf("monthly: %+v", monthly)
	}
	for _, byCategory := range monthly {
		if byCategory["food"] != "15" {
			t.Fatalf("monthly food: %+v", byCategory)
		}
	}
}

func TestHTTPErrorCodes(t *testing.T) {
	ts := newTestServer(t)
	a := register(t, ts, "")
	b := register(t, ts, "")
	doJSON(t, "POST", ts.URL+"/api/v1/account/deposit", gin.H{"account_id": a, "amount": "10"}, nil)

	cases := []struct {
		name string
		path string
		body gin.H
		want int
	}{
		{"bad amount", "/api/v1/account/deposit", gin.H{"account_id": a, "amount": "-1"}, response.CodeInvalidAmount},
		{"too precise", "/api/v1/account/withdraw", gin.H{"account_id": a, "amount": "0.00001"}, response.CodeInvalidAmount},
		{"missing account id", "/api/v1/account/deposit", gin.H{"amount": "1"}, response.CodeParamError},
		{"unknown account", "/api/v1/account/deposit", gin.H{"account_id": "nope", "amount": "1"}, response.CodeAccountNotFound},
		{"same account", "/api/v1/transfer/execute", gin.H{"from_account_id": a, "to_account_id": a, "amount": "1"}, response.CodeSameAccount},
		{"no recipient", "/api/v1/transfer/execute", gin.H{"from_account_id": a, "amount": "1"}, response.CodeParamError},
		{"unknown alias", "/api/v1/transfer/execute", gin.H{"from_account_id": a, "to_alias": "ghost@example.com", "amount": "1"}, response.CodeRecipientNotFound},
		{"unknown recipient", "/api/v1/transfer/execute", gin.H{"from_account_id": a, "to_account_id": "ghost", "amount": "1"}, response.CodeRecipientNotFound},
		{"insufficient", "/api/v1/transfer/execute", gin.H{"from_account_id": a, "to_account_id": b, "amount": "11"}, response.CodeBalanceNotEnough},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := doJSON(t, "POST", ts.URL+c.path, c.body, nil)
			if env.Code != c.want {
				t.Fatalf("code=%d want=%d (%s)", env.Code, c.want, env.Message)
			}
		})
	}

	if env := doJSON(t, "GET", ts.URL+"/api/v1/account/balance", nil, nil); env.Code != response.CodeParamError {
		t.Fatalf("balance without id: code=%d", env.Code)
	}
	if env := doJSON(t, "GET", ts.URL+"/api/v1/history/recent", nil, nil); env.Code != response.CodeParamError {
		t.Fatalf("history without id: code=%d", env.Code)
	}
	if env := doJSON(t, "POST", ts.URL+"/api/v1/account/register", gin.H{"alias": "dup@example.com"}, nil); env.Code != response.CodeSuccess {
		t.Fatalf("register: code=%d", env.Code)
	}
	if env := doJSON(t, "POST", ts.URL+"/api/v1/account/register", gin.H{"alias": "dup@example.com"}, nil); env.Code == response.CodeSuccess {
		t.Fatal("duplicate alias should be rejected")
	}
}

func TestHTTPIdempotencyKeyHeader(t *testing.T) {
	ts := newTestServer(t)
	a := register(t, ts, "")

	post := func() balanceData {
		t.Helper()
		body, _ := json.Marshal(gin.H{"account_id": a, "amount": "40"})
		req, _ := http.NewRequest("POST", ts.URL+"/api/v1/account/deposit", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "key-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var env envelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		var bal balanceData
		_ = json.Unmarshal(env.Data, &bal)
		return bal
	}

	first := post()
	second := post()
	if first.Balance != "40" || first.Replayed {
		t.Fatalf("first = %+v", first)
	}
	if second.Balance != "40" || !second.Replayed {
		t.Fatalf("second = %+v", second)
	}
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/api/v1/account/deposit", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight status=%d headers=%v", resp.StatusCode, resp.Header)
	}
}
