package escrow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCreateTransactionEndpoint(t *testing.T) {
	r, _ := newTestRouter()

	w := do(t, r, http.MethodPost, "/v1/transactions", map[string]interface{}{
		"productId":  "prod_driver9",
		"buyerId":    "buyer_1",
		"sellerId":   "seller_1",
		"amount":     "250.00",
		"sellerTier": "pro",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decode(t, w)
	tx := resp["transaction"].(map[string]interface{})
	hold := resp["hold"].(map[string]interface{})
	assert.Contains(t, tx["id"], "txn_")
	assert.Equal(t, float64(25000), tx["grossAmount"])
	assert.Equal(t, "GBP", tx["currency"])
	assert.Equal(t, "held", hold["status"])
}

func TestCreateTransactionEndpoint_Validation(t *testing.T) {
	r, _ := newTestRouter()

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing seller", map[string]interface{}{
			"productId": "prod_1", "buyerId": "buyer_1", "amount": "10.00",
		}},
		{"zero amount", map[string]interface{}{
			"productId": "prod_1", "buyerId": "buyer_1", "sellerId": "seller_1", "amount": "0.00",
		}},
		{"negative amount", map[string]interface{}{
			"productId": "prod_1", "buyerId": "buyer_1", "sellerId": "seller_1", "amount": "-5.00",
		}},
		{"malformed amount", map[string]interface{}{
			"productId": "prod_1", "buyerId": "buyer_1", "sellerId": "seller_1", "amount": "ten quid",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/v1/transactions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestTransactionLifecycleEndpoints(t *testing.T) {
	r, _ := newTestRouter()

	w := do(t, r, http.MethodPost, "/v1/transactions", map[string]interface{}{
		"productId": "prod_putter3",
		"buyerId":   "buyer_2",
		"sellerId":  "seller_2",
		"amount":    "80.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["transaction"].(map[string]interface{})["id"].(string)

	w = do(t, r, http.MethodPost, "/v1/transactions/"+id+"/ship", map[string]interface{}{
		"trackingNumber": "TRK900", "carrier": "dpd",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "shipped", decode(t, w)["hold"].(map[string]interface{})["status"])

	w = do(t, r, http.MethodPost, "/v1/transactions/"+id+"/deliver", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/v1/transactions/"+id+"/confirm", map[string]interface{}{
		"satisfied": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "released", decode(t, w)["hold"].(map[string]interface{})["status"])

	w = do(t, r, http.MethodGet, "/v1/transactions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "80.00", resp["grossAmount"])
	assert.Equal(t, "released", resp["hold"].(map[string]interface{})["status"])
}

func TestTransitionErrorMapping(t *testing.T) {
	r, _ := newTestRouter()

	w := do(t, r, http.MethodGet, "/v1/transactions/txn_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])

	w = do(t, r, http.MethodPost, "/v1/transactions/"+createTxID(t, r)+"/confirm", map[string]interface{}{
		"satisfied": true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_transition", decode(t, w)["error"])

	// ship without tracking number is a binding failure, not a transition
	w = do(t, r, http.MethodPost, "/v1/transactions/"+createTxID(t, r)+"/ship", map[string]interface{}{
		"carrier": "dpd",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDisputeEndpoints(t *testing.T) {
	r, _ := newTestRouter()

	id := createTxID(t, r)
	w := do(t, r, http.MethodPost, "/v1/transactions/"+id+"/ship", map[string]interface{}{
		"trackingNumber": "TRK901", "carrier": "royal-mail",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/v1/transactions/"+id+"/confirm", map[string]interface{}{
		"satisfied": false, "notes": "head cover missing",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disputed", decode(t, w)["hold"].(map[string]interface{})["status"])

	// disputed holds reject further buyer actions
	w = do(t, r, http.MethodPost, "/v1/transactions/"+id+"/confirm", map[string]interface{}{
		"satisfied": true,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_disputed", decode(t, w)["error"])

	w = do(t, r, http.MethodPost, "/v1/transactions/"+id+"/adjudicate", map[string]interface{}{
		"outcome": "reversed",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reversed", decode(t, w)["hold"].(map[string]interface{})["status"])
}

func TestListSellerTransactionsEndpoint(t *testing.T) {
	r, _ := newTestRouter()

	for i := 0; i < 3; i++ {
		w := do(t, r, http.MethodPost, "/v1/transactions", map[string]interface{}{
			"productId": fmt.Sprintf("prod_%d", i),
			"buyerId":   "buyer_3",
			"sellerId":  "seller_list",
			"amount":    "10.00",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, r, http.MethodGet, "/v1/sellers/seller_list/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(2), resp["count"])
	assert.Equal(t, true, resp["hasMore"])
	cursor := resp["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	w = do(t, r, http.MethodGet, "/v1/sellers/seller_list/transactions?limit=2&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Equal(t, float64(1), resp["count"])
	assert.Equal(t, false, resp["hasMore"])
	assert.NotContains(t, resp, "nextCursor")
}

func createTxID(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := do(t, r, http.MethodPost, "/v1/transactions", map[string]interface{}{
		"productId": "prod_wedge",
		"buyerId":   "buyer_9",
		"sellerId":  "seller_9",
		"amount":    "45.00",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	return decode(t, w)["transaction"].(map[string]interface{})["id"].(string)
}
