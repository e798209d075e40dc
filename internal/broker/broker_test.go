package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("status"))
		assert.Equal(t, "500", r.URL.Query().Get("limit"))
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"b-1","symbol":"AAPL","side":"buy","qty":"10","status":"filled"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "key", "secret")
	orders, err := c.GetOrders(context.Background(), "all", 500)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "b-1", orders[0].ID)
	assert.Equal(t, "filled", orders[0].Status)
}

func TestGetOrdersFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"forbidden"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", "").GetOrders(context.Background(), "all", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExternalSystem))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = NewClient("", "", "").GetOrders(context.Background(), "all", 10)
	assert.True(t, errors.Is(err, ErrExternalSystem))
}
