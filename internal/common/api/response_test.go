package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPaginationParams(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=10&offset=20", nil)
	assert.Equal(t, PaginationParams{Limit: 10, Offset: 20}, GetPaginationParams(r, 50, 100))

	r = httptest.NewRequest(http.MethodGet, "/?limit=1000&offset=-1", nil)
	assert.Equal(t, PaginationParams{Limit: 50}, GetPaginationParams(r, 50, 100))
}

func TestPaginate(t *testing.T) {
	rec := httptest.NewRecorder()
	Paginate(rec, []int{1, 2, 3, 4, 5}, PaginationParams{Limit: 2, Offset: 2})

	var body PaginatedResponse[int]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []int{3, 4}, body.Data)
	assert.Equal(t, int64(5), body.Pagination.Total)
	assert.True(t, body.Pagination.HasMore)

	rec = httptest.NewRecorder()
	Paginate(rec, []int{1}, PaginationParams{Limit: 2, Offset: 5})
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Empty(t, body.Data)
	assert.False(t, body.Pagination.HasMore)
}

func TestDecodeAndValidate(t *testing.T) {
	type req struct {
		Name string `json:"name" validate:"required"`
		Kind string `json:"kind" validate:"omitempty,oneof=a b"`
	}

	var v req
	err := DecodeAndValidate(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"kind":"c"}`)), &v)
	require.Error(t, err)

	rec := httptest.NewRecorder()
	ValidationError(rec, err)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "This field is required")
	assert.Contains(t, rec.Body.String(), "Must be one of: a b")
}
