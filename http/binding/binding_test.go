package binding

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createReq struct {
	PluginID string         `json:"plugin_id" validate:"required"`
	EntryID  string         `json:"entry_id" validate:"required"`
	Args     map[string]any `json:"args"`
}

func TestJSON_DecodesAndValidates(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(
		`{"plugin_id":"p1","entry_id":"echo","args":{"text":"hi"}}`))
	var req createReq
	require.NoError(t, JSON(r, &req))
	assert.Equal(t, "p1", req.PluginID)
	assert.Equal(t, "hi", req.Args["text"])
}

func TestJSON_ReportsMissingFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"plugin_id":"p1"}`))
	var req createReq
	err := JSON(r, &req)
	require.Error(t, err)
	fields, ok := err.(FieldErrors)
	require.True(t, ok)
	require.Len(t, fields, 1)
	assert.Equal(t, "EntryID", fields[0].Field)
}

func TestJSON_RejectsEmptyAndMalformedBodies(t *testing.T) {
	var req createReq
	assert.Error(t, JSON(httptest.NewRequest("POST", "/", strings.NewReader("")), &req))
	assert.Error(t, JSON(httptest.NewRequest("POST", "/", strings.NewReader("{nope")), &req))
}

type listQuery struct {
	After  uint64   `query:"after"`
	Limit  int      `query:"limit" default:"100" validate:"gte=1,lte=1000"`
	Light  bool     `query:"light"`
	Topics []string `query:"topics"`
}

func TestQuery_BindsTypesAndDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/?after=42&light=true&topics=a,b&topics=c", nil)
	var q listQuery
	require.NoError(t, Query(r, &q))
	assert.Equal(t, uint64(42), q.After)
	assert.Equal(t, 100, q.Limit) // default applied
	assert.True(t, q.Light)
	assert.Equal(t, []string{"a", "b", "c"}, q.Topics)
}

func TestQuery_ValidatesRanges(t *testing.T) {
	r := httptest.NewRequest("GET", "/?limit=5000", nil)
	var q listQuery
	assert.Error(t, Query(r, &q))

	r = httptest.NewRequest("GET", "/?after=notanumber", nil)
	var q2 listQuery
	assert.Error(t, Query(r, &q2))
}
