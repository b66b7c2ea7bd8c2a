package classify

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"rushorder/internal/retry"
)

func TestOrderIDPrecedence(t *testing.T) {
	testCases := []struct {
		name string
		body string
		want string
	}{
		{"top level", `{"order_sn":"A","data":{"order_sn":"B"}}`, "A"},
		{"data", `{"data":{"order_sn":"B"},"order_info":{"order_sn":"C"}}`, "B"},
		{"order_info", `{"order_info":{"order_sn":"C"},"result":{"order_sn":"D"}}`, "C"},
		{"result", `{"result":{"order_sn":"D"}}`, "D"},
		{"numeric", `{"order_sn":12345}`, "12345"},
		{"empty top level falls through", `{"order_sn":"","data":{"order_sn":"B"}}`, "B"},
		{"none", `{"msg":"x"}`, ""},
		{"not json", `<html>`, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, OrderID([]byte(tc.body)))
		})
	}
}

func TestErrorMessagePrecedence(t *testing.T) {
	testCases := []struct {
		name string
		body string
		want string
	}{
		{"view object title wins", `{"error_payload":{"view_object":{"title":"VO"}},"title":"T","error_msg":"E","msg":"M"}`, "VO"},
		{"title", `{"title":"T","error_msg":"E","msg":"M"}`, "T"},
		{"error_msg", `{"error_msg":"E","msg":"M"}`, "E"},
		{"msg", `{"msg":"M"}`, "M"},
		{"fallback summary", `{"foo":"bar"}`, `{"foo":"bar"}`},
		{"non json", "gateway   exploded\n", "gateway exploded"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ErrorMessage([]byte(tc.body)))
		})
	}
}

func TestClassifySuccess(t *testing.T) {
	v := Classify(Exchange{Endpoint: "order", StatusCode: 200, Body: []byte(`{"order_info":{"order_sn":"X"}}`)})
	assert.True(t, v.Success)
	assert.Equal(t, "X", v.OrderID)
	assert.Equal(t, "order created [order]: X", v.Message)
}

func TestClassifySuccessWithoutOrderID(t *testing.T) {
	for _, body := range []string{`{"success":true}`, `{"status":"success"}`, `{"result":{}}`} {
		v := Classify(Exchange{Endpoint: "order", StatusCode: 200, Body: []byte(body)})
		assert.True(t, v.Success, body)
		assert.Empty(t, v.OrderID, body)
		assert.Equal(t, "order submitted [order]", v.Message)
	}

	// only a plain 200 counts as an acknowledged submission
	v := Classify(Exchange{Endpoint: "order", StatusCode: 202, Body: []byte(`{"success":true}`)})
	assert.False(t, v.Success)
}

func TestClassifyForbidden(t *testing.T) {
	v := Classify(Exchange{
		Endpoint:   "order",
		StatusCode: 403,
		Body:       []byte(`{"error_payload":{"view_object":{"title":"risk control"}},"error_code":54001}`),
	})
	assert.False(t, v.Success)
	assert.Equal(t, "[order] HTTP 403 - risk control (code: 54001)", v.Message)

	v = Classify(Exchange{Endpoint: "order", StatusCode: 403, Body: []byte(`nope`)})
	assert.Equal(t, "[order] HTTP 403 forbidden", v.Message)
}

func TestClassifyHTTPError(t *testing.T) {
	v := Classify(Exchange{Endpoint: "order_and_prepay", StatusCode: 500, Body: []byte(`{"msg":"busy"}`)})
	assert.Equal(t, "[order_and_prepay] HTTP 500 - busy", v.Message)

	v = Classify(Exchange{Endpoint: "order_and_prepay", StatusCode: 502})
	assert.Equal(t, "[order_and_prepay] HTTP 502", v.Message)
}

func TestClassifyBusinessFailure(t *testing.T) {
	testCases := []struct {
		body string
		want string
	}{
		{`{"error_payload":{"view_object":{"title":"sold out"}},"error_code":1}`, "[order] sold out (code: 1)"},
		{`{"title":"limit reached"}`, "[order] limit reached"},
		{`{"error_msg":"address missing","code":"A1"}`, "[order] failed (code: A1) - address missing"},
		{`{"msg":"try later"}`, "[order] failed - try later"},
	}
	for _, tc := range testCases {
		v := Classify(Exchange{Endpoint: "order", StatusCode: 200, Body: []byte(tc.body)})
		assert.False(t, v.Success)
		assert.False(t, v.Unknown)
		assert.Equal(t, tc.want, v.Message)
	}
}

func TestClassifyUnknownShape(t *testing.T) {
	body := `{"foo":"` + strings.Repeat("x", 300) + `"}`
	v := Classify(Exchange{Endpoint: "order", StatusCode: 200, Body: []byte(body)})
	assert.True(t, v.Unknown)
	assert.Len(t, v.Summary, summaryLen)
	assert.True(t, strings.HasPrefix(v.Message, "[order] unknown response: {\"foo\""))
}

func TestClassifyTransport(t *testing.T) {
	v := Classify(Exchange{Endpoint: "order", Code: retry.CodeConnAborted, Err: errors.New("deadline"), Timeout: 15 * time.Second})
	assert.True(t, v.TimedOut)
	assert.Equal(t, "[order] request timed out (15000ms)", v.Message)

	v = Classify(Exchange{Endpoint: "order", Code: retry.CodeConnRefused, Err: errors.New("dial tcp: refused")})
	assert.False(t, v.TimedOut)
	assert.Equal(t, "[order] ECONNREFUSED: connection refused, error: dial tcp: refused", v.Message)

	v = Classify(Exchange{Endpoint: "order", Err: errors.New("weird")})
	assert.Equal(t, "[order] UNKNOWN: request error, error: weird", v.Message)
}

func TestTransportReason(t *testing.T) {
	assert.Equal(t, "DNS lookup failed", TransportReason(retry.CodeNotFound))
	assert.Equal(t, "connection reset", TransportReason(retry.CodeConnReset))
	assert.Equal(t, "request error", TransportReason("EWHATEVER"))
}
