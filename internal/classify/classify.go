// Package classify maps a settled checkout exchange to a verdict. It is pure:
// no logging, no clock, no I/O.
package classify

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"rushorder/internal/retry"
)

const summaryLen = 100

// Exchange is one settled request against one endpoint. StatusCode is zero
// when no response was received, in which case Err and Code are set.
type Exchange struct {
	Endpoint   string
	StatusCode int
	Body       []byte
	Err        error
	Code       string
	Timeout    time.Duration
}

type Verdict struct {
	Success bool
	// OrderID is empty for a success the server acknowledged without an
	// order number.
	OrderID  string
	Message  string
	TimedOut bool
	// Unknown marks a response whose shape matched nothing we recognise.
	Unknown bool
	Summary string
}

type extractor struct {
	path string
}

func (e extractor) extract(doc gjson.Result) (string, bool) {
	v := doc.Get(e.path)
	if !v.Exists() || v.Type == gjson.Null {
		return "", false
	}
	s := strings.TrimSpace(v.String())
	return s, s != ""
}

// Order matters: the first hit decides the order id.
var orderIDChain = []extractor{
	{"order_sn"},
	{"data.order_sn"},
	{"order_info.order_sn"},
	{"result.order_sn"},
}

// Order matters: the first hit is the message shown to the operator.
var messageChain = []extractor{
	{"error_payload.view_object.title"},
	{"title"},
	{"error_msg"},
	{"msg"},
}

var errorCodeChain = []extractor{
	{"error_code"},
	{"code"},
}

var transportReasons = map[string]string{
	retry.CodeConnAborted: "request timed out",
	retry.CodeConnRefused: "connection refused",
	retry.CodeNotFound:    "DNS lookup failed",
	retry.CodeTimedOut:    "request timed out",
	retry.CodeBrokenPipe:  "connection interrupted",
	retry.CodeConnReset:   "connection reset",
}

func first(chain []extractor, doc gjson.Result) (string, int) {
	for i, e := range chain {
		if v, ok := e.extract(doc); ok {
			return v, i
		}
	}
	return "", -1
}

// OrderID returns the order number by precedence, or "".
func OrderID(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	v, _ := first(orderIDChain, gjson.ParseBytes(body))
	return v
}

// ErrorMessage returns the human message by precedence, falling back to a
// truncated body summary.
func ErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if v, i := first(messageChain, gjson.ParseBytes(body)); i >= 0 {
			return v
		}
	}
	return Summarize(body)
}

// TransportReason gives the fixed operator text for a transport error code.
func TransportReason(code string) string {
	if r, ok := transportReasons[code]; ok {
		return r
	}
	return "request error"
}

// Summarize truncates body to a short single line.
func Summarize(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	r := []rune(s)
	if len(r) > summaryLen {
		return string(r[:summaryLen])
	}
	return s
}

func Classify(ex Exchange) Verdict {
	if ex.StatusCode == 0 {
		return transport(ex)
	}

	valid := gjson.ValidBytes(ex.Body)
	var doc gjson.Result
	if valid {
		doc = gjson.ParseBytes(ex.Body)
	}

	if valid && ex.StatusCode < http.StatusBadRequest {
		if id, i := first(orderIDChain, doc); i >= 0 {
			return Verdict{Success: true, OrderID: id, Message: fmt.Sprintf("order created [%s]: %s", ex.Endpoint, id)}
		}
		if ex.StatusCode == http.StatusOK && reportsSuccess(doc) {
			return Verdict{Success: true, Message: fmt.Sprintf("order submitted [%s]", ex.Endpoint)}
		}
	}

	code := ""
	if valid {
		code, _ = first(errorCodeChain, doc)
	}

	switch {
	case ex.StatusCode == http.StatusForbidden:
		msg := fmt.Sprintf("[%s] HTTP 403", ex.Endpoint)
		if v, i := first(messageChain, doc); valid && i >= 0 {
			msg += " - " + v
		} else {
			msg += " forbidden"
		}
		if code != "" {
			msg += fmt.Sprintf(" (code: %s)", code)
		}
		return Verdict{Message: msg, Summary: Summarize(ex.Body)}

	case ex.StatusCode >= http.StatusBadRequest:
		msg := fmt.Sprintf("[%s] HTTP %d", ex.Endpoint, ex.StatusCode)
		if v, i := first(messageChain, doc); valid && i >= 0 {
			msg += " - " + v
		}
		return Verdict{Message: msg, Summary: Summarize(ex.Body)}
	}

	v, i := first(messageChain, doc)
	if !valid || i < 0 {
		summary := Summarize(ex.Body)
		return Verdict{
			Message: fmt.Sprintf("[%s] unknown response: %s", ex.Endpoint, summary),
			Unknown: true,
			Summary: summary,
		}
	}

	// a title doubles as the message; bare messages get a generic title
	title, detail := "failed", v
	if i <= 1 {
		title = v
	}
	msg := fmt.Sprintf("[%s] %s", ex.Endpoint, title)
	if code != "" {
		msg += fmt.Sprintf(" (code: %s)", code)
	}
	if detail != title {
		msg += " - " + detail
	}
	return Verdict{Message: msg, Summary: Summarize(ex.Body)}
}

func reportsSuccess(doc gjson.Result) bool {
	if s := doc.Get("success"); s.Type == gjson.True {
		return true
	}
	if doc.Get("status").String() == "success" {
		return true
	}
	r := doc.Get("result")
	return r.Exists() && r.Type != gjson.Null
}

func transport(ex Exchange) Verdict {
	code := ex.Code
	if code == "" {
		code = retry.ErrorCode(ex.Err)
	}
	if retry.IsTimeout(code) {
		return Verdict{
			Message:  fmt.Sprintf("[%s] request timed out (%dms)", ex.Endpoint, ex.Timeout.Milliseconds()),
			TimedOut: true,
		}
	}
	if code == "" {
		code = retry.CodeUnknown
	}
	msg := fmt.Sprintf("[%s] %s: %s", ex.Endpoint, code, TransportReason(code))
	if ex.Err != nil {
		msg += ", error: " + ex.Err.Error()
	}
	return Verdict{Message: msg}
}
