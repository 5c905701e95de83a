package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/deepcode-reasoning/reasoning-server/internal/errs"
)

type fakeDispatcher struct {
	result any
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, tool string, params json.RawMessage) (any, error) {
	return f.result, f.err
}

func runOneLine(t *testing.T, d Dispatcher, line string) Response {
	t.Helper()
	in := strings.NewReader(line + "\n")
	var out bytes.Buffer
	srv := NewServer(in, &out, d, nil, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Serve(ctx); err != nil && err != context.DeadlineExceeded {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", out.String(), err)
	}
	return resp
}

func TestServerDispatchesSuccess(t *testing.T) {
	d := &fakeDispatcher{result: map[string]string{"status": "success"}}
	resp := runOneLine(t, d, `{"jsonrpc":"2.0","id":1,"method":"health_check","params":{}}`)

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.ID != float64(1) {
		t.Fatalf("expected id to round-trip, got %v", resp.ID)
	}
}

func TestServerMapsInvalidArguments(t *testing.T) {
	d := &fakeDispatcher{err: errs.InvalidArguments("focus.files", "must not be empty")}
	resp := runOneLine(t, d, `{"jsonrpc":"2.0","id":2,"method":"escalate_analysis","params":{}}`)

	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("expected invalid-params error, got %+v", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "invalid-arguments") {
		t.Fatalf("expected stable category prefix, got %q", resp.Error.Message)
	}
}

func TestServerMapsUnknownMethod(t *testing.T) {
	d := &fakeDispatcher{err: errs.MethodNotFound("not_a_tool")}
	resp := runOneLine(t, d, `{"jsonrpc":"2.0","id":3,"method":"not_a_tool","params":{}}`)

	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestServerRejectsMalformedJSON(t *testing.T) {
	d := &fakeDispatcher{}
	resp := runOneLine(t, d, `not json`)

	if resp.Error == nil || resp.Error.Code != ErrCodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}
