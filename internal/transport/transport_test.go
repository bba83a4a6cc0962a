package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
)

type fakeHandler struct {
	fn func(id grain.Identity, method string, args []byte) ([]byte, error)
}

func (h *fakeHandler) HandleInvoke(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error) {
	return h.fn(id, method, args)
}

func startServer(t *testing.T, fn func(id grain.Identity, method string, args []byte) ([]byte, error)) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(&fakeHandler{fn: fn}).Router())
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}

func TestInvokeRoundTrip(t *testing.T) {
	endpoint := startServer(t, func(id grain.Identity, method string, args []byte) ([]byte, error) {
		assert.Equal(t, "inventory", id.Type)
		assert.Equal(t, "List", method)
		assert.Equal(t, []byte(`{"n":1}`), args)
		return []byte(`["item"]`), nil
	})

	data, err := NewClient().Invoke(context.Background(),
		endpoint, grain.StringKey("inventory", "a"), "List", []byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, `["item"]`, string(data))
}

func TestErrorKindSurvivesTheWire(t *testing.T) {
	endpoint := startServer(t, func(id grain.Identity, method string, args []byte) ([]byte, error) {
		switch method {
		case "NotFound":
			return nil, errs.Application("not_found", "no such thing")
		case "Busy":
			return nil, errs.Transient("mailbox full")
		default:
			return nil, errs.Auth("forbidden", "admin session required")
		}
	})
	client := NewClient()
	ctx := context.Background()
	id := grain.StringKey("inventory", "a")

	_, err := client.Invoke(ctx, endpoint, id, "NotFound", nil)
	require.Error(t, err)
	var terr *errs.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, errs.KindApplication, terr.Kind)
	assert.Equal(t, "not_found", terr.Code)

	_, err = client.Invoke(ctx, endpoint, id, "Busy", nil)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err), "the caller's retry loop depends on this")

	_, err = client.Invoke(ctx, endpoint, id, "Forbidden", nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestUnreachablePeerIsTransient(t *testing.T) {
	_, err := NewClient().Invoke(context.Background(),
		"127.0.0.1:1", grain.StringKey("inventory", "a"), "List", nil)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestHealthz(t *testing.T) {
	endpoint := startServer(t, func(grain.Identity, string, []byte) ([]byte, error) {
		return nil, nil
	})
	resp, err := http.Get("http://" + endpoint + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBadRequestBody(t *testing.T) {
	endpoint := startServer(t, func(grain.Identity, string, []byte) ([]byte, error) {
		t.Error("handler must not run")
		return nil, nil
	})
	resp, err := http.Post("http://"+endpoint+"/invoke", "application/json",
		nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
