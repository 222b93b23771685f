package courier

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raskyld/courier/pkg/codec"
	"github.com/stretchr/testify/require"
)

func TestHTTPGateway(t *testing.T) {
	srv, err := NewServer(echoServices(), WithServerLog(testLogHandler("gateway")))
	require.NoError(t, err)

	handler, err := srv.HTTPHandler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("values come back as JSON", func(t *testing.T) {
		val, err := CallHTTP(ctx, ts.Client(), ts.URL, codec.Message{
			Namespace: "user",
			Service:   "service",
			Method:    "echo",
			Args:      []any{"hi", 42},
		})
		require.NoError(t, err)
		require.Equal(t, []any{"hi", float64(43)}, val)
	})

	t.Run("method errors are remote errors", func(t *testing.T) {
		_, err := CallHTTP(ctx, ts.Client(), ts.URL, codec.Message{
			Namespace: "user",
			Service:   "service",
			Method:    "fail",
		})
		var remote *codec.RemoteError
		require.ErrorAs(t, err, &remote)
		require.Equal(t, "boom", remote.Message)
	})

	t.Run("unknown methods are reported", func(t *testing.T) {
		_, err := CallHTTP(ctx, ts.Client(), ts.URL, codec.Message{
			Namespace: "user",
			Service:   "service",
			Method:    "nope",
		})
		require.ErrorContains(t, err, "no such method")
	})
}
