package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quickpaste/quickpaste/internal/qpcode"
	"github.com/quickpaste/quickpaste/internal/qpstore/qpmemorystore"
)

func TestClient(t *testing.T) {
	var (
		client *Client
		ctx    context.Context
		store  *qpmemorystore.MemoryStore
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			store = qpmemorystore.NewMemoryStore(logger, nil)

			httpServer := httptest.NewServer(NewServer(logger, store, nil).router)
			t.Cleanup(httpServer.Close)

			client = NewClient(httpServer.URL+"/", httpServer.Client())

			test(t)
		}
	}

	t.Run("RoundTrip", setup(func(t *testing.T) {
		createResp, err := client.CreatePaste(ctx, "hello, world\n")
		require.NoError(t, err)
		require.True(t, qpcode.Valid(createResp.Code))

		getResp, err := client.GetPaste(ctx, createResp.Code)
		require.NoError(t, err)
		require.Equal(t, "hello, world\n", getResp.Content)
	}))

	t.Run("CreateEmpty", setup(func(t *testing.T) {
		_, err := client.CreatePaste(ctx, "")

		var clientErr *ClientError
		require.ErrorAs(t, err, &clientErr)
		require.Equal(t, &ClientError{
			Message:    "Paste content must not be empty.",
			StatusCode: http.StatusBadRequest,
		}, clientErr)
	}))

	t.Run("GetNotFound", setup(func(t *testing.T) {
		_, err := client.GetPaste(ctx, "0421")

		var clientErr *ClientError
		require.ErrorAs(t, err, &clientErr)
		require.Equal(t, http.StatusNotFound, clientErr.StatusCode)
		require.Equal(t, ErrMessagePasteNotFound, clientErr.Message)
	}))

	t.Run("GetCodeInvalid", setup(func(t *testing.T) {
		_, err := client.GetPaste(ctx, "42")
		require.ErrorIs(t, err, qpcode.ErrCodeInvalid)
	}))

	t.Run("NonJSONError", func(t *testing.T) {
		httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("bad gateway\n"))
		}))
		defer httpServer.Close()

		_, err := NewClient(httpServer.URL, nil).GetPaste(context.Background(), "0421")
		require.Equal(t, &ClientError{Message: "bad gateway", StatusCode: http.StatusBadGateway}, err)
	})
}

func TestRunPostAndGet(t *testing.T) {
	ctx := context.Background()
	store := qpmemorystore.NewMemoryStore(logger, nil)

	httpServer := httptest.NewServer(NewServer(logger, store, nil).router)
	defer httpServer.Close()

	client := NewClient(httpServer.URL, httpServer.Client())

	var postOut bytes.Buffer
	require.NoError(t, runPost(ctx, client, &postOut, "some notes"))
	require.Regexp(t, `\A[0-9]{4} \(expires .+\)\n\z`, postOut.String())

	var getOut bytes.Buffer
	require.NoError(t, runGet(ctx, client, &getOut, postOut.String()[:qpcode.Width]+"\n"))
	require.Equal(t, "some notes", getOut.String())
}
