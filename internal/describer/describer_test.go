package describer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
)

func TestDescribeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"a cat sitting on a windowsill"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	desc, err := c.Describe(context.Background(), []byte("fake-image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "a cat sitting on a windowsill", desc)
}

func TestDescribe5xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	_, err := c.Describe(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeDescribeTransient))
}

func TestDescribe4xxIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	_, err := c.Describe(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeDescribePermanent))
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	base := 2 * time.Second
	d0 := Backoff(base, 0)
	d1 := Backoff(base, 1)

	assert.InDelta(t, float64(base), float64(d0), float64(base)*0.25)
	assert.InDelta(t, float64(base*2), float64(d1), float64(base*2)*0.25)
}
