package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tessera/internal/device"
	"github.com/23skdu/longbow-tessera/internal/export"
	"github.com/23skdu/longbow-tessera/internal/layer"
	"github.com/23skdu/longbow-tessera/internal/tensor"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Put(ctx context.Context, dataset string, t *tensor.Tensor) error {
	args := m.Called(ctx, dataset, t)
	return args.Error(0)
}

func (m *mockSink) Close() error {
	return nil
}

func testRunner(t *testing.T, chain string) *Runner {
	t.Helper()
	opt := &layer.Option{
		NumThreads:       2,
		UsePackingLayout: true,
		Features:         device.Features{Name: "test", Lanes: []int{8, 4}},
	}
	r, err := NewRunner(chain, nil, opt, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func postCBOR(t *testing.T, srv *Server, req ForwardRequest) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader(data))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)
	return rr
}

func TestServerForward(t *testing.T) {
	sink := &mockSink{}
	srv := NewServer(testRunner(t, "Padding 0=1 1=1 4=1"), sink, "test-dataset", 1<<20)

	t.Run("replicate rows with forwarding", func(t *testing.T) {
		sink.On("Put", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		rr := postCBOR(t, srv, ForwardRequest{Shape: []int{2, 2}, Values: []float32{1, 2, 3, 4}})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp ForwardResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []int{2, 4}, resp.Shape)
		assert.Equal(t, "fp32", resp.Kind)
		assert.Equal(t, []float32{1, 2, 1, 2, 3, 4, 3, 4}, resp.Values)
		sink.AssertExpectations(t)
	})

	t.Run("chain override", func(t *testing.T) {
		sink.On("Put", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		rr := postCBOR(t, srv, ForwardRequest{
			Shape:  []int{2, 2},
			Kind:   "fp16",
			Chain:  "Padding 2=1 3=1",
			Values: []float32{1, 2, 3, 4},
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp ForwardResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []int{4, 2}, resp.Shape)
		assert.Equal(t, "fp16", resp.Kind)
		assert.Equal(t, []float32{0, 1, 2, 0, 0, 3, 4, 0}, resp.Values)
	})

	t.Run("bad requests", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader([]byte{0xff, 0x00}))
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, r)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = postCBOR(t, srv, ForwardRequest{Shape: []int{1, 2, 3, 4, 5}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = postCBOR(t, srv, ForwardRequest{Shape: []int{2, 2}, Values: []float32{1}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = postCBOR(t, srv, ForwardRequest{Shape: []int{2}, Kind: "fp8", Values: []float32{1, 2}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/forward", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("forward error", func(t *testing.T) {
		rr := postCBOR(t, srv, ForwardRequest{Shape: []int{2}, Chain: "Cast 0=2 1=1", Values: []float32{1, 2}})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestServerForwardArrow(t *testing.T) {
	srv := NewServer(testRunner(t, "Interp 0=1 1=2 2=2"), nil, "", 0)

	in, err := tensor.FromFloat32s(tensor.S3(2, 1, 8), tensor.Float32, 8,
		[]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, nil)
	require.NoError(t, err)
	defer in.Release()

	rec, err := export.NewRecordBuilder(nil).Build(in)
	require.NoError(t, err)
	var body bytes.Buffer
	require.NoError(t, export.WriteIPC(&body, rec, nil))
	rec.Release()

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/forward/arrow", &body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	back, err := export.ReadIPC(rr.Body)
	require.NoError(t, err)
	defer back.Release()
	out, err := export.TensorFromRecord(back, nil)
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, tensor.S3(4, 2, 8), out.Shape())
	// nearest upscale by two repeats every element in both directions
	assert.Equal(t, []float32{1, 1, 2, 2, 1, 1, 2, 2}, out.Float32s()[:8])

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/forward/arrow", bytes.NewReader([]byte("nope"))))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdmitClampsToCapacity(t *testing.T) {
	srv := NewServer(testRunner(t, "Packing 0=1"), nil, "", 16)
	release, err := srv.admit(context.Background(), 1<<20)
	require.NoError(t, err)
	assert.False(t, srv.sem.TryAcquire(1))
	release()
	assert.True(t, srv.sem.TryAcquire(16))
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, int64(4<<30), parseBytes("4GB"))
	assert.Equal(t, int64(512<<20), parseBytes("512MB"))
	assert.Equal(t, int64(2<<10), parseBytes("2k"))
	assert.Equal(t, int64(1024), parseBytes("1024"))
	assert.Equal(t, int64(0), parseBytes(""))

	s, err := parseShape("8, 4, 2, 16")
	require.NoError(t, err)
	assert.Equal(t, tensor.S4(8, 4, 2, 16), s)
	assert.Equal(t, []int{8, 4, 2, 16}, shapeInts(s))

	_, err = parseShape("8,x")
	assert.Error(t, err)
	_, err = parseShape("1,2,3,4,5")
	assert.Error(t, err)
}
