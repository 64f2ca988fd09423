package jsonrpcserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-share-client/signature"
	"github.com/stretchr/testify/require"
)

func TestHandler_ServeHTTP(t *testing.T) {
	var (
		errorArg = -1
		errorOut = errors.New("custom error") //nolint:goerr113
	)
	handlerMethod := func(ctx context.Context, arg1 int) (dummyStruct, error) {
		if arg1 == errorArg {
			return dummyStruct{}, errorOut
		}
		return dummyStruct{arg1}, nil
	}

	handler, err := NewHandler(Methods{
		"function": handlerMethod,
	})
	require.NoError(t, err)

	testCases := map[string]struct {
		requestBody      string
		expectedResponse string
	}{
		"success": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"result":{"field":1}}`,
		},
		"error": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[-1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"custom error"}}`,
		},
		"invalid json": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]`,
			expectedResponse: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"unexpected EOF"}}`,
		},
		"invalid id": {
			requestBody:      `{"jsonrpc":"2.0","id":{},"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":{},"error":{"code":-32700,"message":"invalid id type"}}`,
		},
		"method not found": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"not_found","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
		},
		"invalid params": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1,2]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"too much arguments"}}`,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			body := bytes.NewReader([]byte(testCase.requestBody))
			request, err := http.NewRequest(http.MethodPost, "/", body)
			require.NoError(t, err)

			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, request)
			require.Equal(t, http.StatusOK, rr.Code)

			require.JSONEq(t, testCase.expectedResponse, rr.Body.String())
		})
	}
}

func TestHandler_Signature(t *testing.T) {
	signer, err := signature.NewRandomSigner()
	require.NoError(t, err)

	var got common.Address
	handler, err := NewHandler(Methods{
		"whoami": func(ctx context.Context) (common.Address, error) {
			got = GetSigner(ctx)
			return got, nil
		},
	})
	require.NoError(t, err)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"whoami","params":[]}`)
	header, err := signer.Create(body)
	require.NoError(t, err)

	serve := func(header string) *httptest.ResponseRecorder {
		request, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
		require.NoError(t, err)
		if header != "" {
			request.Header.Set(signature.HTTPHeader, header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request)
		return rr
	}

	got = common.Address{}
	serve(header)
	require.Equal(t, signer.Address(), got)

	// forged signer is ignored
	other, err := signature.NewRandomSigner()
	require.NoError(t, err)
	forged := other.Address().Hex() + header[len(signer.Address().Hex()):]
	got = common.Address{1}
	serve(forged)
	require.Equal(t, common.Address{}, got)

	handler.RequireSignature = true
	rr := serve("")
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"no signature provided"}}`, rr.Body.String())
	rr = serve(header)
	require.Contains(t, rr.Body.String(), `"result"`)
}
